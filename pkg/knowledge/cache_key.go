package knowledge

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"wparse/pkg/types"
)

// CacheKey fingerprints a query's identity as `[sql_text, normalised
// param_fields]` with xxhash. The requirement is a stable
// collision-resistant key, not a cryptographic digest.
func CacheKey(sqlText string, fields []types.DataField) uint64 {
	sorted := make([]types.DataField, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(sqlText)
	for _, f := range sorted {
		b.WriteByte(0)
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value.Raw())
	}
	return xxhash.Sum64String(b.String())
}

// TableKey builds the bbolt row key for an imported table, used by loader.go.
func TableKey(rowIndex int) []byte {
	return []byte(strconv.Itoa(rowIndex))
}
