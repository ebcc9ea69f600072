// Package knowledge implements the embedded enrichment-DB facade: a
// process-wide provider over an authority bbolt store, a per-worker clone
// with its own query cache, and cache keys built from a content
// fingerprint of the SQL text plus its normalised bind parameters.
package knowledge

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"wparse/pkg/knowledge/sqlmini"
	"wparse/pkg/types"
)

// Provider is the process-wide knowledge DB handle over the single bbolt
// file (the "authority database"). Clone hands each parser worker its own
// view with a private query cache over the shared handle.
type Provider struct {
	path string
	db   *bolt.DB

	mu    sync.RWMutex
	cache map[uint64][]types.DataField
}

// Open opens (or creates) the authority bbolt file at path.
func Open(path string) (*Provider, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %s: %w", path, err)
	}
	return &Provider{path: path, db: db, cache: make(map[uint64][]types.DataField)}, nil
}

func (p *Provider) Close() error { return p.db.Close() }

// Clone hands a parser worker its own Provider view: the bbolt handle is
// shared (bbolt read transactions are safe across goroutines, and the file
// lock is exclusive to one open handle), while the query cache is private
// so workers never contend on the cache mutex.
func (p *Provider) Clone() (*Provider, error) {
	return &Provider{path: p.path, db: p.db, cache: make(map[uint64][]types.DataField)}, nil
}

// CacheQuery satisfies oml.KnowledgeDB: on a cache miss it parses sqlText
// (parsing itself is not cached — only results are, since re-parsing
// a short SELECT is cheap relative to a bucket scan), evaluates it against
// the named bucket, and caches the projected result under a composite key
// of the SQL text and the normalised parameter fields.
func (p *Provider) CacheQuery(sqlText string, cacheKeyFields []types.DataField, bindParams map[string]types.Value) ([]types.DataField, error) {
	key := CacheKey(sqlText, cacheKeyFields)

	p.mu.RLock()
	if hit, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return hit, nil
	}
	p.mu.RUnlock()

	q, err := sqlmini.Parse(sqlText)
	if err != nil {
		return nil, err
	}

	rows, err := p.loadRows(q.Table)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		for name, v := range bindParams {
			row["__param_"+name] = valueToNative(v)
		}
		rows[i] = row
	}

	matched, err := sqlmini.Run(q, rows)
	if err != nil {
		return nil, err
	}

	var out []types.DataField
	for _, row := range matched {
		for _, col := range q.Columns {
			out = append(out, types.NewField(col, nativeToValue(row[col])))
		}
	}

	p.mu.Lock()
	p.cache[key] = out
	p.mu.Unlock()
	return out, nil
}

// loadRows reads every row of one table bucket from bbolt, JSON-decoding
// each value into a generic row map (see loader.go for the write side).
func (p *Provider) loadRows(table string) ([]sqlmini.Row, error) {
	var rows []sqlmini.Row
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("knowledge: unknown table %q", table)
		}
		return b.ForEach(func(_, v []byte) error {
			row := make(sqlmini.Row)
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	return rows, err
}

func valueToNative(v types.Value) any {
	switch v.Kind {
	case types.KindDigit:
		return v.Digit
	case types.KindFloat:
		return v.Float
	default:
		return v.Raw()
	}
}

func nativeToValue(v any) types.Value {
	switch n := v.(type) {
	case int64:
		return types.Digit(n)
	case float64:
		if n == float64(int64(n)) {
			return types.Digit(int64(n))
		}
		return types.Float(n)
	case string:
		return types.Chars(n)
	case nil:
		return types.Null()
	default:
		return types.Chars(fmt.Sprintf("%v", n))
	}
}
