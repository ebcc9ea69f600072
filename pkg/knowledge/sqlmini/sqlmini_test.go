package sqlmini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelectWhere(t *testing.T) {
	q, err := Parse("select zone, region from zones where ip_start <= :ip and ip_end >= :ip")
	require.NoError(t, err)
	assert.Equal(t, []string{"zone", "region"}, q.Columns)
	assert.Equal(t, "zones", q.Table)
	require.NotNil(t, q.Where)

	root, ok := q.Where.(BinOp)
	require.True(t, ok)
	assert.Equal(t, "and", root.Op)
}

func TestParseNoWhere(t *testing.T) {
	q, err := Parse("SELECT a FROM t")
	require.NoError(t, err)
	assert.Nil(t, q.Where)
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"delete from t",
		"select from t",
		"select a from",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestRunFiltersAndProjects(t *testing.T) {
	q, err := Parse("select zone from zones where lo <= :v and hi >= :v")
	require.NoError(t, err)

	rows := []Row{
		{"zone": "A", "lo": int64(10), "hi": int64(20), "__param_v": int64(15)},
		{"zone": "B", "lo": int64(30), "hi": int64(40), "__param_v": int64(15)},
	}
	out, err := Run(q, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0]["zone"])
}

func TestRunStringNumbersCompareNumerically(t *testing.T) {
	// CSV-imported cells are strings; range predicates must still work.
	q, err := Parse("select zone from zones where lo <= :v and hi >= :v")
	require.NoError(t, err)
	rows := []Row{
		{"zone": "A", "lo": "167772160", "hi": "184549375", "__param_v": int64(167838211)},
	}
	out, err := Run(q, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestRunIP4IntFunction(t *testing.T) {
	q, err := Parse("select zone from zones where lo <= ip4_int(:ip) and hi >= ip4_int(:ip)")
	require.NoError(t, err)
	rows := []Row{
		{"zone": "A", "lo": int64(167772160), "hi": int64(184549375), "__param_ip": "10.1.2.3"},
		{"zone": "Z", "lo": int64(0), "hi": int64(1), "__param_ip": "10.1.2.3"},
	}
	out, err := Run(q, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0]["zone"])
}

func TestRunOrPrecedence(t *testing.T) {
	q, err := Parse("select x from t where a = 1 and b = 2 or c = 3")
	require.NoError(t, err)
	// (a=1 and b=2) or c=3
	out, err := Run(q, []Row{{"x": "hit", "a": int64(9), "b": int64(9), "c": int64(3)}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
