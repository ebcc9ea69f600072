package oml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func pipeModel(source string, pipes ...Pipe) *Model {
	return &Model{Name: "p", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "X", DataType: types.TypeAuto}, Accessor: PiPeOperation{
			Source: Take{Name: source},
			Pipes:  pipes,
		}}},
	}}
}

func step(name string, fn PipeFunc, args ...string) Pipe {
	return Pipe{Name: name, Args: args, Fn: fn}
}

func TestBase64RoundTrip(t *testing.T) {
	model := pipeModel("A1", step("base64_encode", Base64Encode), step("base64_decode", Base64Decode))
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("A1", "hello1"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, "hello1", out.Fields[0].Value.Chars)
}

func TestHTMLEscapeRoundTrip(t *testing.T) {
	model := pipeModel("A1", step("html_escape", HTMLEscape), step("html_unescape", HTMLUnescape))
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("A1", "<html>"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, "<html>", out.Fields[0].Value.Chars)
}

func TestIP4Int(t *testing.T) {
	v, err := IP4Int(types.Chars("10.1.2.3"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10)<<24|int64(1)<<16|int64(2)<<8|3, v.Digit)

	_, err = IP4Int(types.Chars("not.an.ip"), nil)
	assert.Error(t, err)
}

func TestURLParseComponents(t *testing.T) {
	u := types.Chars("https://example.com:8443/a/b?q=1")
	host, err := URLParse(u, []string{"host"})
	require.NoError(t, err)
	assert.Equal(t, "example.com:8443", host.Chars)

	domain, err := URLParse(u, []string{"domain"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", domain.Chars)

	p, err := URLParse(u, []string{"path"})
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p.Chars)

	q, err := URLParse(u, []string{"params"})
	require.NoError(t, err)
	assert.Equal(t, "q=1", q.Chars)
}

func TestObjGetDottedPath(t *testing.T) {
	inner := types.Obj([]types.DataField{types.NewField("leaf", types.Digit(9))})
	outer := types.Obj([]types.DataField{types.NewField("inner", inner)})
	v, err := ObjGet(outer, []string{"inner.leaf"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), v.Digit)

	_, err = ObjGet(outer, []string{"inner.absent"})
	assert.Error(t, err)
}

func TestArrGetBounds(t *testing.T) {
	arr := types.Array([]types.DataField{
		types.NewField("", types.Chars("a")),
		types.NewField("", types.Chars("b")),
	})
	v, err := ArrGet(arr, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "b", v.Chars)

	_, err = ArrGet(arr, []string{"5"})
	assert.Error(t, err)
}

func TestEpochAndZoneConversions(t *testing.T) {
	ts := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
	v, err := EpochSeconds(types.TimeVal(ts), nil)
	require.NoError(t, err)
	assert.Equal(t, ts.Unix(), v.Digit)

	ms, err := EpochMillis(types.TimeVal(ts), nil)
	require.NoError(t, err)
	assert.Equal(t, ts.UnixNano()/int64(time.Millisecond), ms.Digit)

	z, err := ToTimestampZone(types.TimeVal(ts), []string{"480", "s"})
	require.NoError(t, err)
	// the instant is unchanged; only the rendering zone moves
	assert.Equal(t, ts.Unix(), z.Digit)
}

func TestSkipIfEmptyProducesIgnore(t *testing.T) {
	v, err := SkipIfEmpty(types.Chars(""), nil)
	require.NoError(t, err)
	assert.True(t, v.IsIgnore())

	kept, err := SkipIfEmpty(types.Chars("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "x", kept.Chars)

	// an Obj is empty only with zero fields, not when all values ignore
	allIgnored := types.Obj([]types.DataField{types.NewField("a", types.Ignore())})
	keptObj, err := SkipIfEmpty(allIgnored, nil)
	require.NoError(t, err)
	assert.False(t, keptObj.IsIgnore())

	emptyObj, err := SkipIfEmpty(types.Obj(nil), nil)
	require.NoError(t, err)
	assert.True(t, emptyObj.IsIgnore())
}

func TestSxfGetBilingualKeys(t *testing.T) {
	log := "用户名: alice\npassword = s3cret\n响应头: X-Req-Id 7"
	v, err := SxfGet(types.Chars(log), []string{"username"})
	require.NoError(t, err)
	assert.Equal(t, "alice", v.Chars)

	p, err := SxfGet(types.Chars(log), []string{"password"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", p.Chars)

	h, err := SxfGet(types.Chars(log), []string{"responseHeaders"})
	require.NoError(t, err)
	assert.Equal(t, "X-Req-Id 7", h.Chars)

	missing, err := SxfGet(types.Chars(log), []string{"traceId"})
	require.NoError(t, err)
	assert.Equal(t, "", missing.Chars)
}
