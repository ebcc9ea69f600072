package wpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func nginxRule() *Rule {
	return &Rule{
		Package: "nginx",
		Name:    "access",
		Root: []*FieldEvalUnit{
			{Meta: MetaIP, Name: "sip", Seps: Separators{Primary: " "}, Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: " "}, Repeat: 2},
			{Meta: MetaSkip, Seps: Separators{Primary: "["}, Repeat: 1},
			{Meta: MetaTime, Name: "time", Seps: Separators{Primary: "] "}, Layout: "02/Jan/2006:15:04:05 -0700", Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: `"`}, Repeat: 1},
			{Meta: MetaChars, Name: "http/request", Seps: Separators{Primary: `" `}, Repeat: 1},
			{Meta: MetaDigit, Name: "http/status", Seps: Separators{Primary: " "}, Repeat: 1},
			{Meta: MetaDigit, Name: "bytes", Seps: Separators{Primary: " "}, Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: `"`}, Repeat: 1},
			{Meta: MetaChars, Name: "http/referer", Seps: Separators{Primary: `" `}, Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: `"`}, Repeat: 1},
			{Meta: MetaChars, Name: "http/agent", Seps: Separators{Primary: `" `}, Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: `"`}, Repeat: 1},
			{Meta: MetaSkip, Seps: Separators{Primary: `"`}, Repeat: 1},
		},
	}
}

const nginxLine = `222.133.52.20 - - [06/Aug/2019:12:12:19 +0800] "GET /nginx-logo.png HTTP/1.1" 200 368 "http://119.122.1.4/" "Mozilla/5.0" "-"`

func TestNginxAccessLineParses(t *testing.T) {
	ev := types.NewSourceEvent("nginx", types.StringPayload(nginxLine), nil)
	rec, residue, err := NewEvaluator(nginxRule()).Proc(&ev, []byte(nginxLine), -1)
	require.Nil(t, err)
	assert.Empty(t, residue)

	sip, ok := rec.Get("sip")
	require.True(t, ok)
	assert.Equal(t, types.KindIPAddr, sip.Value.Kind)
	assert.Equal(t, "222.133.52.20", sip.Value.Raw())

	ts, ok := rec.Get("time")
	require.True(t, ok)
	assert.Equal(t, types.KindTime, ts.Value.Kind)
	assert.Equal(t, 2019, ts.Value.Time.Year())

	status, ok := rec.Get("http/status")
	require.True(t, ok)
	assert.Equal(t, types.KindDigit, status.Value.Kind)
	assert.Equal(t, int64(200), status.Value.Digit)

	req, ok := rec.Get("http/request")
	require.True(t, ok)
	assert.Equal(t, "GET /nginx-logo.png HTTP/1.1", req.Value.Chars)

	agent, ok := rec.Get("http/agent")
	require.True(t, ok)
	assert.Equal(t, "Mozilla/5.0", agent.Value.Chars)
}

func TestScalarConversionFailureReportsDepth(t *testing.T) {
	rule := &Rule{
		Name: "digits",
		Root: []*FieldEvalUnit{
			{Meta: MetaChars, Name: "a", Seps: Separators{Primary: " "}, Repeat: 1},
			{Meta: MetaDigit, Name: "b", Seps: Separators{Primary: " "}, Repeat: 1},
		},
	}
	input := "hello world more"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	rec, _, err := NewEvaluator(rule).Proc(&ev, []byte(input), -1)
	require.NotNil(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, types.KindDataError, err.Kind)
	// "world" starts after "hello " — depth must be past the first token.
	assert.Greater(t, err.Depth, 5)
}

func TestResidueReturnedAfterLastUnit(t *testing.T) {
	rule := &Rule{
		Name: "prefix",
		Root: []*FieldEvalUnit{
			{Meta: MetaChars, Name: "head", Seps: Separators{Primary: "|"}, Repeat: 1},
		},
	}
	input := "front|tail stays"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	rec, residue, err := NewEvaluator(rule).Proc(&ev, []byte(input), -1)
	require.Nil(t, err)
	head, _ := rec.Get("head")
	assert.Equal(t, "front", head.Value.Chars)
	assert.Equal(t, "tail stays", string(residue))
}

func TestArrayUnitParsesElementsAndEmpty(t *testing.T) {
	rule := &Rule{
		Name: "arr",
		Root: []*FieldEvalUnit{
			{
				Meta: MetaArray, Name: "nums", Repeat: 1,
				Seps:  Separators{Stop: []string{"]"}},
				Child: &FieldEvalUnit{Meta: MetaDigit, Repeat: 1, Name: "n"},
			},
		},
	}
	input := "1,2,3,]"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	rec, _, err := NewEvaluator(rule).Proc(&ev, []byte(input), -1)
	require.Nil(t, err)
	nums, ok := rec.Get("nums")
	require.True(t, ok)
	require.Equal(t, types.KindArray, nums.Value.Kind)
	require.Len(t, nums.Value.Array, 3)
	assert.Equal(t, int64(2), nums.Value.Array[1].Value.Digit)
}

func TestJsonUnitProjectsSubFields(t *testing.T) {
	rule := &Rule{
		Name: "js",
		Root: []*FieldEvalUnit{
			{
				Meta: MetaJson, Name: "payload", Repeat: 1,
				JsonFields: []JsonSubField{{Meta: MetaDigit, Key: "k0"}, {Meta: MetaChars, Key: "k1"}},
			},
		},
	}
	input := `{"k0": 7, "k1": "x", "k2": true}`
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	rec, _, err := NewEvaluator(rule).Proc(&ev, []byte(input), -1)
	require.Nil(t, err)
	payload, ok := rec.Get("payload")
	require.True(t, ok)
	require.Equal(t, types.KindObj, payload.Value.Kind)
	require.Len(t, payload.Value.Obj, 2)
	assert.Equal(t, int64(7), payload.Value.Obj[0].Value.Digit)
	assert.Equal(t, "x", payload.Value.Obj[1].Value.Chars)
}

func TestPipeExistsRejectsRecord(t *testing.T) {
	rule := &Rule{
		Name: "guard",
		Root: []*FieldEvalUnit{
			{
				Meta: MetaChars, Name: "a", Repeat: 1,
				Pipes: []WplFun{Exists("missing")},
			},
		},
	}
	input := "value"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	_, _, err := NewEvaluator(rule).Proc(&ev, []byte(input), -1)
	require.NotNil(t, err)
	assert.True(t, err.IsNotMatch())
}

func TestCompileRuleFileRoundTrip(t *testing.T) {
	src := `
package = "demo"

[[rules]]
name = "kv"

[[rules.units]]
meta = "chars"
name = "key"
sep = "="

[[rules.units]]
meta = "digit"
name = "val"

[[rules.units.pipes]]
fn = "exists"
args = ["key"]
`
	rules, err := CompileRuleFile([]byte(src), DefaultPipeRegistry(), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "demo/kv", rules[0].Key())

	input := "answer=42"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	rec, _, perr := NewEvaluator(rules[0]).Proc(&ev, []byte(input), -1)
	require.Nil(t, perr)
	val, ok := rec.Get("val")
	require.True(t, ok)
	assert.Equal(t, int64(42), val.Value.Digit)
}
