package oml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func charsRec(pairs ...string) *types.DataRecord {
	rec := &types.DataRecord{}
	for i := 0; i+1 < len(pairs); i += 2 {
		rec.Append(types.NewField(pairs[i], types.Chars(pairs[i+1])))
	}
	return rec
}

func TestReadWithDigitConversion(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "A", DataType: types.TypeDigit}, Accessor: Read{Name: "src_a"}}},
	}}
	e := NewEvaluator(model, nil)

	out := e.Transform(charsRec("src_a", "42"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, "A", out.Fields[0].Name)
	assert.Equal(t, types.KindDigit, out.Fields[0].Value.Kind)
	assert.Equal(t, int64(42), out.Fields[0].Value.Digit)
	assert.Empty(t, e.Issues())
}

func TestConversionFailureKeepsCharsAndDiagnoses(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "A", DataType: types.TypeDigit}, Accessor: Read{Name: "src_a"}}},
	}}
	e := NewEvaluator(model, nil)

	out := e.Transform(charsRec("src_a", "abc"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, types.KindChars, out.Fields[0].Value.Kind)
	assert.Equal(t, "abc", out.Fields[0].Value.Chars)

	issues := e.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, IssueParseFail, issues[0].Kind)
}

func TestTakeRemovesFromWorkingSetReadDoesNot(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "first", DataType: types.TypeChars}, Accessor: Take{Name: "x"}}},
		{Single: &SingleExp{Target: Target{Name: "second", DataType: types.TypeChars}, Accessor: Take{Name: "x"}}},
	}}
	e := NewEvaluator(model, nil)

	// two fields named x: first Take gets the first, second Take the next
	rec := charsRec("x", "one", "x", "two")
	out := e.Transform(rec)
	require.Len(t, out.Fields, 2)
	assert.Equal(t, "one", out.Fields[0].Value.Chars)
	assert.Equal(t, "two", out.Fields[1].Value.Chars)

	readModel := &Model{Name: "m2", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "a", DataType: types.TypeChars}, Accessor: Read{Name: "x"}}},
		{Single: &SingleExp{Target: Target{Name: "b", DataType: types.TypeChars}, Accessor: Read{Name: "x"}}},
	}}
	e2 := NewEvaluator(readModel, nil)
	out2 := e2.Transform(charsRec("x", "same"))
	require.Len(t, out2.Fields, 2)
	assert.Equal(t, "same", out2.Fields[0].Value.Chars)
	assert.Equal(t, "same", out2.Fields[1].Value.Chars)
}

func TestReadFallsBackToDestination(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "made", DataType: types.TypeChars}, Accessor: Take{Name: "src"}}},
		{Single: &SingleExp{Target: Target{Name: "copy", DataType: types.TypeChars}, Accessor: Read{Name: "made"}}},
	}}
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("src", "v"))
	require.Len(t, out.Fields, 2)
	assert.Equal(t, "v", out.Fields[1].Value.Chars)
}

func TestBatchWildcardCollectsAndDiagnosesEmpty(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Batch: &BatchExp{Pattern: "http/*", Accessor: Read{}}},
	}}
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("http/status", "200", "http/agent", "curl", "other", "x"))
	assert.Len(t, out.Fields, 2)

	e2 := NewEvaluator(model, nil)
	out2 := e2.Transform(charsRec("nothing", "here"))
	assert.Empty(t, out2.Fields)
	require.Len(t, e2.Issues(), 1)
	assert.Equal(t, IssueBatchNoMatch, e2.Issues()[0].Kind)
}

func TestMapOperationBuildsOrderedObject(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "obj", DataType: types.TypeObj}, Accessor: MapOperation{SubBindings: []SingleExp{
			{Target: Target{Name: "s", DataType: types.TypeDigit}, Accessor: Read{Name: "status"}},
			{Target: Target{Name: "m", DataType: types.TypeChars}, Accessor: Read{Name: "method"}},
		}}}},
	}}
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("status", "404", "method", "GET"))
	require.Len(t, out.Fields, 1)
	obj := out.Fields[0].Value
	require.Equal(t, types.KindObj, obj.Kind)
	require.Len(t, obj.Obj, 2)
	assert.Equal(t, "s", obj.Obj[0].Name)
	assert.Equal(t, int64(404), obj.Obj[0].Value.Digit)
	assert.Equal(t, "GET", obj.Obj[1].Value.Chars)
}

func TestMatchFirstCaseWinsWithDefault(t *testing.T) {
	eqCase := func(want, result string) MatchCase {
		return MatchCase{
			Predicate: func(vals ...types.Value) bool { return len(vals) > 0 && vals[0].Raw() == want },
			Result:    Read{Name: result},
		}
	}
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "out", DataType: types.TypeChars}, Accessor: MatchOperation{
			Source:  Read{Name: "level"},
			Cases:   []MatchCase{eqCase("warn", "warn_msg"), eqCase("error", "error_msg")},
			Default: Read{Name: "fallback"},
		}}},
	}}

	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("level", "error", "warn_msg", "W", "error_msg", "E", "fallback", "F"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, "E", out.Fields[0].Value.Chars)

	out2 := e.Transform(charsRec("level", "debug", "fallback", "F"))
	require.Len(t, out2.Fields, 1)
	assert.Equal(t, "F", out2.Fields[0].Value.Chars)
}

func TestFmtTemplateMissingVarDiagnosed(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "line", DataType: types.TypeChars}, Accessor: FmtOperation{
			Template: "{method} {path} -> {missing}",
			SubBindings: []SingleExp{
				{Target: Target{Name: "method", DataType: types.TypeChars}, Accessor: Read{Name: "m"}},
				{Target: Target{Name: "path", DataType: types.TypeChars}, Accessor: Read{Name: "p"}},
			},
		}}},
	}}
	e := NewEvaluator(model, nil)
	out := e.Transform(charsRec("m", "GET", "p", "/x"))
	require.Len(t, out.Fields, 1)
	assert.Equal(t, "GET /x -> ", out.Fields[0].Value.Chars)

	var kinds []IssueKind
	for _, i := range e.Issues() {
		kinds = append(kinds, i.Kind)
	}
	assert.Contains(t, kinds, IssueFmtVarMissing)
}

func TestTransformIsDeterministic(t *testing.T) {
	model := &Model{Name: "m", Exprs: []EvalExp{
		{Single: &SingleExp{Target: Target{Name: "A", DataType: types.TypeDigit}, Accessor: Read{Name: "n"}}},
		{Batch: &BatchExp{Pattern: "tag/*", Accessor: Read{}}},
	}}
	e := NewEvaluator(model, nil)
	src := charsRec("n", "5", "tag/a", "1", "tag/b", "2")
	first := e.Transform(src.Clone())
	second := e.Transform(src.Clone())
	require.Equal(t, len(first.Fields), len(second.Fields))
	for i := range first.Fields {
		assert.Equal(t, first.Fields[i].Name, second.Fields[i].Name)
		assert.Equal(t, first.Fields[i].Value.Raw(), second.Fields[i].Value.Raw())
	}
}
