package wpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func digitRule(name string, prefixChars int) *Rule {
	units := make([]*FieldEvalUnit, 0, prefixChars+1)
	for i := 0; i < prefixChars; i++ {
		units = append(units, &FieldEvalUnit{Meta: MetaChars, Name: "p", Seps: Separators{Primary: " "}, Repeat: 1})
	}
	units = append(units, &FieldEvalUnit{Meta: MetaDigit, Name: "n", Repeat: 1})
	return &Rule{Package: "test", Name: name, Root: units}
}

func TestDeepestFailureWins(t *testing.T) {
	// Rule "shallow" fails on the very first token; rule "deep" consumes
	// two tokens before failing, so its error must be reported.
	shallow := &Rule{Package: "test", Name: "shallow", Root: []*FieldEvalUnit{
		{Meta: MetaDigit, Name: "n", Seps: Separators{Primary: " "}, Repeat: 1},
	}}
	deep := &Rule{Package: "test", Name: "deep", Root: []*FieldEvalUnit{
		{Meta: MetaChars, Name: "a", Seps: Separators{Primary: " "}, Repeat: 1},
		{Meta: MetaChars, Name: "b", Seps: Separators{Primary: " "}, Repeat: 1},
		{Meta: MetaDigit, Name: "n", Seps: Separators{Primary: " "}, Repeat: 1},
	}}

	w := NewWplWorkshop([]*Rule{shallow, deep})
	input := "alpha beta gamma delta"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	res := w.ParseEvent(&ev, []byte(input))

	require.Nil(t, res.Record)
	require.NotNil(t, res.BestErr)
	assert.Equal(t, "test/deep", res.BestRule)
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	bad := digitRule("bad", 3)
	good := &Rule{Package: "test", Name: "good", Root: []*FieldEvalUnit{
		{Meta: MetaChars, Name: "all", Repeat: 1},
	}}
	w := NewWplWorkshop([]*Rule{bad, good})

	input := "anything goes here"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	res := w.ParseEvent(&ev, []byte(input))
	require.NotNil(t, res.Record)
	assert.Equal(t, "test/good", res.RuleKey)
	assert.Nil(t, res.BestErr)
}

func TestAdaptiveReorderPromotesHotRule(t *testing.T) {
	// "cold" matches nothing; "hot" matches everything. After a resort
	// window the hot rule must be tried first.
	cold := &Rule{Package: "test", Name: "cold", Root: []*FieldEvalUnit{
		{Meta: MetaDigit, Name: "n", Seps: Separators{Primary: " "}, Repeat: 1},
	}}
	hot := &Rule{Package: "test", Name: "hot", Root: []*FieldEvalUnit{
		{Meta: MetaChars, Name: "all", Repeat: 1},
	}}
	w := NewWplWorkshop([]*Rule{cold, hot})

	input := "text only"
	ev := types.NewSourceEvent("t", types.StringPayload(input), nil)
	for i := 0; i < OptimizeTimes+1; i++ {
		w.ParseEvent(&ev, []byte(input))
	}
	// the re-sort runs inside the ParseEvent call that completes the
	// window; keep parsing and re-checking in case the window boundary
	// shifts.
	deadlineHit := false
	for i := 0; i < 1000; i++ {
		if w.Rules()[0].Name == "hot" {
			deadlineHit = true
			break
		}
		w.ParseEvent(&ev, []byte(input))
	}
	assert.True(t, deadlineHit, "hot rule should migrate to the front after a resort window")
}
