package oml

import (
	"path"
	"strings"

	"wparse/pkg/types"
)

// KnowledgeDB is the facade the SQL accessor consults. It is satisfied by
// pkg/knowledge.Provider; kept as an interface here so oml never imports
// the storage package.
type KnowledgeDB interface {
	CacheQuery(sqlText string, cacheKeyFields []types.DataField, bindParams map[string]types.Value) ([]types.DataField, error)
}

// Evaluator runs one Model against records. It owns its own IssueBuffer,
// so one Evaluator per worker goroutine gives the "thread-local diagnostic
// buffer" semantics describes without needing actual TLS.
type Evaluator struct {
	Model *Model
	DB    KnowledgeDB
	diag  IssueBuffer
}

func NewEvaluator(model *Model, db KnowledgeDB) *Evaluator {
	return &Evaluator{Model: model, DB: db}
}

// Transform evaluates every directive in order against src, returning a
// freshly built destination record. It never fails; anomalies become
// diagnostics retrievable via Issues() immediately after the call.
func (e *Evaluator) Transform(src *types.DataRecord) *types.DataRecord {
	e.diag.reset()
	work := src.Clone()
	dest := &types.DataRecord{}

	for _, expr := range e.Model.Exprs {
		switch {
		case expr.Single != nil:
			e.evalSingle(expr.Single, work, dest)
		case expr.Batch != nil:
			e.evalBatch(expr.Batch, work, dest)
		}
	}
	return dest
}

// Issues returns the diagnostics recorded by the most recent Transform call.
func (e *Evaluator) Issues() []OmlIssue { return e.diag.Issues() }

func (e *Evaluator) evalSingle(s *SingleExp, work, dest *types.DataRecord) {
	v, ok := e.extractOne(s.Accessor, work, dest)
	if !ok {
		return
	}
	v = Convert(v, s.Target.DataType, s.Target.Name, &e.diag)
	dest.Append(types.DataField{Meta: s.Target.DataType, Name: s.Target.Name, Value: v})
}

func (e *Evaluator) evalBatch(b *BatchExp, work, dest *types.DataRecord) {
	switch acc := b.Accessor.(type) {
	case SqlQuery:
		fields := e.evalSQL(acc, work, dest)
		if len(fields) == 0 {
			e.diag.record(IssueBatchNoMatch, b.Pattern, "sql query returned no rows")
		}
		for _, f := range fields {
			dest.Append(f)
		}
	default:
		matches := extractBatch(b.Pattern, work, dest)
		if len(matches) == 0 {
			e.diag.record(IssueBatchNoMatch, b.Pattern, "no source field matched")
		}
		for _, f := range matches {
			dest.Append(f)
		}
	}
}

// extractOne dispatches the extract_one capability across every accessor
// kind. SqlQuery is extract_more-only; in a single-field context it
// degrades to the first column of the first row.
func (e *Evaluator) extractOne(acc Accessor, work, dest *types.DataRecord) (types.Value, bool) {
	switch a := acc.(type) {
	case Take:
		return takeField(a.Name, a.Defaults, work)
	case Read:
		return readField(a.Name, a.Defaults, work, dest)
	case ArrOperation:
		elems := extractBatch(strings.Join(a.CollectWild, "|"), work, dest)
		if len(elems) == 0 {
			for _, pat := range a.CollectWild {
				elems = append(elems, extractBatch(pat, work, dest)...)
			}
		}
		return types.Array(elems), true
	case MapOperation:
		var fields []types.DataField
		for _, sub := range a.SubBindings {
			v, ok := e.extractOne(sub.Accessor, work, dest)
			if !ok {
				continue
			}
			v = Convert(v, sub.Target.DataType, sub.Target.Name, &e.diag)
			fields = append(fields, types.DataField{Meta: sub.Target.DataType, Name: sub.Target.Name, Value: v})
		}
		return types.Obj(fields), true
	case MatchOperation:
		return e.evalMatch(a, work, dest)
	case FmtOperation:
		return e.evalFmt(a, work, dest)
	case PiPeOperation:
		return e.evalPipe(a, work, dest)
	case SqlQuery:
		fields := e.evalSQL(a, work, dest)
		if len(fields) == 0 {
			return types.Value{}, false
		}
		return fields[0].Value, true
	default:
		return types.Value{}, false
	}
}

func takeField(name string, defaults []string, work *types.DataRecord) (types.Value, bool) {
	if f, ok := work.Take(name); ok {
		return f.Value, true
	}
	for _, d := range defaults {
		if f, ok := work.Take(d); ok {
			return f.Value, true
		}
	}
	return types.Value{}, false
}

func readField(name string, defaults []string, work, dest *types.DataRecord) (types.Value, bool) {
	if f, ok := work.Get(name); ok {
		return f.Value, true
	}
	for _, d := range defaults {
		if f, ok := work.Get(d); ok {
			return f.Value, true
		}
	}
	if f, ok := dest.Get(name); ok {
		return f.Value, true
	}
	return types.Value{}, false
}

// extractBatch collects every field whose name matches the wildcard
// pattern, preferring destination matches over source.
func extractBatch(pattern string, work, dest *types.DataRecord) []types.DataField {
	var out []types.DataField
	seen := make(map[string]bool)
	for _, f := range dest.Fields {
		if wildMatch(pattern, f.Name) && !seen[f.Name] {
			out = append(out, f)
			seen[f.Name] = true
		}
	}
	for _, f := range work.Fields {
		if wildMatch(pattern, f.Name) && !seen[f.Name] {
			out = append(out, f)
			seen[f.Name] = true
		}
	}
	return out
}

// wildMatch supports a single-pattern or "|"-joined alternative set of
// shell-style glob patterns (path.Match semantics, '*' and '?').
func wildMatch(pattern, name string) bool {
	for _, p := range strings.Split(pattern, "|") {
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (e *Evaluator) evalMatch(m MatchOperation, work, dest *types.DataRecord) (types.Value, bool) {
	v1, ok1 := e.extractOne(m.Source, work, dest)
	if !ok1 {
		if m.Default != nil {
			return e.extractOne(m.Default, work, dest)
		}
		return types.Value{}, false
	}
	var v2 types.Value
	if m.Second != nil {
		v2, _ = e.extractOne(m.Second, work, dest)
		if v2.Kind != v1.Kind {
			e.diag.record(IssueTypeMismatch, "match", "paired values have different kinds: "+v1.Kind.String()+" vs "+v2.Kind.String())
		}
	}
	for _, c := range m.Cases {
		var matched bool
		if m.Second != nil {
			matched = c.Predicate(v1, v2)
		} else {
			matched = c.Predicate(v1)
		}
		if matched {
			return e.extractOne(c.Result, work, dest)
		}
	}
	if m.Default != nil {
		return e.extractOne(m.Default, work, dest)
	}
	return types.Value{}, false
}

func (e *Evaluator) evalFmt(f FmtOperation, work, dest *types.DataRecord) (types.Value, bool) {
	vars := make(map[string]string, len(f.SubBindings))
	for _, sub := range f.SubBindings {
		v, ok := e.extractOne(sub.Accessor, work, dest)
		if !ok {
			continue
		}
		v = Convert(v, sub.Target.DataType, sub.Target.Name, &e.diag)
		vars[sub.Target.Name] = v.Raw()
	}
	out := renderTemplate(f.Template, vars, &e.diag)
	return types.Chars(out), true
}

// renderTemplate expands `{name}` placeholders; a missing variable is
// reported as FmtVarMissing and rendered as empty.
func renderTemplate(tpl string, vars map[string]string, diag *IssueBuffer) string {
	var b strings.Builder
	i := 0
	for i < len(tpl) {
		if tpl[i] == '{' {
			if end := strings.IndexByte(tpl[i:], '}'); end >= 0 {
				name := tpl[i+1 : i+end]
				if v, ok := vars[name]; ok {
					b.WriteString(v)
				} else {
					diag.record(IssueFmtVarMissing, name, "template variable not bound")
				}
				i += end + 1
				continue
			}
		}
		b.WriteByte(tpl[i])
		i++
	}
	return b.String()
}

func (e *Evaluator) evalPipe(p PiPeOperation, work, dest *types.DataRecord) (types.Value, bool) {
	v, ok := e.extractOne(p.Source, work, dest)
	if !ok {
		return types.Value{}, false
	}
	for _, step := range p.Pipes {
		out, err := step.Fn(v, step.Args)
		if err != nil {
			e.diag.record(IssueTypeMismatch, step.Name, err.Error())
			return v, true
		}
		v = out
	}
	return v, true
}
