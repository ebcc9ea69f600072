package wpl

import (
	"strconv"
	"strings"

	"wparse/pkg/types"
)

// BuildIndex produces the name→index map WplFun post-processors use for
// O(1) field lookup on the hot path.
func BuildIndex(rec *types.DataRecord) map[string]int {
	idx := make(map[string]int, len(rec.Fields))
	for i, f := range rec.Fields {
		if _, exists := idx[f.Name]; !exists {
			idx[f.Name] = i
		}
	}
	return idx
}

// RunPipes applies a rule's pipe chain to the whole record in order,
// rebuilding the index once up front and again after any pipe that changes
// field count.
func RunPipes(rec *types.DataRecord, pipes []WplFun) *types.WparseError {
	idx := BuildIndex(rec)
	for _, p := range pipes {
		before := len(rec.Fields)
		if err := p.Fn(rec, idx, p.Args); err != nil {
			if we, ok := err.(*types.WparseError); ok {
				return we
			}
			return types.New(types.KindPlugin, "wpl", "pipe:"+p.Name, err.Error()).Wrap(err)
		}
		if len(rec.Fields) != before {
			idx = BuildIndex(rec)
		}
	}
	return nil
}

// Exists is a pipe predicate checking that a named field is present;
// nonexistence is reported as NotMatch so a rule can be rejected by a
// subsequent candidate without surfacing as a hard parse error.
func Exists(name string) WplFun {
	return WplFun{
		Name: "exists",
		Args: []string{name},
		Fn: func(rec *types.DataRecord, idx map[string]int, args []string) error {
			if _, ok := idx[args[0]]; !ok {
				return types.New(types.KindNotMatch, "wpl", "exists", "field not present: "+args[0])
			}
			return nil
		},
	}
}

// In is a pipe predicate checking a named field's raw text is one of a
// fixed set of candidates.
func In(name string, candidates ...string) WplFun {
	return WplFun{
		Name: "in",
		Args: append([]string{name}, candidates...),
		Fn: func(rec *types.DataRecord, idx map[string]int, args []string) error {
			pos, ok := idx[args[0]]
			if !ok {
				return types.New(types.KindNotMatch, "wpl", "in", "field not present: "+args[0])
			}
			raw := rec.Fields[pos].Value.Raw()
			for _, c := range args[1:] {
				if raw == c {
					return nil
				}
			}
			return types.New(types.KindNotMatch, "wpl", "in", "value not in set: "+raw)
		},
	}
}

// Upper/Lower/Trim are the string-mode transform pipes available
// alongside the exists/in checks.
func Upper(name string) WplFun { return stringPipe("upper", name, strings.ToUpper) }
func Lower(name string) WplFun { return stringPipe("lower", name, strings.ToLower) }
func Trim(name string) WplFun  { return stringPipe("trim", name, strings.TrimSpace) }

func stringPipe(label, name string, f func(string) string) WplFun {
	return WplFun{
		Name: label,
		Args: []string{name},
		Fn: func(rec *types.DataRecord, idx map[string]int, args []string) error {
			pos, ok := idx[args[0]]
			if !ok {
				return nil
			}
			field := &rec.Fields[pos]
			field.Value = types.Chars(f(field.Value.Raw()))
			field.Meta = types.TypeChars
			return nil
		},
	}
}

// ToDigit converts a chars field to digit in place; used by pipes that
// reinterpret a raw token after a string transform.
func ToDigit(name string) WplFun {
	return WplFun{
		Name: "to_digit",
		Args: []string{name},
		Fn: func(rec *types.DataRecord, idx map[string]int, args []string) error {
			pos, ok := idx[args[0]]
			if !ok {
				return nil
			}
			n, err := strconv.ParseInt(strings.TrimSpace(rec.Fields[pos].Value.Raw()), 10, 64)
			if err != nil {
				return err
			}
			rec.Fields[pos].Value = types.Digit(n)
			rec.Fields[pos].Meta = types.TypeDigit
			return nil
		},
	}
}
