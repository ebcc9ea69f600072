// Package wpl implements the WPL field-extraction evaluator: a tree of
// field parsers, composable post-processing pipes, and annotation hooks,
// with multi-rule selection by parse depth.
//
// The AST is a direct pointer tree. There is no cycle in a FieldEvalUnit
// tree, only sibling/child pointers, so nothing fancier is needed.
package wpl

import "wparse/pkg/types"

// MetaType is the kind of field a FieldEvalUnit extracts.
type MetaType int

const (
	MetaChars MetaType = iota
	MetaDigit
	MetaFloat
	MetaBool
	MetaIP
	MetaTime
	MetaArray
	MetaJson
	MetaSkip // "_" placeholder: consume input, keep no field
)

// Separators delimits a field unit's extent. Primary is the normal
// separator pair; Upstream is the separator inherited from the parent
// context (used when a compound separator like `<[,]>` mixes an inner
// delimiter with an outer closer); Stop markers end a group early (e.g. the
// outer `]` closing an array).
type Separators struct {
	Primary  string
	Upstream string
	Stop     []string
}

// FieldEvalUnit is one node of a WPL rule's parse tree.
type FieldEvalUnit struct {
	Meta       MetaType
	Name       string // empty for anonymous/skip units
	Seps       Separators
	Child      *FieldEvalUnit // element parser for MetaArray; sub-selector root for MetaJson
	JsonFields []JsonSubField // sub-field selector for MetaJson, e.g. json(digit@k0, chars@k1)
	Pipes      []WplFun
	Repeat     int    // how many times this unit repeats before the next separator, usually 1; >1 for "_^2" style skip-N
	Layout     string // time.Parse reference layout, only meaningful for MetaTime
}

// JsonSubField names one leaf to pull out of a json() unit's decoded value.
type JsonSubField struct {
	Meta MetaType
	Key  string
}

// WplFun is a pipe post-processor: a named function applied to the whole
// record after extraction, optionally with arguments.
type WplFun struct {
	Name string
	Args []string
	Fn   PipeFunc
}

// PipeFunc mutates a parsed record in place. idx, when non-nil, maps field
// name to its index in rec.Fields for O(1) lookup on hot paths.
type PipeFunc func(rec *types.DataRecord, idx map[string]int, args []string) error

// AnnotationType is a post-parse side-effecting hook.
type AnnotationType func(ev *types.SourceEvent, rec *types.DataRecord) error

// Rule is one compiled WPL rule: its key, root unit tree, and annotations.
type Rule struct {
	Package     string
	Name        string
	Root        []*FieldEvalUnit // top-level sequence of field units
	Annotations []AnnotationType
}

// Key returns the "<package>/<rule>" identity used throughout routing.
func (r *Rule) Key() string {
	if r.Package == "" {
		return r.Name
	}
	return r.Package + "/" + r.Name
}
