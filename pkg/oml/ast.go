// Package oml implements the OML record-transform evaluator:
// a list of directives that read a source DataRecord (optionally removing
// fields from it) and append converted fields to a destination record,
// with accessors ranging from plain field takes to SQL enrichment against
// the knowledge DB.
package oml

import "wparse/pkg/types"

// Target names the output field a Single directive produces and the type
// it should be converted to.
type Target struct {
	Name     string
	DataType types.DataType
}

// EvalExp is one OML directive: either Single (exactly one output field)
// or Batch (zero-or-more output fields matched by a wildcard pattern
// against source field names).
type EvalExp struct {
	Single *SingleExp
	Batch  *BatchExp
}

type SingleExp struct {
	Target   Target
	Accessor Accessor
}

type BatchExp struct {
	Pattern  string
	Accessor Accessor
}

// Accessor is the polymorphic capability set: extract_one,
// extract_more (used only by SqlQuery), and support_batch.
type Accessor interface {
	accessor()
}

// Take removes a field by name (or the first present of Name/Defaults)
// from the source working set.
type Take struct {
	Name     string
	Defaults []string
}

// Read is like Take but non-destructive and falls back to the destination
// record when absent from source.
type Read struct {
	Name     string
	Defaults []string
}

// ArrOperation collects every field matching any pattern in CollectWild
// into an array-valued field, preferring destination matches over source.
type ArrOperation struct {
	CollectWild []string
}

// MapOperation evaluates SubBindings in order and wraps the results as an
// ordered object keyed by each sub-directive's safe name.
type MapOperation struct {
	SubBindings []SingleExp
}

// MatchCase is one branch of a MatchOperation: Predicate tests the
// extracted source value(s); Result is evaluated in the original target
// context when Predicate matches.
type MatchCase struct {
	Predicate func(vals ...types.Value) bool
	Result    Accessor
}

// MatchOperation dispatches on one or two source accessors against an
// ordered list of cases, falling back to Default when none match.
type MatchOperation struct {
	Source  Accessor
	Second  Accessor // nil for the Single(source) form
	Cases   []MatchCase
	Default Accessor
}

// FmtOperation interpolates a `{name}` template using the named results of
// SubBindings.
type FmtOperation struct {
	Template    string
	SubBindings []SingleExp
}

// PiPeOperation evaluates Source then folds Pipes left to right.
type PiPeOperation struct {
	Source Accessor
	Pipes  []Pipe
}

// Pipe is one pipe-chain step: a name plus the function it resolves to.
// Args are the literal string arguments supplied at the call site (e.g.
// to_timestamp_zone's offset/unit).
type Pipe struct {
	Name string
	Args []string
	Fn   PipeFunc
}

// PipeFunc transforms one field value into another; errors are recorded
// as diagnostics, never propagated.
type PipeFunc func(in types.Value, args []string) (types.Value, error)

// SqlQuery executes a prepared statement against the knowledge DB.
// extract_more only: one DataField per result column per row.
type SqlQuery struct {
	SQLText     string
	NamedParams map[string]Accessor
}

func (Take) accessor()           {}
func (Read) accessor()           {}
func (ArrOperation) accessor()   {}
func (MapOperation) accessor()   {}
func (MatchOperation) accessor() {}
func (FmtOperation) accessor()   {}
func (PiPeOperation) accessor()  {}
func (SqlQuery) accessor()       {}

// Model is a named, ordered list of directives — one compiled .oml file.
type Model struct {
	Name  string
	Exprs []EvalExp
}
