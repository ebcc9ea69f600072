package oml

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"wparse/pkg/types"
)

// ModelFile is one `models/oml/**/*.oml` file's declarative shape. Like
// WPL rule files, OML model files are TOML: an ordered
// list of directives rather than a bespoke textual grammar, so the model
// compiler is one generic toml.Unmarshal plus resolution of named pipe
// functions and predicates instead of a hand-rolled parser.
type ModelFile struct {
	Name  string           `toml:"name"`
	Exprs []EvalExpFile    `toml:"exprs"`
}

// EvalExpFile is one [[exprs]] entry: exactly one of Single/Batch set.
type EvalExpFile struct {
	Single *SingleExpFile `toml:"single"`
	Batch  *BatchExpFile  `toml:"batch"`
}

type SingleExpFile struct {
	Target   TargetFile    `toml:"target"`
	Accessor AccessorFile  `toml:"accessor"`
}

type BatchExpFile struct {
	Pattern  string       `toml:"pattern"`
	Accessor AccessorFile `toml:"accessor"`
}

type TargetFile struct {
	Name     string `toml:"name"`
	DataType string `toml:"data_type"`
}

// AccessorFile is a tagged union over every Accessor variant; exactly one
// field should be set per use, matched in resolution order below.
type AccessorFile struct {
	Take  *TakeFile  `toml:"take"`
	Read  *TakeFile  `toml:"read"`
	Arr   *ArrFile   `toml:"arr"`
	Map   *MapFile   `toml:"map"`
	Match *MatchFile `toml:"match"`
	Fmt   *FmtFile   `toml:"fmt"`
	Pipe  *PipeOpFile `toml:"pipe"`
	Sql   *SqlFile   `toml:"sql"`
}

type TakeFile struct {
	Name     string   `toml:"name"`
	Defaults []string `toml:"defaults"`
}

type ArrFile struct {
	CollectWild []string `toml:"collect_wild"`
}

type MapFile struct {
	SubBindings []SingleExpFile `toml:"sub_bindings"`
}

// MatchCaseFile declares a predicate over Source's extracted value(s)
// using a small named-op DSL: eq/in/regex/exists, keeping the predicate itself
// declarative so model files never embed Go closures.
type MatchCaseFile struct {
	Op     string   `toml:"op"` // eq | in | regex | exists | default
	Value  string   `toml:"value"`
	Values []string `toml:"values"`
	Result AccessorFile `toml:"result"`
}

type MatchFile struct {
	Source  AccessorFile    `toml:"source"`
	Second  *AccessorFile   `toml:"second"`
	Cases   []MatchCaseFile `toml:"cases"`
	Default *AccessorFile   `toml:"default"`
}

type FmtFile struct {
	Template    string          `toml:"template"`
	SubBindings []SingleExpFile `toml:"sub_bindings"`
}

type PipeStepFile struct {
	Fn   string   `toml:"fn"`
	Args []string `toml:"args"`
}

type PipeOpFile struct {
	Source AccessorFile   `toml:"source"`
	Pipes  []PipeStepFile `toml:"pipes"`
}

type SqlFile struct {
	SQLText     string                  `toml:"sql_text"`
	NamedParams map[string]AccessorFile `toml:"named_params"`
}

// PipeRegistry resolves a pipe-function name to its implementation.
type PipeRegistry map[string]PipeFunc

// DefaultPipeRegistry wires every named pipe function pipes.go defines.
func DefaultPipeRegistry() PipeRegistry {
	return PipeRegistry{
		"base64_encode":     Base64Encode,
		"base64_decode":     Base64Decode,
		"html_escape":       HTMLEscape,
		"html_unescape":     HTMLUnescape,
		"json_escape":       JSONEscape,
		"json_unescape":     JSONUnescape,
		"path_filename":     PathFileName,
		"path_dir":          PathDir,
		"url_parse":         URLParse,
		"ip4_int":           IP4Int,
		"arr_get":           ArrGet,
		"obj_get":           ObjGet,
		"epoch_seconds":     EpochSeconds,
		"epoch_millis":      EpochMillis,
		"epoch_micros":      EpochMicros,
		"to_timestamp_zone": ToTimestampZone,
		"skip_if_empty":     SkipIfEmpty,
		"sxf_get":           SxfGet,
	}
}

func dataTypeFromString(s string) types.DataType {
	switch strings.ToLower(s) {
	case "json":
		return types.TypeJson
	case "chars", "":
		return types.TypeChars
	case "digit":
		return types.TypeDigit
	case "float":
		return types.TypeFloat
	case "bool":
		return types.TypeBool
	case "ip":
		return types.TypeIP
	case "time":
		return types.TypeTime
	case "array":
		return types.TypeArray
	case "obj":
		return types.TypeObj
	default:
		return types.TypeAuto
	}
}

func compileAccessor(f AccessorFile, pipes PipeRegistry) (Accessor, error) {
	switch {
	case f.Take != nil:
		return Take{Name: f.Take.Name, Defaults: f.Take.Defaults}, nil
	case f.Read != nil:
		return Read{Name: f.Read.Name, Defaults: f.Read.Defaults}, nil
	case f.Arr != nil:
		return ArrOperation{CollectWild: f.Arr.CollectWild}, nil
	case f.Map != nil:
		var bindings []SingleExp
		for _, b := range f.Map.SubBindings {
			se, err := compileSingle(b, pipes)
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, se)
		}
		return MapOperation{SubBindings: bindings}, nil
	case f.Match != nil:
		return compileMatch(*f.Match, pipes)
	case f.Fmt != nil:
		var bindings []SingleExp
		for _, b := range f.Fmt.SubBindings {
			se, err := compileSingle(b, pipes)
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, se)
		}
		return FmtOperation{Template: f.Fmt.Template, SubBindings: bindings}, nil
	case f.Pipe != nil:
		src, err := compileAccessor(f.Pipe.Source, pipes)
		if err != nil {
			return nil, err
		}
		var steps []Pipe
		for _, p := range f.Pipe.Pipes {
			fn, ok := pipes[p.Fn]
			if !ok {
				return nil, fmt.Errorf("unknown pipe function %q", p.Fn)
			}
			steps = append(steps, Pipe{Name: p.Fn, Args: p.Args, Fn: fn})
		}
		return PiPeOperation{Source: src, Pipes: steps}, nil
	case f.Sql != nil:
		params := make(map[string]Accessor, len(f.Sql.NamedParams))
		for name, af := range f.Sql.NamedParams {
			acc, err := compileAccessor(af, pipes)
			if err != nil {
				return nil, err
			}
			params[name] = acc
		}
		return SqlQuery{SQLText: f.Sql.SQLText, NamedParams: params}, nil
	default:
		return nil, fmt.Errorf("accessor declares no variant")
	}
}

// compileMatch builds the predicate closures MatchOperation needs from
// the declarative op/value(s) DSL of MatchCaseFile.
func compileMatch(f MatchFile, pipes PipeRegistry) (Accessor, error) {
	src, err := compileAccessor(f.Source, pipes)
	if err != nil {
		return nil, err
	}
	var second Accessor
	if f.Second != nil {
		second, err = compileAccessor(*f.Second, pipes)
		if err != nil {
			return nil, err
		}
	}
	var cases []MatchCase
	for _, cf := range f.Cases {
		result, err := compileAccessor(cf.Result, pipes)
		if err != nil {
			return nil, err
		}
		pred, err := compilePredicate(cf)
		if err != nil {
			return nil, err
		}
		cases = append(cases, MatchCase{Predicate: pred, Result: result})
	}
	var def Accessor
	if f.Default != nil {
		def, err = compileAccessor(*f.Default, pipes)
		if err != nil {
			return nil, err
		}
	}
	return MatchOperation{Source: src, Second: second, Cases: cases, Default: def}, nil
}

func compilePredicate(cf MatchCaseFile) (func(vals ...types.Value) bool, error) {
	switch strings.ToLower(cf.Op) {
	case "eq":
		want := cf.Value
		return func(vals ...types.Value) bool {
			return len(vals) > 0 && vals[0].Raw() == want
		}, nil
	case "in":
		set := make(map[string]bool, len(cf.Values))
		for _, v := range cf.Values {
			set[v] = true
		}
		return func(vals ...types.Value) bool {
			return len(vals) > 0 && set[vals[0].Raw()]
		}, nil
	case "regex":
		re, err := regexp.Compile(cf.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", cf.Value, err)
		}
		return func(vals ...types.Value) bool {
			return len(vals) > 0 && re.MatchString(vals[0].Raw())
		}, nil
	case "exists":
		return func(vals ...types.Value) bool {
			return len(vals) > 0 && vals[0].Kind != types.KindNull
		}, nil
	case "default", "":
		return func(vals ...types.Value) bool { return true }, nil
	default:
		return nil, fmt.Errorf("unknown match op %q", cf.Op)
	}
}

func compileSingle(f SingleExpFile, pipes PipeRegistry) (SingleExp, error) {
	acc, err := compileAccessor(f.Accessor, pipes)
	if err != nil {
		return SingleExp{}, err
	}
	return SingleExp{Target: Target{Name: f.Target.Name, DataType: dataTypeFromString(f.Target.DataType)}, Accessor: acc}, nil
}

// CompileModelFile parses one TOML model file's bytes into a Model,
// resolving pipe functions from pipes.
func CompileModelFile(data []byte, pipes PipeRegistry) (*Model, error) {
	var mf ModelFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("oml: parse model file: %w", err)
	}
	model := &Model{Name: mf.Name}
	for _, ef := range mf.Exprs {
		switch {
		case ef.Single != nil:
			se, err := compileSingle(*ef.Single, pipes)
			if err != nil {
				return nil, fmt.Errorf("oml: model %s: %w", mf.Name, err)
			}
			model.Exprs = append(model.Exprs, EvalExp{Single: &se})
		case ef.Batch != nil:
			acc, err := compileAccessor(ef.Batch.Accessor, pipes)
			if err != nil {
				return nil, fmt.Errorf("oml: model %s: %w", mf.Name, err)
			}
			be := BatchExp{Pattern: ef.Batch.Pattern, Accessor: acc}
			model.Exprs = append(model.Exprs, EvalExp{Batch: &be})
		default:
			return nil, fmt.Errorf("oml: model %s: exprs entry declares neither single nor batch", mf.Name)
		}
	}
	return model, nil
}

// LoadModelDir walks dir recursively for *.oml files, compiling each into
// a Model keyed by its declared name.
func LoadModelDir(dir string, pipes PipeRegistry) (map[string]*Model, error) {
	out := make(map[string]*Model)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".oml") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("oml: read %s: %w", path, err)
		}
		model, err := CompileModelFile(data, pipes)
		if err != nil {
			return err
		}
		out[model.Name] = model
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
