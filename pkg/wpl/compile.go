package wpl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// RuleFile is one `models/wpl/**/*.wpl` file's declarative shape. WPL rule
// files are TOML: a rule is a list of field units rather than a bespoke
// textual grammar, which keeps the rule compiler a single generic
// toml.Unmarshal instead of a hand-rolled recursive-descent parser.
type RuleFile struct {
	Package string         `toml:"package"`
	Rules   []RuleUnitFile `toml:"rules"`
}

// RuleUnitFile is one [[rules]] entry.
type RuleUnitFile struct {
	Name        string           `toml:"name"`
	Units       []FieldUnitFile  `toml:"units"`
	Annotations []string         `toml:"annotations"` // names resolved via AnnotationRegistry
}

// FieldUnitFile mirrors FieldEvalUnit in TOML form.
type FieldUnitFile struct {
	Meta   string           `toml:"meta"` // chars|digit|float|bool|ip|time|array|json|skip
	Name   string           `toml:"name"`
	Sep    string           `toml:"sep"`
	Stop   []string         `toml:"stop"`
	Child  *FieldUnitFile   `toml:"child"`
	Json   []JsonFieldFile  `toml:"json"`
	Pipes  []PipeFile       `toml:"pipes"`
	Repeat int              `toml:"repeat"`
	Layout string           `toml:"layout"`
}

type JsonFieldFile struct {
	Meta string `toml:"meta"`
	Key  string `toml:"key"`
}

// PipeFile names a registered WplFun plus its textual arguments.
type PipeFile struct {
	Fn   string   `toml:"fn"`
	Args []string `toml:"args"`
}

// PipeRegistry resolves a pipe name to its constructor, keeping the set of
// named pipe functions open to extension without touching the compiler.
type PipeRegistry map[string]func(args []string) WplFun

// DefaultPipeRegistry wires the built-in pipes of pipes.go.
func DefaultPipeRegistry() PipeRegistry {
	return PipeRegistry{
		"exists": func(args []string) WplFun { return Exists(args[0]) },
		"in":     func(args []string) WplFun { return In(args[0], args[1:]...) },
		"upper":  func(args []string) WplFun { return Upper(args[0]) },
		"lower":  func(args []string) WplFun { return Lower(args[0]) },
		"trim":   func(args []string) WplFun { return Trim(args[0]) },
		"to_digit": func(args []string) WplFun { return ToDigit(args[0]) },
	}
}

// AnnotationRegistry resolves a rule's named annotations. There is no
// default registry: annotations are deployment-specific side effects
// (e.g. tagging) supplied by the embedding application.
type AnnotationRegistry map[string]AnnotationType

func metaFromString(s string) (MetaType, error) {
	switch strings.ToLower(s) {
	case "chars", "":
		return MetaChars, nil
	case "digit":
		return MetaDigit, nil
	case "float":
		return MetaFloat, nil
	case "bool":
		return MetaBool, nil
	case "ip":
		return MetaIP, nil
	case "time":
		return MetaTime, nil
	case "array":
		return MetaArray, nil
	case "json":
		return MetaJson, nil
	case "skip":
		return MetaSkip, nil
	default:
		return 0, fmt.Errorf("unknown meta type %q", s)
	}
}

func compileUnit(f FieldUnitFile, pipes PipeRegistry) (*FieldEvalUnit, error) {
	meta, err := metaFromString(f.Meta)
	if err != nil {
		return nil, err
	}
	u := &FieldEvalUnit{
		Meta:   meta,
		Name:   f.Name,
		Seps:   Separators{Primary: f.Sep, Stop: f.Stop},
		Repeat: f.Repeat,
		Layout: f.Layout,
	}
	if u.Repeat == 0 {
		u.Repeat = 1
	}
	if f.Child != nil {
		child, err := compileUnit(*f.Child, pipes)
		if err != nil {
			return nil, err
		}
		u.Child = child
	}
	for _, jf := range f.Json {
		meta, err := metaFromString(jf.Meta)
		if err != nil {
			return nil, err
		}
		u.JsonFields = append(u.JsonFields, JsonSubField{Meta: meta, Key: jf.Key})
	}
	for _, pf := range f.Pipes {
		ctor, ok := pipes[pf.Fn]
		if !ok {
			return nil, fmt.Errorf("unknown pipe function %q", pf.Fn)
		}
		u.Pipes = append(u.Pipes, ctor(pf.Args))
	}
	return u, nil
}

// CompileRuleFile parses one TOML rule file's bytes into its Rule set,
// resolving pipe functions from pipes and annotations from annotations.
func CompileRuleFile(data []byte, pipes PipeRegistry, annotations AnnotationRegistry) ([]*Rule, error) {
	var rf RuleFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("wpl: parse rule file: %w", err)
	}
	var out []*Rule
	for _, ru := range rf.Rules {
		rule := &Rule{Package: rf.Package, Name: ru.Name}
		for _, uf := range ru.Units {
			unit, err := compileUnit(uf, pipes)
			if err != nil {
				return nil, fmt.Errorf("wpl: rule %s/%s: %w", rf.Package, ru.Name, err)
			}
			rule.Root = append(rule.Root, unit)
		}
		for _, name := range ru.Annotations {
			fn, ok := annotations[name]
			if !ok {
				return nil, fmt.Errorf("wpl: rule %s/%s: unknown annotation %q", rf.Package, ru.Name, name)
			}
			rule.Annotations = append(rule.Annotations, fn)
		}
		out = append(out, rule)
	}
	return out, nil
}

// LoadRuleDir walks dir recursively for *.wpl files and compiles every
// rule found, grouped by their declared package, ready to feed per-source
// NewWplWorkshop construction.
func LoadRuleDir(dir string, pipes PipeRegistry, annotations AnnotationRegistry) ([]*Rule, error) {
	var all []*Rule
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".wpl") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("wpl: read %s: %w", path, err)
		}
		rules, err := CompileRuleFile(data, pipes, annotations)
		if err != nil {
			return fmt.Errorf("wpl: %s: %w", path, err)
		}
		all = append(all, rules...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}
