// Package routing implements the routing model: mapping a
// parsed rule's key to the sink that should receive it, and tracking
// which OML models a given sink is configured to run.
package routing

import (
	"path"
	"sort"
	"strings"
)

// ruleEntry is one registered (wildcard matcher, SinkID) pair for a rule.
type ruleEntry struct {
	matcher string
	sinkID  string
}

// SinkRuleRegistry maps RuleKey → SinkID via wildcard matchers; when
// multiple matchers cover the same rule, the longest (most specific)
// wins. Built once at startup, read-shared without locks
// afterward — the registries are immutable at runtime.
type SinkRuleRegistry struct {
	entries []ruleEntry
}

func NewSinkRuleRegistry() *SinkRuleRegistry { return &SinkRuleRegistry{} }

// Register adds one (matcher, sinkID) pair. Matchers are shell-glob
// patterns over the "<package>/<rule>" key space, e.g. "nginx/*".
func (r *SinkRuleRegistry) Register(matcher, sinkID string) {
	r.entries = append(r.entries, ruleEntry{matcher: matcher, sinkID: sinkID})
}

// Freeze sorts entries by descending matcher specificity (length) so
// Resolve's first match is always the longest. Call once after all
// Register calls, before concurrent reads begin.
func (r *SinkRuleRegistry) Freeze() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		return len(r.entries[i].matcher) > len(r.entries[j].matcher)
	})
}

// Resolve returns the SinkID registered for ruleKey, or ("", false) if no
// registered matcher covers it; the allocator falls back to the default
// infra sink in that case.
func (r *SinkRuleRegistry) Resolve(ruleKey string) (string, bool) {
	for _, e := range r.entries {
		if matchWild(e.matcher, ruleKey) {
			return e.sinkID, true
		}
	}
	return "", false
}

func matchWild(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if ok, err := path.Match(pattern, key); err == nil && ok {
		return true
	}
	// a trailing "*" is also a prefix matcher that crosses "/", beyond
	// path.Match's single-segment semantics, since rule keys are
	// "<package>/<rule>": "app/*" covers "app/sub/rule" and a bare "*"
	// covers every key.
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return false
}

// SinkModelIndex maps SinkID → the set of OML ModelNames that sink runs.
type SinkModelIndex struct {
	models map[string]map[string]bool
}

func NewSinkModelIndex() *SinkModelIndex {
	return &SinkModelIndex{models: make(map[string]map[string]bool)}
}

func (x *SinkModelIndex) Register(sinkID, modelName string) {
	set, ok := x.models[sinkID]
	if !ok {
		set = make(map[string]bool)
		x.models[sinkID] = set
	}
	set[modelName] = true
}

func (x *SinkModelIndex) Models(sinkID string) []string {
	set := x.models[sinkID]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (x *SinkModelIndex) Has(sinkID, modelName string) bool {
	return x.models[sinkID][modelName]
}
