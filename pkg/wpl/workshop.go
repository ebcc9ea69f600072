package wpl

import (
	"sort"
	"sync"
	"sync/atomic"

	"wparse/pkg/types"
)

// OptimizeTimes is the re-sort cadence: every this-many events routed
// through a WplWorkshop, candidate rules are re-ordered by hit count.
const OptimizeTimes = 1000

// candidate pairs a compiled rule with its running hit counter. hits is
// read/written with atomics so counting a hit takes no lock; only the
// re-sort every OptimizeTimes events takes the write lock.
type candidate struct {
	rule *Rule
	eval *Evaluator
	hits uint64
}

// WplWorkshop holds every candidate rule for one source key and picks the
// best match per event, trying rules in current priority order and keeping
// the furthest parse depth seen across failures so a caller can report how
// close the nearest miss came.
type WplWorkshop struct {
	mu         sync.RWMutex
	candidates []*candidate
	seen       uint64
}

func NewWplWorkshop(rules []*Rule) *WplWorkshop {
	cs := make([]*candidate, 0, len(rules))
	for _, r := range rules {
		cs = append(cs, &candidate{rule: r, eval: NewEvaluator(r)})
	}
	return &WplWorkshop{candidates: cs}
}

// ParseResult is what ParseEvent returns: either a matched record plus the
// rule key that produced it, or the deepest NotMatch/DataError seen across
// every candidate tried.
type ParseResult struct {
	Record   *types.DataRecord
	Residue  []byte
	RuleKey  string
	BestErr  *types.WparseError
	BestRule string // rule key of the deepest failure, set only on miss
}

// ParseEvent tries every candidate rule in current priority order, keeping
// the best (deepest) failure depth across all of them, and bumps the
// winning rule's hit counter. Every OptimizeTimes calls it re-sorts by hit
// count before returning, so hot rules migrate to the front.
func (w *WplWorkshop) ParseEvent(ev *types.SourceEvent, payload []byte) ParseResult {
	w.mu.RLock()
	snapshot := w.candidates
	w.mu.RUnlock()

	bestDepth := -1
	var bestErr *types.WparseError
	var bestRule string

	for _, c := range snapshot {
		rec, residue, err := c.eval.Proc(ev, payload, bestDepth)
		if err == nil {
			atomic.AddUint64(&c.hits, 1)
			w.bumpSeen()
			return ParseResult{Record: rec, Residue: residue, RuleKey: c.rule.Key()}
		}
		if err.Depth >= bestDepth {
			bestDepth = err.Depth
			bestErr = err
			bestRule = c.rule.Key()
		}
	}
	w.bumpSeen()
	return ParseResult{BestErr: bestErr, BestRule: bestRule}
}

func (w *WplWorkshop) bumpSeen() {
	n := atomic.AddUint64(&w.seen, 1)
	if n%OptimizeTimes == 0 {
		w.reorder()
	}
}

// reorder re-sorts candidates by descending hit count, resetting counters
// afterward so the next window measures fresh activity rather than
// accumulating forever. The score window is exactly one resort period.
func (w *WplWorkshop) reorder() {
	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := make([]*candidate, len(w.candidates))
	copy(sorted, w.candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return atomic.LoadUint64(&sorted[i].hits) > atomic.LoadUint64(&sorted[j].hits)
	})
	for _, c := range sorted {
		atomic.StoreUint64(&c.hits, 0)
	}
	w.candidates = sorted
}

// Rules returns the candidate rules in current priority order, for
// diagnostics/tests.
func (w *WplWorkshop) Rules() []*Rule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Rule, len(w.candidates))
	for i, c := range w.candidates {
		out[i] = c.rule
	}
	return out
}
