package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/oml"
	"wparse/pkg/routing"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/types"
	"wparse/pkg/wpl"
)

// memBackend records every unit it receives.
type memBackend struct {
	mu    sync.Mutex
	units []sinkcoord.SinkUnit
}

func (m *memBackend) TrySend(u sinkcoord.SinkUnit) (sinkcoord.TrySendStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, u)
	return sinkcoord.Sended, nil
}

func (m *memBackend) SendBatch(units []sinkcoord.SinkUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, units...)
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) all() []sinkcoord.SinkUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sinkcoord.SinkUnit, len(m.units))
	copy(out, m.units)
	return out
}

func kvRule() *wpl.Rule {
	return &wpl.Rule{Package: "kv", Name: "pair", Root: []*wpl.FieldEvalUnit{
		{Meta: wpl.MetaChars, Name: "key", Seps: wpl.Separators{Primary: "="}, Repeat: 1},
		{Meta: wpl.MetaDigit, Name: "val", Repeat: 1},
	}}
}

func testAlloc(backend *memBackend, sinkID, rulePattern string) *sinkcoord.ParserResAlloc {
	reg := routing.NewSinkRuleRegistry()
	reg.Register(rulePattern, sinkID)
	reg.Freeze()

	route := sinkcoord.NewSinkRouteAgent()
	route.Register(&sinkcoord.SinkGroupAgent{
		SinkID:   sinkID,
		Terminal: &sinkcoord.ReplicaGroup{Replicas: []sinkcoord.SinkTerminal{&sinkcoord.BlackHoleTerminal{Backend: backend}}},
	})
	return &sinkcoord.ParserResAlloc{Registry: reg, Route: route, Default: nil}
}

func batchFromLines(lines ...string) types.SourceBatch {
	b := make(types.SourceBatch, 0, len(lines))
	for _, l := range lines {
		b = append(b, types.NewSourceEvent("src", types.StringPayload(l), nil))
	}
	return b
}

func TestProcessBatchDeliversGroupedUnits(t *testing.T) {
	backend := &memBackend{}
	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, testAlloc(backend, "biz", "kv/*"), nil)

	w.processBatch(batchFromLines("a=1", "b=2", "c=3"))

	units := backend.all()
	require.Len(t, units, 3)
	for _, u := range units {
		assert.Equal(t, "kv/pair", u.Meta.RuleKey)
		require.NotNil(t, u.Record)
	}
	val, ok := units[0].Record.Get("val")
	require.True(t, ok)
	assert.Equal(t, int64(1), val.Value.Digit)
}

func TestProcessBatchRoutesMisses(t *testing.T) {
	backend := &memBackend{}
	miss := &memBackend{}
	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, testAlloc(backend, "biz", "kv/*"), nil)
	w.MissSink = &sinkcoord.BlackHoleTerminal{Backend: miss}

	w.processBatch(batchFromLines("a=1", "no separator at all"))

	assert.Len(t, backend.all(), 1)
	missUnits := miss.all()
	require.Len(t, missUnits, 1)
	assert.Equal(t, []byte("no separator at all"), missUnits[0].Raw)
}

func TestProcessBatchAppliesMetaAndModel(t *testing.T) {
	backend := &memBackend{}
	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, testAlloc(backend, "biz", "kv/*"), nil)
	w.AttachMeta = true
	w.Models["kv/pair"] = oml.NewEvaluator(&oml.Model{Name: "m", Exprs: []oml.EvalExp{
		{Single: &oml.SingleExp{Target: oml.Target{Name: "V", DataType: types.TypeDigit}, Accessor: oml.Read{Name: "val"}}},
	}}, nil)

	w.processBatch(batchFromLines("x=7"))

	units := backend.all()
	require.Len(t, units, 1)
	rec := units[0].Record
	// the OML transform replaced the parsed record with its projection
	require.Len(t, rec.Fields, 1)
	assert.Equal(t, "V", rec.Fields[0].Name)
	assert.Equal(t, int64(7), rec.Fields[0].Value.Digit)
}

func TestSkipParseConsumesWithoutOutput(t *testing.T) {
	backend := &memBackend{}
	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, testAlloc(backend, "biz", "kv/*"), nil)
	w.SkipParse = true

	w.processBatch(batchFromLines("a=1"))
	assert.Empty(t, backend.all())
}

func TestSkipSinkParsesButDoesNotDeliver(t *testing.T) {
	backend := &memBackend{}
	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, testAlloc(backend, "biz", "kv/*"), nil)
	w.SkipSink = true

	w.processBatch(batchFromLines("a=1"))
	assert.Empty(t, backend.all())
}

func TestReplicaSelectionIsSticky(t *testing.T) {
	b0, b1 := &memBackend{}, &memBackend{}
	reg := routing.NewSinkRuleRegistry()
	reg.Register("kv/*", "biz")
	reg.Freeze()
	route := sinkcoord.NewSinkRouteAgent()
	route.Register(&sinkcoord.SinkGroupAgent{
		SinkID: "biz",
		Terminal: &sinkcoord.ReplicaGroup{Replicas: []sinkcoord.SinkTerminal{
			&sinkcoord.BlackHoleTerminal{Backend: b0},
			&sinkcoord.BlackHoleTerminal{Backend: b1},
		}},
	})
	alloc := &sinkcoord.ParserResAlloc{Registry: reg, Route: route}

	workshop := wpl.NewWplWorkshop([]*wpl.Rule{kvRule()})
	w := NewParserWorker("p0", func(string) *wpl.WplWorkshop { return workshop }, alloc, nil)

	// four batches: hit counter 1,2,3,4 -> replica 1,0,1,0
	for i := 0; i < 4; i++ {
		w.processBatch(batchFromLines("a=1"))
	}
	assert.Len(t, b0.all(), 2)
	assert.Len(t, b1.all(), 2)
}
