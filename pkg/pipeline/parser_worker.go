package pipeline

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/oml"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/stat"
	"wparse/pkg/types"
	"wparse/pkg/wpl"
)

// Meta field names attached to a successfully parsed record when
// AttachMeta is set.
const (
	MetaSrcKeyField  = "wp_src_key"
	MetaSrcIPField   = "wp_src_ip"
	MetaEventIDField = "event_id"
)

// WorkshopLookup resolves the candidate WPL rule set for one source key.
type WorkshopLookup func(srcKey string) *wpl.WplWorkshop

// ParserWorker selects a WPL rule per event, optionally runs its OML
// transform, groups results by rule key, and delivers each group to the
// resolved sink terminal.
type ParserWorker struct {
	Name        string
	Workshops   WorkshopLookup
	Models      map[string]*oml.Evaluator // rule_key -> optional OML model
	Alloc       *sinkcoord.ParserResAlloc
	MissSink    sinkcoord.SinkTerminal
	ResidueSink sinkcoord.SinkTerminal
	Rescue      sinkcoord.RescueWriter
	Metrics     *stat.MetricCollectors
	MonitorChan chan<- stat.ReportVariant
	Robustness  types.Robustness

	AttachMeta bool
	SkipParse  bool
	SkipSink   bool

	hitCounters map[string]*uint64
	log         *logrus.Entry
}

func NewParserWorker(name string, workshops WorkshopLookup, alloc *sinkcoord.ParserResAlloc, log *logrus.Entry) *ParserWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ParserWorker{
		Name:        name,
		Workshops:   workshops,
		Models:      make(map[string]*oml.Evaluator),
		Alloc:       alloc,
		hitCounters: make(map[string]*uint64),
		log:         log.WithField("parser", name),
	}
}

// Run consumes batches until ctrl/stop closes, flushing stats every
// StatIntervalMS.
func (w *ParserWorker) Run(batches <-chan types.SourceBatch, ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
	ctrlr := actor.NewController(w.Name, ctrl)
	ticker := time.NewTicker(StatIntervalMS * time.Millisecond)
	defer ticker.Stop()

	for {
		if halt, _ := ctrlr.Poll(); halt {
			return
		}
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			w.processBatch(batch)
		case <-ticker.C:
			w.flushStats()
		case <-stop:
			return
		}
	}
}

func (w *ParserWorker) flushStats() {
	if w.Metrics == nil || w.MonitorChan == nil {
		return
	}
	for _, slice := range w.Metrics.Flush() {
		select {
		case w.MonitorChan <- stat.ReportVariant{Slice: slice}:
		default:
		}
	}
}

// groupedPackage is one rule_key's units awaiting delivery within a batch.
type groupedPackage struct {
	ruleKey string
	units   []sinkcoord.SinkUnit
}

// processBatch parses one batch, groups the results by rule key, routes
// misses and residue to their infra sinks, then delivers each group.
func (w *ParserWorker) processBatch(batch types.SourceBatch) {
	if w.SkipParse {
		return
	}

	var missed []sinkcoord.SinkUnit
	var residue []sinkcoord.SinkUnit
	groups := make(map[string]*groupedPackage)
	var order []string

	for i := range batch {
		ev := &batch[i]
		payload := ev.Payload.Bytes()

		if ev.Preproc != nil {
			if err := ev.Preproc(ev); err != nil {
				missed = append(missed, w.missUnit(ev, payload, types.New(types.KindLineProc, "parser", "preproc", err.Error())))
				continue
			}
		}

		workshop := w.Workshops(ev.SrcKey)
		if workshop == nil {
			missed = append(missed, w.missUnit(ev, payload, types.New(types.KindConfError, "parser", "lookup", "no rules configured for source")))
			continue
		}

		result := workshop.ParseEvent(ev, payload)
		if result.Record == nil {
			missed = append(missed, w.missUnit(ev, payload, result.BestErr))
			w.recordStat(stat.StageParse, ev.SrcKey, nil, false)
			continue
		}

		rec := result.Record
		if w.AttachMeta {
			attachMeta(rec, ev)
		}
		if model, ok := w.Models[result.RuleKey]; ok {
			rec = model.Transform(rec)
		}

		g, ok := groups[result.RuleKey]
		if !ok {
			g = &groupedPackage{ruleKey: result.RuleKey}
			groups[result.RuleKey] = g
			order = append(order, result.RuleKey)
		}
		g.units = append(g.units, sinkcoord.SinkUnit{
			Record: rec,
			Meta:   sinkcoord.ProcMeta{RuleKey: result.RuleKey, SrcKey: ev.SrcKey, SrcIP: ipString(ev.UpsIP), EventID: ev.EventID},
		})
		if len(result.Residue) > 0 {
			residue = append(residue, sinkcoord.SinkUnit{Raw: result.Residue, Meta: sinkcoord.ProcMeta{RuleKey: result.RuleKey, SrcKey: ev.SrcKey}})
		}
		w.recordStat(stat.StageParse, ev.SrcKey, rec, true)
	}

	if len(missed) > 0 && w.MissSink != nil {
		w.deliver(w.MissSink, "miss", missed)
	}
	if len(residue) > 0 && w.ResidueSink != nil {
		w.deliver(w.ResidueSink, "residue", residue)
	}

	if w.SkipSink {
		return
	}
	for _, key := range order {
		g := groups[key]
		agent := w.Alloc.Resolve(key)
		if agent == nil || agent.Terminal == nil {
			continue
		}
		hit := w.bumpHit(key)
		terminal := agent.Terminal.Pick(hit)
		w.deliver(terminal, agent.SinkID, g.units)
	}
}

func (w *ParserWorker) bumpHit(ruleKey string) uint64 {
	ctr, ok := w.hitCounters[ruleKey]
	if !ok {
		var zero uint64
		ctr = &zero
		w.hitCounters[ruleKey] = ctr
	}
	return atomic.AddUint64(ctr, 1)
}

func (w *ParserWorker) missUnit(ev *types.SourceEvent, payload []byte, err *types.WparseError) sinkcoord.SinkUnit {
	meta := sinkcoord.ProcMeta{SrcKey: ev.SrcKey, SrcIP: ipString(ev.UpsIP), EventID: ev.EventID}
	if err != nil {
		meta.RuleKey = err.Kind.String()
	}
	return sinkcoord.SinkUnit{Raw: payload, Meta: meta}
}

func attachMeta(rec *types.DataRecord, ev *types.SourceEvent) {
	rec.Append(types.NewField(MetaSrcKeyField, types.Chars(ev.SrcKey)))
	if ev.UpsIP != nil {
		rec.Append(types.NewField(MetaSrcIPField, types.IPAddr(ev.UpsIP)))
	}
	rec.Append(types.DataField{Meta: types.TypeDigit, Name: MetaEventIDField, Value: types.Digit(int64(ev.EventID))})
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func (w *ParserWorker) recordStat(stage stat.Stage, target string, rec *types.DataRecord, success bool) {
	if w.Metrics == nil {
		return
	}
	if rec == nil {
		rec = &types.DataRecord{}
	}
	w.Metrics.RecordTask(stage, target, rec, success)
}

// deliver try-sends each unit, waits one idle tick and retries once on
// backpressure, and on persistent failure or a closed terminal rescues
// the unit instead of dropping it.
func (w *ParserWorker) deliver(terminal sinkcoord.SinkTerminal, sinkName string, units []sinkcoord.SinkUnit) {
	if bh, ok := terminal.(*sinkcoord.BlackHoleTerminal); ok {
		if err := bh.SendBatch(units); err != nil {
			w.rescueAll(sinkName, units, err)
		}
		return
	}

	for _, u := range units {
		status := terminal.TrySend(u)
		if status == sinkcoord.Fulfilled {
			time.Sleep(ActorIdleTickMS * time.Millisecond)
			status = terminal.TrySend(u)
		}
		switch status {
		case sinkcoord.Sended:
			continue
		case sinkcoord.Fulfilled:
			w.rescueOne(sinkName, u, types.New(types.KindSinkStgCtrl, "sinkcoord", "deliver", "sink still full after backoff"))
		case sinkcoord.SendErr:
			disposition := types.Classify(w.Robustness, "sink_send")
			if disposition == types.DispositionThrow {
				w.log.WithField("sink", sinkName).Error("sink send error under Strict mode: surfacing")
			}
			w.rescueOne(sinkName, u, types.New(types.KindSinkSink, "sinkcoord", "deliver", "send failed"))
		}
	}
}

func (w *ParserWorker) rescueAll(sinkName string, units []sinkcoord.SinkUnit, cause error) {
	for _, u := range units {
		w.rescueOne(sinkName, u, cause)
	}
}

func (w *ParserWorker) rescueOne(sinkName string, u sinkcoord.SinkUnit, cause error) {
	if w.Rescue == nil {
		w.log.WithField("sink", sinkName).WithError(cause).Error("unit dropped: no rescue writer configured")
		return
	}
	if err := w.Rescue.Write(sinkName, u); err != nil {
		w.log.WithField("sink", sinkName).WithError(err).Error("rescue write failed")
	}
}
