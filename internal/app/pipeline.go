package app

import (
	"fmt"
	"path/filepath"
	"time"

	"wparse/pkg/actor"
	"wparse/pkg/oml"
	"wparse/pkg/pipeline"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/stat"
	"wparse/pkg/wpl"
)

// Picker tuning: batches per round, mini-rounds per burst, and the
// nominal events-per-batch used to size the throttle unit.
const (
	pickerBurstMax       = 4
	pickerRoundBatch     = 4
	pickerEventsPerBatch = 256
	parserChannelCap     = 64
)

// spawn subscribes one task to g's command bus, registers its completion
// handle, and runs it on its own goroutine.
func (a *App) spawn(g *actor.TaskGroup, run func(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{})) {
	ctrl := g.Subscribe()
	done := make(chan struct{})
	g.Append(done)
	go func() {
		defer close(done)
		run(ctrl, a.stopCh)
	}()
}

func (a *App) statRequests() []stat.StatisticalRequest {
	reqs := make([]stat.StatisticalRequest, 0, len(a.cfg.Stat.Requests))
	for _, r := range a.cfg.Stat.Requests {
		reqs = append(reqs, stat.StatisticalRequest{
			Name:    r.Name,
			Stage:   stat.ParseStage(r.Stage),
			Target:  r.Target,
			Collect: r.Collect,
			TopN:    r.TopN,
		})
	}
	return reqs
}

// startPipeline spawns every engine task. Groups are appended
// leaves-first (monitor → infra sinks → business sinks → maintenance →
// parsers) with pickers as the main group, so the manager's reverse-order
// stop drains downstream consumers before upstream producers close.
func (a *App) startPipeline() {
	reqs := a.statRequests()

	var monSink stat.MonitorSink
	if _, isNull := a.infra["monitor"].Terminal.Pick(0).(sinkcoord.NullTerminal); !isNull {
		monSink = &terminalMonitorSink{terminal: a.infra["monitor"].Terminal.Pick(0)}
	}
	a.monitor = stat.NewActorMonitor(a.statInterval(), a.opts.StatPrint, monSink, a.log)

	monGroup := actor.NewTaskGroup("monitor", actor.Immediate, a.log)
	a.spawn(monGroup, func(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
		inner := make(chan struct{})
		go func() {
			defer close(inner)
			ctrlr := actor.NewController("monitor", ctrl)
			for {
				if halt, _ := ctrlr.Poll(); halt {
					return
				}
				select {
				case <-stop:
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		}()
		a.monitor.Run(inner)
	})
	a.manager.AppendGroup(monGroup)

	infraGroup := actor.NewTaskGroup("infra-sinks", actor.Immediate, a.log)
	for _, w := range a.infraWorkers {
		a.spawn(infraGroup, w.Run)
	}
	a.manager.AppendGroup(infraGroup)

	bizGroup := actor.NewTaskGroup("business-sinks", actor.Immediate, a.log)
	for _, w := range a.businessWorkers {
		a.spawn(bizGroup, w.Run)
	}
	a.manager.AppendGroup(bizGroup)

	maintGroup := actor.NewTaskGroup("maintenance", actor.Immediate, a.log)
	recovery := pipeline.NewActCovPicker(
		a.cfg.AbsRescuePath(),
		a.alloc,
		pipeline.JSONOffsetStore{Path: filepath.Join(a.cfg.AbsRescuePath(), "recover.lock")},
		a.log,
	)
	a.spawn(maintGroup, recovery.Run)
	a.manager.AppendGroup(maintGroup)

	parserGroup := actor.NewTaskGroup("parsers", actor.Immediate, a.log)
	subs := make([]pipeline.ParserSubscriber, 0, a.cfg.Performance.ParseWorkers)
	for i := 0; i < a.cfg.Performance.ParseWorkers; i++ {
		sub := pipeline.NewChanSubscriber(parserChannelCap)
		subs = append(subs, sub)
		worker := a.buildParserWorker(i, reqs)
		a.spawn(parserGroup, func(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
			worker.Run(sub.Chan(), ctrl, stop)
		})
	}
	a.manager.AppendGroup(parserGroup)

	pickGroup := actor.NewTaskGroup("pickers", actor.Immediate, a.log)
	for _, src := range a.sources {
		a.startPicker(pickGroup, src, subs, reqs)
	}
	if a.opts.Mode == ModeDaemon {
		// A daemon with every source at EOF (or none configured) stays up
		// until a signal; the sentinel keeps the main group unfinished.
		a.spawn(pickGroup, func(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
			ctrlr := actor.NewController("daemon-hold", ctrl)
			for {
				if halt, _ := ctrlr.Poll(); halt {
					return
				}
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		})
	}
	a.manager.SetMain(pickGroup)
}

// buildParserWorker assembles one WPL worker with its own rule workshop
// clone (independent hit counters), its own OML evaluators over a cloned
// knowledge handle, and its own metric collectors.
func (a *App) buildParserWorker(index int, reqs []stat.StatisticalRequest) *pipeline.ParserWorker {
	workshop := wpl.NewWplWorkshop(a.rules)
	worker := pipeline.NewParserWorker(
		workerName("parser", index),
		func(string) *wpl.WplWorkshop { return workshop },
		a.alloc,
		a.log,
	)
	worker.MissSink = a.infra["miss"].Terminal.Pick(0)
	worker.ResidueSink = a.infra["residue"].Terminal.Pick(0)
	worker.Rescue = a.rescue
	worker.Metrics = stat.NewMetricCollectors(reqs)
	worker.MonitorChan = a.monitor.Chan()
	worker.Robustness = a.robustness()
	worker.AttachMeta = true
	worker.SkipParse = a.cfg.SkipParse
	worker.SkipSink = a.cfg.SkipSink

	db := oml.KnowledgeDB(a.provider)
	if clone, err := a.provider.Clone(); err == nil {
		db = clone
	} else {
		a.log.WithError(err).Warn("knowledge clone failed; worker shares base handle")
	}
	for ruleKey, modelName := range a.binding {
		if model, ok := a.models[modelName]; ok {
			worker.Models[ruleKey] = oml.NewEvaluator(model, db)
		}
	}
	return worker
}

func (a *App) startPicker(g *actor.TaskGroup, src pipeline.Source, subs []pipeline.ParserSubscriber, reqs []stat.StatisticalRequest) {
	srcCtrl := g.Subscribe()
	pickerCtrl := g.Subscribe()
	picker := pipeline.NewPicker(src, subs, pickerBurstMax, pickerRoundBatch, pickerEventsPerBatch, a.cfg.Performance.RateLimitRPS, a.log)
	collectors := stat.NewMetricCollectors(reqs)
	onStat := func(rs pipeline.RoundStat) {
		for i := 0; i < rs.Pulled; i++ {
			collectors.RecordTask(stat.StagePick, src.Key(), nil, true)
		}
		for _, slice := range collectors.Flush() {
			select {
			case a.monitor.Chan() <- stat.ReportVariant{Slice: slice}:
			default:
			}
		}
	}

	done := make(chan struct{})
	g.Append(done)
	go func() {
		defer close(done)
		if err := src.Start(srcCtrl); err != nil {
			a.log.WithError(err).WithField("source", src.Key()).Error("source start failed")
			return
		}
		picker.Run(pickerCtrl, onStat, a.stopCh)
	}()
}

func workerName(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}
