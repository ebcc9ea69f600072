package stat

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// prometheus exports for the monitor's total accumulator.
var (
	promTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wparse_stage_total",
		Help: "Total tasks observed per stage/collector/dimension.",
	}, []string{"stage", "collector", "dim"})

	promSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wparse_stage_success_total",
		Help: "Successful tasks observed per stage/collector/dimension.",
	}, []string{"stage", "collector", "dim"})

	promSpeed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wparse_stage_speed_eps",
		Help: "Most recent speed (events/sec) per stage/collector/dimension.",
	}, []string{"stage", "collector", "dim"})

	promRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wparse_process_rss_bytes",
		Help: "Resident set size of the engine process.",
	})
)

func stageName(s Stage) string {
	switch s {
	case StagePick:
		return "pick"
	case StageParse:
		return "parse"
	case StageSink:
		return "sink"
	default:
		return "monitor"
	}
}

// ReportVariant is the monitor channel's payload sum type: currently only
// Stat carries data; kept as a struct rather than an interface
// since there is exactly one variant in scope.
type ReportVariant struct {
	Slice StatSlice
}

// MonitorSink is the optional destination ActorMonitor serializes its
// totals to as DataRecords.
type MonitorSink interface {
	SendBatch(records []MonitorRecord) error
}

// MonitorRecord is one rendered total-table row.
type MonitorRecord struct {
	Stage     string
	Collector string
	Dim       string
	Total     int64
	Success   int64
	Speed     float64
	Rate      float64
}

// ActorMonitor is the single MPSC-consumer actor: it merges
// incoming StatSlices into an in-memory window, and on each stat_sec tick
// swaps that window into a running total, optionally printing a table and
// exporting to a configured sink and to Prometheus.
type ActorMonitor struct {
	StatSec   time.Duration
	StatPrint bool
	Sink      MonitorSink

	ch chan ReportVariant

	mu     sync.Mutex
	window map[string]*MeasureUnit // key: stage|collector|dim
	total  map[string]*MeasureUnit
	meta   map[string]struct{ stage, collector, dim string }

	procPID int
	log     *logrus.Entry
}

func NewActorMonitor(statSec time.Duration, statPrint bool, sink MonitorSink, log *logrus.Entry) *ActorMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ActorMonitor{
		StatSec:   statSec,
		StatPrint: statPrint,
		Sink:      sink,
		ch:        make(chan ReportVariant, 256),
		window:    make(map[string]*MeasureUnit),
		total:     make(map[string]*MeasureUnit),
		meta:      make(map[string]struct{ stage, collector, dim string }),
		procPID:   os.Getpid(),
		log:       log.WithField("actor", "monitor"),
	}
}

// Chan is the MPSC inbound channel every StatCollector owner publishes
// slices to.
func (m *ActorMonitor) Chan() chan<- ReportVariant { return m.ch }

func (m *ActorMonitor) mergeSlice(slice StatSlice) {
	stage := stageName(slice.Stage)
	m.mu.Lock()
	defer m.mu.Unlock()
	for dim, u := range slice.Units {
		key := stage + "|" + slice.Name + "|" + dim
		w, ok := m.window[key]
		if !ok {
			w = newMeasureUnit()
			m.window[key] = w
			m.meta[key] = struct{ stage, collector, dim string }{stage, slice.Name, dim}
		}
		w.merge(u)

		promTotal.WithLabelValues(stage, slice.Name, dim).Add(float64(u.Total))
		promSuccess.WithLabelValues(stage, slice.Name, dim).Add(float64(u.Success))
		promSpeed.WithLabelValues(stage, slice.Name, dim).Set(u.Speed())
	}
}

// Run drains the channel, merging every incoming slice, and every StatSec
// swaps the accumulated window into the total, optionally printing and
// exporting it. On stop it drains
// whatever remains and prints one final total.
func (m *ActorMonitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.StatSec)
	defer ticker.Stop()

	for {
		select {
		case rv, ok := <-m.ch:
			if !ok {
				m.flush()
				return
			}
			m.mergeSlice(rv.Slice)
		case <-ticker.C:
			m.sampleProcess()
			m.flush()
		case <-stop:
			m.drainRemaining()
			m.flush()
			return
		}
	}
}

func (m *ActorMonitor) drainRemaining() {
	for {
		select {
		case rv, ok := <-m.ch:
			if !ok {
				return
			}
			m.mergeSlice(rv.Slice)
		default:
			return
		}
	}
}

func (m *ActorMonitor) sampleProcess() {
	proc, err := process.NewProcess(int32(m.procPID))
	if err != nil {
		return
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		promRSS.Set(float64(info.RSS))
	}
}

// flush swaps the window into the total accumulator, then prints/exports.
func (m *ActorMonitor) flush() {
	m.mu.Lock()
	for key, w := range m.window {
		t, ok := m.total[key]
		if !ok {
			t = newMeasureUnit()
			m.total[key] = t
		}
		t.merge(w)
	}
	m.window = make(map[string]*MeasureUnit)
	snapshot := make(map[string]*MeasureUnit, len(m.total))
	meta := make(map[string]struct{ stage, collector, dim string }, len(m.meta))
	for k, v := range m.total {
		cp := *v
		snapshot[k] = &cp
	}
	for k, v := range m.meta {
		meta[k] = v
	}
	m.mu.Unlock()

	if m.StatPrint {
		m.render(snapshot, meta)
	}
	if m.Sink != nil {
		records := toRecords(snapshot, meta)
		if err := m.Sink.SendBatch(records); err != nil {
			m.log.WithError(err).Warn("monitor sink send failed")
		}
	}
}

func toRecords(units map[string]*MeasureUnit, meta map[string]struct{ stage, collector, dim string }) []MonitorRecord {
	out := make([]MonitorRecord, 0, len(units))
	for k, u := range units {
		md := meta[k]
		out = append(out, MonitorRecord{
			Stage: md.stage, Collector: md.collector, Dim: md.dim,
			Total: u.Total, Success: u.Success, Speed: u.Speed(), Rate: u.Rate(),
		})
	}
	return out
}

func (m *ActorMonitor) render(units map[string]*MeasureUnit, meta map[string]struct{ stage, collector, dim string }) {
	var b strings.Builder
	b.WriteString("stage      collector            dim                  total    success  speed/s  rate%\n")
	for _, key := range sortedKeys(units) {
		u := units[key]
		md := meta[key]
		fmt.Fprintf(&b, "%-10s %-20s %-20s %8d %8d %8.1f %6.1f\n",
			md.stage, md.collector, md.dim, u.Total, u.Success, u.Speed(), u.Rate())
	}
	m.log.Info("\n" + b.String())
}
