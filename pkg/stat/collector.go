// Package stat implements the streaming metrics subsystem:
// per-stage task counters with top-N cardinality grouping, periodic slice
// flushes to a monitor actor, and merge-into-total accumulation.
package stat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"wparse/pkg/types"
)

// Stage is the pipeline stage a StatisticalRequest observes.
type Stage int

const (
	StagePick Stage = iota
	StageParse
	StageSink
	StageMonitor
)

func ParseStage(s string) Stage {
	switch strings.ToLower(s) {
	case "pick":
		return StagePick
	case "parse":
		return StageParse
	case "sink":
		return StageSink
	case "monitor":
		return StageMonitor
	default:
		return StagePick
	}
}

// StatisticalRequest is one `[[stat.requests]]` entry: a stage, a target
// matcher ("all"/"ignore"/substring), and up to 6 dimension field names
// with a top-N cardinality cap.
type StatisticalRequest struct {
	Name    string
	Stage   Stage
	Target  string
	Collect []string
	TopN    int
}

// Matches reports whether this request observes the named task.
func (r StatisticalRequest) Matches(target string) bool {
	switch r.Target {
	case "all":
		return true
	case "ignore":
		return false
	default:
		return strings.Contains(target, r.Target)
	}
}

// timeRange tracks a measurement's [beg,end) wall-clock span; Merge keeps
// the outer envelope of two ranges.
type timeRange struct {
	beg, end time.Time
}

func (t *timeRange) merge(o timeRange) {
	if t.beg.IsZero() || o.beg.Before(t.beg) {
		t.beg = o.beg
	}
	if o.end.After(t.end) {
		t.end = o.end
	}
}

// MeasureUnit is one dimension key's accumulated counts.
type MeasureUnit struct {
	timer   timeRange
	Total   int64
	Success int64
}

func newMeasureUnit() *MeasureUnit {
	now := time.Now()
	return &MeasureUnit{timer: timeRange{beg: now, end: now}}
}

func (m *MeasureUnit) record(success bool) {
	m.Total++
	if success {
		m.Success++
	}
	m.timer.end = time.Now()
}

func (m *MeasureUnit) merge(o *MeasureUnit) {
	m.timer.merge(o.timer)
	m.Total += o.Total
	m.Success += o.Success
}

// Speed returns total/elapsed_ms*1000 (events/sec); 0 when the range has
// no width.
func (m *MeasureUnit) Speed() float64 {
	elapsed := m.timer.end.Sub(m.timer.beg).Milliseconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.Total) / float64(elapsed) * 1000
}

// Rate returns success/total*100, or 0 when Total is zero.
func (m *MeasureUnit) Rate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Success) / float64(m.Total) * 100
}

// dimKey joins a dimension tuple of up to 6 string components into one map
// key; an empty tuple collapses to a single aggregate bucket.
func dimKey(dims []string) string { return strings.Join(dims, "\x1f") }

// StatCollector accumulates one StatisticalRequest's (target,dim) counters
// and retains at most TopN distinct dimension keys.
type StatCollector struct {
	Req StatisticalRequest

	mu     sync.Mutex
	units  map[string]*MeasureUnit
	order  []string // insertion order, used to evict when over TopN
}

func NewStatCollector(req StatisticalRequest) *StatCollector {
	return &StatCollector{Req: req, units: make(map[string]*MeasureUnit)}
}

// RecordTask increments the counters for one event at this target,
// extracting up to 6 dimension components from rec using the request's
// Collect field names.
func (c *StatCollector) RecordTask(rec *types.DataRecord, success bool) {
	dims := make([]string, 0, len(c.Req.Collect))
	for _, name := range c.Req.Collect {
		var dim string
		if rec != nil {
			if f, ok := rec.Get(name); ok {
				dim = f.Value.Raw()
			}
		}
		dims = append(dims, dim)
	}
	key := dimKey(dims)

	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[key]
	if !ok {
		if c.Req.TopN > 0 && len(c.units) >= c.Req.TopN {
			// cardinality cap reached: fold into the oldest retained key
			// rather than growing unboundedly.
			key = c.order[0]
			u = c.units[key]
		} else {
			u = newMeasureUnit()
			c.units[key] = u
			c.order = append(c.order, key)
		}
	}
	u.record(success)
}

// Slice snapshots the counts gathered since the previous Slice for a
// periodic flush and resets them, so each slice is a delta that the
// monitor adds into its window and total.
func (c *StatCollector) Slice() StatSlice {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]*MeasureUnit, len(c.units))
	for k, v := range c.units {
		cp := *v
		snap[k] = &cp
	}
	c.units = make(map[string]*MeasureUnit)
	c.order = nil
	return StatSlice{Name: c.Req.Name, Stage: c.Req.Stage, Units: snap}
}

// StatSlice is one collector's periodic export, the payload of
// ReportVariant::Stat.
type StatSlice struct {
	Name  string
	Stage Stage
	Units map[string]*MeasureUnit
}

// MetricCollectors bundles every StatCollector whose request matches a
// given target name.
type MetricCollectors struct {
	all        []*StatCollector
	byStage    map[Stage][]*StatCollector
}

func NewMetricCollectors(reqs []StatisticalRequest) *MetricCollectors {
	m := &MetricCollectors{byStage: make(map[Stage][]*StatCollector)}
	for _, r := range reqs {
		c := NewStatCollector(r)
		m.all = append(m.all, c)
		m.byStage[r.Stage] = append(m.byStage[r.Stage], c)
	}
	return m
}

// For returns every collector in stage whose Target matches name.
func (m *MetricCollectors) For(stage Stage, name string) []*StatCollector {
	var out []*StatCollector
	for _, c := range m.byStage[stage] {
		if c.Req.Matches(name) {
			out = append(out, c)
		}
	}
	return out
}

// RecordTask fans a (target, success) event out to every matching
// collector at the given stage.
func (m *MetricCollectors) RecordTask(stage Stage, target string, rec *types.DataRecord, success bool) {
	for _, c := range m.For(stage, target) {
		c.RecordTask(rec, success)
	}
}

// Flush returns a slice per collector, ready to send to the monitor.
func (m *MetricCollectors) Flush() []StatSlice {
	out := make([]StatSlice, 0, len(m.all))
	for _, c := range m.all {
		out = append(out, c.Slice())
	}
	return out
}

// sortedKeys is a small helper the monitor's table renderer uses so
// repeated prints are stable and diffable.
func sortedKeys(units map[string]*MeasureUnit) []string {
	out := make([]string, 0, len(units))
	for k := range units {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
