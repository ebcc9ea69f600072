package actor

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskManager holds a list of groups plus one main group and runs the
// shutdown protocol:
//  1. Wait for the main group to finish, or a stop signal.
//  2. Broadcast Isolate to every non-main group.
//  3. Broadcast Stop(cmd) per group in reverse append order.
//  4. Await each group's task handles to completion.
//
// Append order invariant: groups must be appended leaves-first (monitor →
// infra sinks → business sinks → maintenance → parsers → pickers-as-main)
// so the reverse walk drains downstream consumers before upstream
// producers close.
type TaskManager struct {
	mu     sync.Mutex
	groups []*TaskGroup
	main   *TaskGroup
	stopCh chan struct{}
	once   sync.Once
	log    *logrus.Entry
}

func NewTaskManager(log *logrus.Entry) *TaskManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TaskManager{stopCh: make(chan struct{}), log: log}
}

// AppendGroup registers a non-main group. Call in dependency order,
// leaves first.
func (m *TaskManager) AppendGroup(g *TaskGroup) {
	m.mu.Lock()
	m.groups = append(m.groups, g)
	m.mu.Unlock()
}

// SetMain designates the main group — the one whose natural completion
// (all pickers stopped, e.g. EOF on every source) triggers shutdown of
// everything else.
func (m *TaskManager) SetMain(g *TaskGroup) { m.main = g }

// RequestStop signals an external stop (e.g. a process signal handler)
// without waiting for the main group to finish naturally.
func (m *TaskManager) RequestStop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Run blocks until the main group finishes naturally or RequestStop is
// called, then drains every other group in reverse append order.
func (m *TaskManager) Run() {
	if m.main != nil {
		mainDone := make(chan struct{})
		go func() {
			m.main.AwaitDone()
			close(mainDone)
		}()
		select {
		case <-mainDone:
			m.log.Info("main group finished naturally")
		case <-m.stopCh:
			m.log.Info("external stop requested")
			m.main.Stop(Immediate)
			m.main.AwaitDone()
		}
	} else {
		<-m.stopCh
	}

	m.mu.Lock()
	groups := make([]*TaskGroup, len(m.groups))
	copy(groups, m.groups)
	m.mu.Unlock()

	for _, g := range groups {
		g.Isolate()
	}
	for i := len(groups) - 1; i >= 0; i-- {
		groups[i].Stop(groups[i].Default)
	}
	for i := len(groups) - 1; i >= 0; i-- {
		groups[i].AwaitDone()
	}
	m.log.Info("task manager shutdown complete")
}
