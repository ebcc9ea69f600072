package actor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// broadcaster fans one published command out to every current subscriber.
// Go has no native broadcast channel; each Subscribe call gets its own
// buffered channel, and Broadcast drops a command for a subscriber whose
// buffer is full rather than blocking the publisher — a full command
// buffer means that task is already behind on control-plane traffic, and
// a late Stop/Isolate is still delivered by the next broadcast.
type broadcaster struct {
	mu   sync.Mutex
	subs []chan ActorCtrlCmd
}

func (b *broadcaster) subscribe() <-chan ActorCtrlCmd {
	ch := make(chan ActorCtrlCmd, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) broadcast(cmd ActorCtrlCmd) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- cmd:
		default:
		}
	}
}

// TaskGroup is a named set of concurrent tasks sharing a broadcast command
// channel, plus a default shutdown policy.
type TaskGroup struct {
	Name    string
	Default ShutdownCmd

	bus     broadcaster
	mu      sync.Mutex
	handles []<-chan struct{}
	log     *logrus.Entry
}

func NewTaskGroup(name string, def ShutdownCmd, log *logrus.Entry) *TaskGroup {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TaskGroup{Name: name, Default: def, log: log.WithField("group", name)}
}

// Subscribe registers a new task under this group's command bus. The
// task's run loop should select on the returned channel to observe
// Stop/Isolate/Execute/Suspend commands.
func (g *TaskGroup) Subscribe() <-chan ActorCtrlCmd { return g.bus.subscribe() }

// Append records a task's completion channel (closed when the task's
// goroutine returns) so shutdown can await it.
func (g *TaskGroup) Append(done <-chan struct{}) {
	g.mu.Lock()
	g.handles = append(g.handles, done)
	g.mu.Unlock()
}

// Isolate tells every task in the group to stop accepting new work but
// finish in-flight work — the drain step that precedes Stop.
func (g *TaskGroup) Isolate() {
	g.log.Debug("broadcasting Isolate")
	g.bus.broadcast(IsolateCmd)
}

// Stop broadcasts a Stop(cmd) to every task in the group.
func (g *TaskGroup) Stop(cmd ShutdownCmd) {
	g.log.WithField("cmd", cmd.String()).Info("broadcasting Stop")
	g.bus.broadcast(StopCmd(cmd))
}

// Finished reports whether every registered task has completed.
func (g *TaskGroup) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.handles {
		select {
		case <-h:
		default:
			return false
		}
	}
	return true
}

// AwaitDone blocks until every registered task's completion channel
// closes, waiting on the handles one at a time in registration order and
// logging each one at debug level as it finishes.
func (g *TaskGroup) AwaitDone() {
	g.mu.Lock()
	handles := make([]<-chan struct{}, len(g.handles))
	copy(handles, g.handles)
	g.mu.Unlock()

	for i, h := range handles {
		<-h
		g.log.WithField("index", i).Debug("task finished")
	}
	g.log.Debug("group routines end")
}

// GraceDown runs the group's own shutdown protocol in isolation: Isolate,
// a short settle pause, Stop(cmd), then await. It winds down a single
// group on its own, outside the TaskManager's whole-engine shutdown.
func (g *TaskGroup) GraceDown(cmd ShutdownCmd) {
	if cmd.Kind == ShutdownNoOp {
		return
	}
	g.Isolate()
	time.Sleep(100 * time.Millisecond)
	g.Stop(cmd)
	g.AwaitDone()
}
