// Package actor implements the pipeline scheduler's concurrency
// primitives: rate limiting, task groups with a broadcast
// command bus, and the cooperative Isolate→Stop→await shutdown protocol.
package actor

import "fmt"

// ShutdownCmd is a task group's stop policy.
type ShutdownCmd struct {
	Kind      ShutdownKind
	TimeoutMS int64 // meaningful for Timeout
	Count     int64 // meaningful for CountLimit
}

type ShutdownKind int

const (
	ShutdownImmediate ShutdownKind = iota
	ShutdownTimeout
	ShutdownCountLimit
	ShutdownNoOp
)

func (s ShutdownCmd) String() string {
	switch s.Kind {
	case ShutdownImmediate:
		return "Immediate"
	case ShutdownTimeout:
		return fmt.Sprintf("Timeout(%dms)", s.TimeoutMS)
	case ShutdownCountLimit:
		return fmt.Sprintf("CountLimit(%d)", s.Count)
	case ShutdownNoOp:
		return "NoOp"
	default:
		return "Unknown"
	}
}

var (
	Immediate = ShutdownCmd{Kind: ShutdownImmediate}
	NoOpStop  = ShutdownCmd{Kind: ShutdownNoOp}
)

func Timeout(ms int64) ShutdownCmd    { return ShutdownCmd{Kind: ShutdownTimeout, TimeoutMS: ms} }
func CountLimit(n int64) ShutdownCmd  { return ShutdownCmd{Kind: ShutdownCountLimit, Count: n} }

// TaskScope selects which tasks within a group an ActorCtrlCmd applies to.
type TaskScope struct {
	All  bool
	Name string // meaningful when All == false ("One(name)")
}

var ScopeAll = TaskScope{All: true}

func ScopeOne(name string) TaskScope { return TaskScope{Name: name} }

// ActorCtrlCmdKind discriminates the ActorCtrlCmd sum type.
type ActorCtrlCmdKind int

const (
	CmdStop ActorCtrlCmdKind = iota
	CmdExecute
	CmdSuspend
	CmdIsolate
	CmdNoOp
)

// ActorCtrlCmd is the command bus payload every task in a group observes.
type ActorCtrlCmd struct {
	Kind    ActorCtrlCmdKind
	Stop    ShutdownCmd // meaningful when Kind == CmdStop
	Scope   TaskScope   // meaningful for Execute/Suspend
}

func StopCmd(s ShutdownCmd) ActorCtrlCmd     { return ActorCtrlCmd{Kind: CmdStop, Stop: s} }
func ExecuteCmd(s TaskScope) ActorCtrlCmd    { return ActorCtrlCmd{Kind: CmdExecute, Scope: s} }
func SuspendCmd(s TaskScope) ActorCtrlCmd    { return ActorCtrlCmd{Kind: CmdSuspend, Scope: s} }

var IsolateCmd = ActorCtrlCmd{Kind: CmdIsolate}
var NoOpCmd = ActorCtrlCmd{Kind: CmdNoOp}

func (c ActorCtrlCmd) String() string {
	switch c.Kind {
	case CmdStop:
		return "Stop(" + c.Stop.String() + ")"
	case CmdExecute:
		return "Execute"
	case CmdSuspend:
		return "Suspend"
	case CmdIsolate:
		return "Isolate"
	default:
		return "NoOp"
	}
}
