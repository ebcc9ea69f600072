package actor

// Controller is the task-side handle a worker loop polls each iteration
// to observe control-bus traffic, matching scoped commands (Execute/
// Suspend One(name)) against its own task name and ignoring the rest.
type Controller struct {
	Name    string
	cmds    <-chan ActorCtrlCmd
	stopped bool
	paused  bool
}

func NewController(name string, cmds <-chan ActorCtrlCmd) *Controller {
	return &Controller{Name: name, cmds: cmds}
}

func (c *Controller) matches(scope TaskScope) bool {
	return scope.All || scope.Name == c.Name
}

// Poll drains any pending commands without blocking, applying Isolate/
// Stop/Suspend/Execute to this controller's local state. It returns true,
// with the received ShutdownCmd, on any Stop command, and true with
// Immediate when the command channel is closed. Isolate only marks the
// controller isolated; when to stop after in-flight work is left to the
// caller.
func (c *Controller) Poll() (stop bool, shutdown ShutdownCmd) {
	for {
		select {
		case cmd, ok := <-c.cmds:
			if !ok {
				return true, Immediate
			}
			switch cmd.Kind {
			case CmdStop:
				c.stopped = true
				return true, cmd.Stop
			case CmdIsolate:
				c.stopped = true // isolate: no new work, but let caller finish in flight
			case CmdSuspend:
				if c.matches(cmd.Scope) {
					c.paused = true
				}
			case CmdExecute:
				if c.matches(cmd.Scope) {
					c.paused = false
				}
			}
		default:
			return false, ShutdownCmd{}
		}
	}
}

// Isolated reports whether this controller has seen Isolate or Stop and
// should no longer accept new work.
func (c *Controller) Isolated() bool { return c.stopped }

// Paused reports whether this controller has been scoped-suspended.
func (c *Controller) Paused() bool { return c.paused }
