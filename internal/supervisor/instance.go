package supervisor

import (
	"sync/atomic"

	"github.com/pylonhq/pylon/internal/ipc"
)

// State is an instance's lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDying
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDying:
		return "dying"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Instance is one running child process of a module.
type Instance struct {
	Module string
	ID     string // "<module>-<index>"
	Index  int

	conn  *ipc.Conn
	proc  Process
	state atomic.Int32
}

// State returns the instance's current lifecycle phase.
func (in *Instance) State() State {
	return State(in.state.Load())
}

// Alive reports whether the instance can still take traffic.
func (in *Instance) Alive() bool {
	s := in.State()
	return s == StateStarting || s == StateReady
}

// markReady moves Starting → Ready. An instance is Ready once it has
// sent its first register message.
func (in *Instance) markReady() {
	in.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
}

// Send writes one message to the instance. It may block on
// back-pressure; callers send from per-request work units.
func (in *Instance) Send(msg *ipc.Message) error {
	return in.conn.Send(msg)
}

// Process is the supervised child process handle. Implemented by the
// exec launcher; tests substitute their own.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Kill forcibly terminates the process (and its process group,
	// where the platform allows).
	Kill() error
	// PID returns the OS process id, 0 if not applicable.
	PID() int
}
