// Package supervisor spawns, monitors, and reaps module instances.
package supervisor

import (
	"fmt"
	"sync"

	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
)

// Launcher starts one instance process. The returned Conn is the
// framed IPC channel to the child.
type Launcher interface {
	Launch(m *domain.Manifest, instanceID string) (*ipc.Conn, Process, error)
}

// MessageFunc receives every message an instance sends.
type MessageFunc func(inst *Instance, msg *ipc.Message)

// GoneFunc runs once per dead instance, after it has been removed.
// last is true when it was the module's final live instance.
type GoneFunc func(inst *Instance, last bool)

// Supervisor owns the live instance table. Instances are spawned per
// module in load order and reaped through a single idempotent cleanup
// path regardless of how they die. Dead instances are not restarted;
// restart is an operator action.
type Supervisor struct {
	launcher  Launcher
	onMessage MessageFunc
	onGone    GoneFunc

	mu        sync.RWMutex
	instances map[string][]*Instance
}

func New(launcher Launcher, onMessage MessageFunc, onGone GoneFunc) *Supervisor {
	return &Supervisor{
		launcher:  launcher,
		onMessage: onMessage,
		onGone:    onGone,
		instances: make(map[string][]*Instance),
	}
}

// InstanceCount computes how many instances a module gets: at least
// one, and exactly one when the manifest forbids multi-instance
// spawning regardless of configuration.
func InstanceCount(m *domain.Manifest, configured int) int {
	count := configured
	if count < 1 {
		count = 1
	}
	if !m.AllowsMultiInstance() && count > 1 {
		logging.Op().Warn("module does not allow multiple instances, capping at 1",
			"module", m.Name, "configured", configured)
		count = 1
	}
	return count
}

// StartModule spawns the module's instances and sends each its init
// message. A spawn failure tears down what was already started and
// fails the whole module.
func (s *Supervisor) StartModule(m *domain.Manifest, configured int) error {
	count := InstanceCount(m, configured)

	started := make([]*Instance, 0, count)
	for i := 0; i < count; i++ {
		inst, err := s.spawn(m, i, count)
		if err != nil {
			for _, prev := range started {
				s.cleanup(prev, "spawn failed for sibling")
			}
			return fmt.Errorf("spawn %s-%d: %w", m.Name, i, err)
		}
		started = append(started, inst)
	}
	logging.Op().Info("module started", "module", m.Name, "instances", count)
	return nil
}

func (s *Supervisor) spawn(m *domain.Manifest, index, count int) (*Instance, error) {
	instanceID := fmt.Sprintf("%s-%d", m.Name, index)
	conn, proc, err := s.launcher.Launch(m, instanceID)
	if err != nil {
		return nil, err
	}

	inst := &Instance{Module: m.Name, ID: instanceID, Index: index, conn: conn, proc: proc}
	inst.state.Store(int32(StateStarting))

	initMsg, err := ipc.Envelope(ipc.TypeInit, ipc.InitPayload{
		InstanceID:    instanceID,
		Module:        m.Name,
		InstanceCount: count,
	})
	if err != nil {
		conn.Close()
		proc.Kill()
		return nil, err
	}
	if err := conn.Send(initMsg); err != nil {
		conn.Close()
		proc.Kill()
		return nil, fmt.Errorf("send init: %w", err)
	}

	s.mu.Lock()
	s.instances[m.Name] = append(s.instances[m.Name], inst)
	s.mu.Unlock()

	go s.readLoop(inst)
	go s.waitLoop(inst)
	return inst, nil
}

// readLoop pumps messages off the instance channel. Any receive error,
// EOF included, funnels into cleanup.
func (s *Supervisor) readLoop(inst *Instance) {
	for {
		msg, err := inst.conn.Receive()
		if err != nil {
			s.cleanup(inst, fmt.Sprintf("channel closed: %v", err))
			return
		}
		if msg.Type == ipc.TypeRegister {
			inst.markReady()
		}
		s.onMessage(inst, msg)
	}
}

// waitLoop reaps the child process. Normal exit, crash, and kill all
// end up here.
func (s *Supervisor) waitLoop(inst *Instance) {
	err := inst.proc.Wait()
	reason := "exited"
	if err != nil {
		reason = fmt.Sprintf("exited: %v", err)
	}
	s.cleanup(inst, reason)
}

// cleanup is the single reap path for the four exit signals (exit,
// close, transport error, disconnect). It is idempotent: only the
// first caller for an instance does the work.
func (s *Supervisor) cleanup(inst *Instance, reason string) {
	if !inst.state.CompareAndSwap(int32(StateStarting), int32(StateDying)) &&
		!inst.state.CompareAndSwap(int32(StateReady), int32(StateDying)) {
		return
	}

	inst.conn.Close()
	inst.proc.Kill()

	s.mu.Lock()
	list := s.instances[inst.Module]
	for i, other := range list {
		if other == inst {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(s.instances, inst.Module)
	} else {
		s.instances[inst.Module] = list
	}
	s.mu.Unlock()

	inst.state.Store(int32(StateDead))
	logging.Op().Warn("instance gone", "module", inst.Module, "instance", inst.ID, "reason", reason)
	s.onGone(inst, last)
}

// Instances returns a snapshot of the module's live instances, in
// spawn order.
func (s *Supervisor) Instances(module string) []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.instances[module]
	out := make([]*Instance, 0, len(list))
	for _, inst := range list {
		if inst.Alive() {
			out = append(out, inst)
		}
	}
	return out
}

// Broadcast sends a message to every live instance of every module,
// fire-and-forget. Used for client presence events.
func (s *Supervisor) Broadcast(msg *ipc.Message) {
	s.mu.RLock()
	all := make([]*Instance, 0, len(s.instances))
	for _, list := range s.instances {
		all = append(all, list...)
	}
	s.mu.RUnlock()

	for _, inst := range all {
		inst := inst
		go func() {
			if err := inst.Send(msg); err != nil && err != ipc.ErrClosed {
				logging.Op().Debug("presence send failed", "instance", inst.ID, "error", err)
			}
		}()
	}
}

// Modules returns the names of modules with at least one live instance.
func (s *Supervisor) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	return names
}

// StopAll kills every instance, for shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	all := make([]*Instance, 0)
	for _, list := range s.instances {
		all = append(all, list...)
	}
	s.mu.RUnlock()

	for _, inst := range all {
		s.cleanup(inst, "shutdown")
	}
}
