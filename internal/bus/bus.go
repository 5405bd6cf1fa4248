// Package bus routes module-to-module calls through the core.
package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/supervisor"
)

// Selector picks a live instance of a module, honouring the shard key.
type Selector interface {
	Select(module, shardKey string) (*supervisor.Instance, bool)
}

// Bus delivers intermodule calls: caller's intermoduleMessage in,
// mpcRequest to the target, the target's result back to the caller as
// mpcResponse. Unknown targets fail synchronously; silent targets fail
// by deadline through the correlator. A target that is alive but never
// registered an MPC handler looks identical to a silent one on the
// wire (registration carries no handler list), so that case also
// resolves by deadline rather than an immediate error.
type Bus struct {
	sel     Selector
	corr    *correlator.Correlator
	timeout time.Duration
}

func New(sel Selector, corr *correlator.Correlator, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{sel: sel, corr: corr, timeout: timeout}
}

// Handle processes an intermoduleMessage from an instance: either a
// fresh call or a result for one previously delivered.
func (b *Bus) Handle(from *supervisor.Instance, msg *ipc.Message) {
	var p ipc.IntermodulePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
		logging.Module(from.Module, from.ID).Warn("malformed intermodule message")
		return
	}
	if p.IsResult {
		b.resolve(p)
		return
	}
	b.call(from, p)
}

func (b *Bus) call(from *supervisor.Instance, p ipc.IntermodulePayload) {
	target, ok := b.sel.Select(p.To, p.ShardKey)
	if !ok {
		metrics.RecordMPC(p.To, "unavailable")
		b.respondError(from, p.ID, "module not available: "+p.To)
		return
	}

	ch := b.corr.Create(p.ID, correlator.KindMPC, b.timeout)
	req, err := ipc.Envelope(ipc.TypeMPCRequest, ipc.IDPayload{ID: p.ID, Payload: p.Payload})
	if err != nil {
		b.corr.Drop(p.ID)
		b.respondError(from, p.ID, "encode request: "+err.Error())
		return
	}
	if err := target.Send(req); err != nil {
		b.corr.Drop(p.ID)
		metrics.RecordMPC(p.To, "send_failed")
		b.respondError(from, p.ID, "module not available: "+p.To)
		return
	}

	go func() {
		res := <-ch
		if res.Err != nil {
			if errors.Is(res.Err, correlator.ErrTimeout) {
				metrics.RecordMPC(p.To, "timeout")
			} else {
				metrics.RecordMPC(p.To, "error")
			}
			b.respondError(from, p.ID, res.Err.Error())
			return
		}
		metrics.RecordMPC(p.To, "ok")
		b.respond(from, p.ID, res.Payload)
	}()
}

// resolve completes a pending call with the target's result. Results
// for unknown ids (late, duplicate) are discarded by the correlator.
func (b *Bus) resolve(p ipc.IntermodulePayload) {
	res := correlator.Result{Payload: p.Payload}
	if p.Error != "" {
		res.Err = errors.New(p.Error)
	}
	b.corr.Complete(p.ID, res)
}

func (b *Bus) respond(to *supervisor.Instance, id string, payload json.RawMessage) {
	msg, err := ipc.Envelope(ipc.TypeMPCResponse, ipc.IDPayload{ID: id, Payload: payload})
	if err != nil {
		return
	}
	if err := to.Send(msg); err != nil && err != ipc.ErrClosed {
		logging.Module(to.Module, to.ID).Debug("mpc response dropped", "error", err)
	}
}

func (b *Bus) respondError(to *supervisor.Instance, id, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	b.respond(to, id, payload)
}
