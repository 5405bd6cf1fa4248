// Package core is the module plane facade: it loads modules in
// dependency order, supervises their instances, routes invocations,
// and services the messages instances send back.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pylonhq/pylon/internal/balance"
	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/observability"
	"github.com/pylonhq/pylon/internal/registry"
	"github.com/pylonhq/pylon/internal/supervisor"
)

// ErrNoInstance means a module has no live instance to take the call.
var ErrNoInstance = errors.New("no live module instance")

// DB is the query surface exposed to modules via databaseQuery.
type DB interface {
	Query(ctx context.Context, sql string, args []any) ([]map[string]any, error)
}

// ClientGateway is how the core pushes module-initiated traffic to
// WebSocket clients. Implemented by the connection hub.
type ClientGateway interface {
	SendModuleMessage(clientID string, payload json.RawMessage) bool
	BroadcastModuleMessage(payload json.RawMessage)
	DisconnectClient(clientID, reason string)
}

// Core owns the routing tables and the instance supervisor.
type Core struct {
	Registry *registry.Registry

	sup  *supervisor.Supervisor
	bal  *balance.Balancer
	corr *correlator.Correlator
	bus  *bus.Bus
	db   DB
	gw   atomic.Value // ClientGateway

	invokeTimeout time.Duration
	uploadTimeout time.Duration
}

// Options tunes the core's deadlines.
type Options struct {
	InvokeTimeout time.Duration // default 5s
	UploadTimeout time.Duration // default 30s; multipart bodies
	DB            DB            // optional; databaseQuery fails without it
}

func New(launcher supervisor.Launcher, opts Options) *Core {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 5 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	c := &Core{
		Registry:      registry.New(),
		bal:           balance.New(),
		corr:          correlator.New(),
		db:            opts.DB,
		invokeTimeout: opts.InvokeTimeout,
		uploadTimeout: opts.UploadTimeout,
	}
	c.bus = bus.New(c, c.corr, opts.InvokeTimeout)
	c.sup = supervisor.New(launcher, c.handleMessage, c.instanceGone)
	return c
}

// SetClientGateway wires the connection hub in after construction.
func (c *Core) SetClientGateway(gw ClientGateway) {
	c.gw.Store(gw)
}

func (c *Core) gateway() ClientGateway {
	gw, _ := c.gw.Load().(ClientGateway)
	return gw
}

// InvokeTimeout returns the deadline for ordinary invocations.
func (c *Core) InvokeTimeout() time.Duration { return c.invokeTimeout }

// UploadTimeout returns the deadline for multipart invocations.
func (c *Core) UploadTimeout() time.Duration { return c.uploadTimeout }

// LoadModules starts every loadable module in dependency order.
// counts carries the configured instance counts from settings.json.
func (c *Core) LoadModules(reg *manifest.Registry, counts map[string]int) error {
	for _, name := range reg.Sorted() {
		m, ok := reg.Get(name)
		if !ok {
			return fmt.Errorf("manifest %q vanished from registry", name)
		}
		if err := c.sup.StartModule(m, counts[name]); err != nil {
			logging.Op().Warn("module failed to start", "module", name, "error", err)
			continue
		}
		metrics.SetInstances(name, len(c.sup.Instances(name)))
	}
	return nil
}

// InvokeRequest describes one handler invocation.
type InvokeRequest struct {
	Kind      correlator.Kind
	Module    string
	HandlerID string
	// RequestID correlates the reply; empty means a fresh UUID.
	RequestID string
	Payload   json.RawMessage
	ShardKey  string
	// Timeout overrides the default invoke deadline when positive.
	Timeout time.Duration
}

// Invoke dispatches a handler invocation to a chosen instance and
// waits for its reply or deadline. Failures surface in Result.Err:
// ErrNoInstance, correlator.ErrTimeout, or a context error.
func (c *Core) Invoke(ctx context.Context, req InvokeRequest) correlator.Result {
	start := time.Now()
	inst, ok := c.Select(req.Module, req.ShardKey)
	if !ok {
		metrics.RecordInvocation(req.Module, string(req.Kind), "unavailable", time.Since(start))
		return correlator.Result{Err: ErrNoInstance}
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.invokeTimeout
	}

	ctx, span := observability.StartSpan(ctx, "module.invoke",
		observability.AttrModuleName.String(req.Module),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrHandlerID.String(req.HandlerID),
		observability.AttrRequestID.String(id),
	)
	defer span.End()

	ch := c.corr.Create(id, req.Kind, timeout)
	msg, err := ipc.Envelope(ipc.TypeInvoke, ipc.InvokePayload{
		ID:        id,
		HandlerID: req.HandlerID,
		Payload:   req.Payload,
	})
	if err != nil {
		c.corr.Drop(id)
		return correlator.Result{Err: err}
	}
	if err := inst.Send(msg); err != nil {
		c.corr.Drop(id)
		metrics.RecordInvocation(req.Module, string(req.Kind), "unavailable", time.Since(start))
		return correlator.Result{Err: ErrNoInstance}
	}

	select {
	case res := <-ch:
		status := "ok"
		if errors.Is(res.Err, correlator.ErrTimeout) {
			status = "timeout"
			metrics.RecordTimeout(req.Module)
		} else if res.Err != nil {
			status = "error"
		}
		if res.Err != nil {
			observability.SetSpanError(span, res.Err)
		} else {
			observability.SetSpanOK(span)
		}
		metrics.RecordInvocation(req.Module, string(req.Kind), status, time.Since(start))
		return res
	case <-ctx.Done():
		c.corr.Drop(id)
		observability.SetSpanError(span, ctx.Err())
		metrics.RecordInvocation(req.Module, string(req.Kind), "cancelled", time.Since(start))
		return correlator.Result{Err: ctx.Err()}
	}
}

// LookupRoute resolves a registered HTTP route within a module.
func (c *Core) LookupRoute(module, method, path string) (registry.RouteEntry, bool) {
	return c.Registry.LookupRoute(module, method, path)
}

// LookupCommand resolves a registered WebSocket command by full name.
func (c *Core) LookupCommand(fullName string) (registry.CommandEntry, bool) {
	return c.Registry.LookupCommand(fullName)
}

// Select picks a live instance of a module, by shard key when present
// and round-robin otherwise. Implements bus.Selector.
func (c *Core) Select(module, shardKey string) (*supervisor.Instance, bool) {
	insts := c.sup.Instances(module)
	idx := c.bal.Pick(module, shardKey, len(insts))
	if idx < 0 {
		return nil, false
	}
	return insts[idx], true
}

// NotifyClientConnect tells every live instance a client arrived.
func (c *Core) NotifyClientConnect(clientID string) {
	c.notifyPresence(ipc.TypeClientConnect, clientID)
}

// NotifyClientDisconnect tells every live instance a client left.
func (c *Core) NotifyClientDisconnect(clientID string) {
	c.notifyPresence(ipc.TypeClientDisconnect, clientID)
}

func (c *Core) notifyPresence(msgType, clientID string) {
	msg, err := ipc.Envelope(msgType, ipc.ClientEventPayload{ClientID: clientID})
	if err != nil {
		return
	}
	c.sup.Broadcast(msg)
}

// ModuleStatus is one module's entry in the status snapshot.
type ModuleStatus struct {
	Module    string   `json:"module"`
	Instances []string `json:"instances"`
	States    []string `json:"states"`
	Routes    int      `json:"routes"`
}

// Status reports live modules and their instances.
func (c *Core) Status() []ModuleStatus {
	names := c.sup.Modules()
	out := make([]ModuleStatus, 0, len(names))
	for _, name := range names {
		st := ModuleStatus{Module: name, Routes: c.Registry.RouteCount(name)}
		for _, inst := range c.sup.Instances(name) {
			st.Instances = append(st.Instances, inst.ID)
			st.States = append(st.States, inst.State().String())
		}
		out = append(out, st)
	}
	return out
}

// Shutdown stops every module instance.
func (c *Core) Shutdown() {
	c.sup.StopAll()
}
