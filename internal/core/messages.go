package core

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/supervisor"
)

// handleMessage services everything an instance sends upstream.
// Runs on the instance's read loop; anything slow goes to a goroutine.
func (c *Core) handleMessage(inst *supervisor.Instance, msg *ipc.Message) {
	switch msg.Type {
	case ipc.TypeRegister:
		c.handleRegister(inst, msg.Payload)
	case ipc.TypeResponse:
		c.handleResponse(msg.Payload)
	case ipc.TypeReply:
		c.handleReply(msg.Payload)
	case ipc.TypeLog:
		c.handleLog(inst, msg.Payload)
	case ipc.TypeIntermodule:
		c.bus.Handle(inst, msg)
	case ipc.TypeDBQuery:
		go c.handleDBQuery(inst, msg.Payload)
	case ipc.TypeSendToClient:
		c.handleSendToClient(inst, msg.Payload)
	case ipc.TypeBroadcastToClients:
		c.handleBroadcast(inst, msg.Payload)
	case ipc.TypeDisconnectClient:
		c.handleDisconnectClient(inst, msg.Payload)
	default:
		logging.Module(inst.Module, inst.ID).Warn("unknown ipc message type", "type", msg.Type)
	}
}

func (c *Core) handleRegister(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Module(inst.Module, inst.ID).Warn("malformed register payload", "error", err)
		return
	}
	c.Registry.Install(inst.Module, p)
	metrics.SetInstances(inst.Module, len(c.sup.Instances(inst.Module)))
	logging.Module(inst.Module, inst.ID).Info("instance registered",
		"routes", len(p.Routes), "commands", len(p.Commands))
}

func (c *Core) handleResponse(raw json.RawMessage) {
	var p ipc.ResponsePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return
	}
	c.corr.Complete(p.ID, correlator.Result{
		Status:      p.Status,
		ContentType: p.ContentType,
		Payload:     p.Payload,
	})
}

// handleReply is the WebSocket-flavored response path. Same contract
// as response, just keyed by msgId.
func (c *Core) handleReply(raw json.RawMessage) {
	var p ipc.ReplyPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MsgID == "" {
		return
	}
	c.corr.Complete(p.MsgID, correlator.Result{
		ContentType: p.ContentType,
		Payload:     p.Payload,
	})
}

func (c *Core) handleLog(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.LogPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	log := logging.Module(inst.Module, inst.ID)
	switch strings.ToLower(p.Level) {
	case "debug":
		log.Debug(p.Message)
	case "warn", "warning":
		log.Warn(p.Message)
	case "error":
		log.Error(p.Message)
	default:
		log.Info(p.Message)
	}
}

// handleDBQuery proxies a module's parameterized query to the store
// and sends databaseResult or databaseError back to the same instance.
func (c *Core) handleDBQuery(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.DBQueryPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return
	}
	if c.db == nil {
		c.sendDBError(inst, p.ID, "database is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.invokeTimeout)
	defer cancel()
	rows, err := c.db.Query(ctx, p.Payload.SQL, p.Payload.Args)
	if err != nil {
		logging.Module(inst.Module, inst.ID).Warn("module query failed", "error", err)
		c.sendDBError(inst, p.ID, err.Error())
		return
	}

	data, err := json.Marshal(rows)
	if err != nil {
		c.sendDBError(inst, p.ID, err.Error())
		return
	}
	msg, err := ipc.Envelope(ipc.TypeDBResult, ipc.IDPayload{ID: p.ID, Payload: data})
	if err != nil {
		return
	}
	_ = inst.Send(msg)
}

func (c *Core) sendDBError(inst *supervisor.Instance, id, errMsg string) {
	data, _ := json.Marshal(map[string]string{"error": errMsg})
	msg, err := ipc.Envelope(ipc.TypeDBError, ipc.IDPayload{ID: id, Payload: data})
	if err != nil {
		return
	}
	_ = inst.Send(msg)
}

func (c *Core) handleSendToClient(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.ClientSendPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ClientID == "" {
		return
	}
	gw := c.gateway()
	if gw == nil {
		return
	}
	if !gw.SendModuleMessage(p.ClientID, p.Payload) {
		logging.Module(inst.Module, inst.ID).Debug("sendToClient dropped, client gone",
			"clientId", p.ClientID)
	}
}

func (c *Core) handleBroadcast(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.BroadcastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	gw := c.gateway()
	if gw == nil {
		return
	}
	gw.BroadcastModuleMessage(p.Payload)
	metrics.RecordBroadcast()
}

func (c *Core) handleDisconnectClient(inst *supervisor.Instance, raw json.RawMessage) {
	var p ipc.ClientDisconnectPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ClientID == "" {
		return
	}
	if gw := c.gateway(); gw != nil {
		gw.DisconnectClient(p.ClientID, p.Reason)
	}
}

// instanceGone runs after an instance is removed from the pool. When
// the last instance of a module dies its routes and balancer state go
// with it.
func (c *Core) instanceGone(inst *supervisor.Instance, last bool) {
	metrics.RecordInstanceDeath(inst.Module)
	metrics.SetInstances(inst.Module, len(c.sup.Instances(inst.Module)))
	if !last {
		return
	}
	c.Registry.RemoveModule(inst.Module)
	c.bal.Forget(inst.Module)
	logging.Op().Warn("module fully unloaded", "module", inst.Module)
}
