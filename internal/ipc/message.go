// Package ipc implements the framed, typed message channel between the
// core and each module instance. Frames are a 4-byte big-endian length
// followed by a JSON-encoded Message, carried over the instance's
// stdin/stdout pipe pair.
package ipc

import "encoding/json"

// Message type discriminators. Instance → core types come first, then
// core → instance.
const (
	// From the instance.
	TypeRegister    = "register"
	TypeResponse    = "response"
	TypeReply       = "reply"
	TypeLog         = "log"
	TypeIntermodule = "intermoduleMessage"
	TypeDBQuery     = "databaseQuery"

	// Module-initiated client traffic, routed through the hub.
	TypeSendToClient       = "sendToClient"
	TypeBroadcastToClients = "broadcastToClients"
	TypeDisconnectClient   = "disconnectClient"

	// From the core.
	TypeInit             = "init"
	TypeInvoke           = "invoke"
	TypeClientConnect    = "clientConnect"
	TypeClientDisconnect = "clientDisconnect"
	TypeMPCRequest       = "mpcRequest"
	TypeMPCResponse      = "mpcResponse"
	TypeDBResult         = "databaseResult"
	TypeDBError          = "databaseError"
)

// Message is the self-describing IPC envelope. Payload decoding is
// driven by Type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RouteDecl is one HTTP route declared in a register message.
type RouteDecl struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	HandlerID    string `json:"handlerId"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
}

// CommandDecl is one WebSocket command declared in a register message.
type CommandDecl struct {
	Name         string `json:"name"`
	HandlerID    string `json:"handlerId"`
	Broadcast    bool   `json:"broadcast,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
}

// RegisterPayload declares an instance's routes and commands.
type RegisterPayload struct {
	Routes          []RouteDecl     `json:"routes,omitempty"`
	Commands        []CommandDecl   `json:"commands,omitempty"`
	ConsoleSettings json.RawMessage `json:"consoleSettings,omitempty"`
}

// ResponsePayload fulfils a pending request.
type ResponsePayload struct {
	ID          string          `json:"id"`
	Status      int             `json:"status,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ReplyPayload is the alternative reply path for WebSocket responses,
// equivalent to a response.
type ReplyPayload struct {
	MsgID       string          `json:"msgId"`
	ContentType string          `json:"contentType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// LogPayload is a structured log emission attributed to the module.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// IntermodulePayload carries a module-to-module call or its result.
type IntermodulePayload struct {
	To       string          `json:"to"`
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IsResult bool            `json:"isResult,omitempty"`
	ShardKey string          `json:"shardKey,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// DBQueryPayload asks the core to run a parameterized query.
type DBQueryPayload struct {
	ID      string         `json:"id"`
	Payload DBQueryRequest `json:"payload"`
}

// DBQueryRequest is the query itself.
type DBQueryRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// InitPayload is the first message sent to a freshly spawned instance.
type InitPayload struct {
	InstanceID    string `json:"instanceId"`
	Module        string `json:"module"`
	InstanceCount int    `json:"instanceCount"`
}

// InvokePayload asks an instance to run a handler.
type InvokePayload struct {
	ID        string          `json:"id"`
	HandlerID string          `json:"handlerId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HTTPInvokeBody is the payload shape for HTTP-originated invokes.
type HTTPInvokeBody struct {
	Query   map[string]string `json:"query,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	User    json.RawMessage   `json:"user,omitempty"`
}

// ClientEventPayload announces a WebSocket client's presence change.
type ClientEventPayload struct {
	ClientID string `json:"clientId"`
}

// IDPayload pairs an id with an arbitrary payload; used for MPC
// requests/responses and database results/errors.
type IDPayload struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientSendPayload is a module-initiated message for one client.
type ClientSendPayload struct {
	ClientID string          `json:"clientId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ClientDisconnectPayload asks the hub to drop a client.
type ClientDisconnectPayload struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason,omitempty"`
}

// BroadcastPayload is a module-initiated message for every client.
type BroadcastPayload struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope builds a Message of the given type around a payload value.
func Envelope(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}
