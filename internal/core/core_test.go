package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/supervisor"
)

// bufPipe is a buffered in-memory pipe standing in for the OS-buffered
// stdio pipes of a real instance.
type bufPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newBufPipe() *bufPipe {
	p := &bufPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *bufPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *bufPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

type fakeProcess struct {
	done chan struct{}
	once sync.Once
}

func newFakeProcess() *fakeProcess { return &fakeProcess{done: make(chan struct{})} }

func (p *fakeProcess) Wait() error { <-p.done; return nil }
func (p *fakeProcess) Kill() error { p.once.Do(func() { close(p.done) }); return nil }
func (p *fakeProcess) PID() int    { return 0 }

type fakeLauncher struct {
	mu    sync.Mutex
	peers map[string]*ipc.Conn
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{peers: make(map[string]*ipc.Conn)}
}

func (l *fakeLauncher) Launch(m *domain.Manifest, instanceID string) (*ipc.Conn, supervisor.Process, error) {
	toModule := newBufPipe()
	toCore := newBufPipe()
	core := ipc.NewConn(toCore, toModule, toModule, toCore)
	peer := ipc.NewConn(toModule, toCore, toCore, toModule)

	l.mu.Lock()
	l.peers[instanceID] = peer
	l.mu.Unlock()
	return core, newFakeProcess(), nil
}

func (l *fakeLauncher) peer(id string) *ipc.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[id]
}

// runPeer drives the instance end of a spawned module: it consumes
// init, sends register, and hands every later message to handle.
func runPeer(t *testing.T, peer *ipc.Conn, reg ipc.RegisterPayload, handle func(*ipc.Message)) {
	t.Helper()
	msg, err := peer.Receive()
	if err != nil {
		t.Errorf("peer receive init: %v", err)
		return
	}
	if msg.Type != ipc.TypeInit {
		t.Errorf("first message = %q, want init", msg.Type)
	}
	env, err := ipc.Envelope(ipc.TypeRegister, reg)
	if err != nil {
		t.Fatalf("envelope register: %v", err)
	}
	if err := peer.Send(env); err != nil {
		t.Errorf("peer send register: %v", err)
	}
	go func() {
		for {
			m, err := peer.Receive()
			if err != nil {
				return
			}
			if handle != nil {
				handle(m)
			}
		}
	}()
}

func startOne(t *testing.T, c *Core, launcher *fakeLauncher, name string, reg ipc.RegisterPayload, handle func(*ipc.Message)) {
	t.Helper()
	m := &domain.Manifest{Name: name, Path: t.TempDir()}
	if err := c.sup.StartModule(m, 1); err != nil {
		t.Fatalf("StartModule: %v", err)
	}
	runPeer(t, launcher.peer(name+"-0"), reg, handle)
	waitFor(t, func() bool {
		insts := c.sup.Instances(name)
		return len(insts) == 1 && insts[0].State() == supervisor.StateReady
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestInvokeRoundTrip(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})

	reg := ipc.RegisterPayload{Routes: []ipc.RouteDecl{
		{Method: "GET", Path: "/ping", HandlerID: "h1"},
	}}
	startOne(t, c, launcher, "chat", reg, func(m *ipc.Message) {
		if m.Type != ipc.TypeInvoke {
			return
		}
		var inv ipc.InvokePayload
		if err := json.Unmarshal(m.Payload, &inv); err != nil {
			t.Errorf("decode invoke: %v", err)
			return
		}
		env, _ := ipc.Envelope(ipc.TypeResponse, ipc.ResponsePayload{
			ID:      inv.ID,
			Status:  200,
			Payload: json.RawMessage(`{"pong":true}`),
		})
		_ = launcher.peer("chat-0").Send(env)
	})

	if _, ok := c.Registry.LookupRoute("chat", "GET", "/ping"); !ok {
		t.Fatal("register did not install the route")
	}

	res := c.Invoke(context.Background(), InvokeRequest{
		Kind:      correlator.KindHTTP,
		Module:    "chat",
		HandlerID: "h1",
		Payload:   json.RawMessage(`{}`),
	})
	if res.Err != nil {
		t.Fatalf("Invoke: %v", res.Err)
	}
	if res.Status != 200 {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if string(res.Payload) != `{"pong":true}` {
		t.Fatalf("payload = %s", res.Payload)
	}
}

func TestInvokeNoInstance(t *testing.T) {
	c := New(newFakeLauncher(), Options{InvokeTimeout: time.Second})
	res := c.Invoke(context.Background(), InvokeRequest{
		Kind:   correlator.KindHTTP,
		Module: "ghost",
	})
	if !errors.Is(res.Err, ErrNoInstance) {
		t.Fatalf("err = %v, want ErrNoInstance", res.Err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})
	// Peer never answers invokes.
	startOne(t, c, launcher, "slow", ipc.RegisterPayload{}, nil)

	res := c.Invoke(context.Background(), InvokeRequest{
		Kind:      correlator.KindHTTP,
		Module:    "slow",
		HandlerID: "h1",
		Timeout:   30 * time.Millisecond,
	})
	if !errors.Is(res.Err, correlator.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
}

func TestLastInstanceDeathRemovesRoutes(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})

	reg := ipc.RegisterPayload{Routes: []ipc.RouteDecl{
		{Method: "GET", Path: "/x", HandlerID: "h"},
	}}
	startOne(t, c, launcher, "ephemeral", reg, nil)

	if _, ok := c.Registry.LookupRoute("ephemeral", "GET", "/x"); !ok {
		t.Fatal("route missing after register")
	}

	_ = launcher.peer("ephemeral-0").Close()
	waitFor(t, func() bool {
		_, ok := c.Registry.LookupRoute("ephemeral", "GET", "/x")
		return !ok
	})
}

type fakeGateway struct {
	mu        sync.Mutex
	sent      map[string][]string
	broadcast []string
	dropped   []string
}

func newFakeGateway() *fakeGateway { return &fakeGateway{sent: make(map[string][]string)} }

func (g *fakeGateway) SendModuleMessage(clientID string, payload json.RawMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[clientID] = append(g.sent[clientID], string(payload))
	return true
}

func (g *fakeGateway) BroadcastModuleMessage(payload json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcast = append(g.broadcast, string(payload))
}

func (g *fakeGateway) DisconnectClient(clientID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropped = append(g.dropped, clientID+":"+reason)
}

func TestModuleInitiatedClientTraffic(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})
	gw := newFakeGateway()
	c.SetClientGateway(gw)

	startOne(t, c, launcher, "push", ipc.RegisterPayload{}, nil)
	peer := launcher.peer("push-0")

	send := func(msgType string, payload any) {
		env, err := ipc.Envelope(msgType, payload)
		if err != nil {
			t.Fatalf("envelope %s: %v", msgType, err)
		}
		if err := peer.Send(env); err != nil {
			t.Fatalf("send %s: %v", msgType, err)
		}
	}

	send(ipc.TypeSendToClient, ipc.ClientSendPayload{
		ClientID: "c1", Payload: json.RawMessage(`{"n":1}`),
	})
	send(ipc.TypeBroadcastToClients, ipc.BroadcastPayload{
		Payload: json.RawMessage(`{"all":true}`),
	})
	send(ipc.TypeDisconnectClient, ipc.ClientDisconnectPayload{
		ClientID: "c2", Reason: "banned",
	})

	waitFor(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.sent["c1"]) == 1 && len(gw.broadcast) == 1 && len(gw.dropped) == 1
	})
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.sent["c1"][0] != `{"n":1}` {
		t.Errorf("sent payload = %s", gw.sent["c1"][0])
	}
	if gw.dropped[0] != "c2:banned" {
		t.Errorf("dropped = %s", gw.dropped[0])
	}
}

type fakeDB struct {
	rows []map[string]any
	err  error
	mu   sync.Mutex
	sql  string
	args []any
}

func (d *fakeDB) Query(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	d.mu.Lock()
	d.sql, d.args = sql, args
	d.mu.Unlock()
	return d.rows, d.err
}

func TestDatabaseQueryProxy(t *testing.T) {
	launcher := newFakeLauncher()
	db := &fakeDB{rows: []map[string]any{{"id": float64(1)}}}
	c := New(launcher, Options{InvokeTimeout: time.Second, DB: db})

	results := make(chan *ipc.Message, 1)
	startOne(t, c, launcher, "reports", ipc.RegisterPayload{}, func(m *ipc.Message) {
		if m.Type == ipc.TypeDBResult || m.Type == ipc.TypeDBError {
			results <- m
		}
	})

	env, _ := ipc.Envelope(ipc.TypeDBQuery, ipc.DBQueryPayload{
		ID: "q1",
		Payload: ipc.DBQueryRequest{
			SQL:  "select id from widgets where owner = $1",
			Args: []any{"bob"},
		},
	})
	if err := launcher.peer("reports-0").Send(env); err != nil {
		t.Fatalf("send query: %v", err)
	}

	select {
	case m := <-results:
		if m.Type != ipc.TypeDBResult {
			t.Fatalf("got %s: %s", m.Type, m.Payload)
		}
		var p ipc.IDPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if p.ID != "q1" {
			t.Errorf("id = %q", p.ID)
		}
		if string(p.Payload) != `[{"id":1}]` {
			t.Errorf("rows = %s", p.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no database result")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.sql != "select id from widgets where owner = $1" {
		t.Errorf("sql = %q", db.sql)
	}
}

func TestIntermoduleCallRoundTrip(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})

	startOne(t, c, launcher, "calc", ipc.RegisterPayload{}, func(m *ipc.Message) {
		if m.Type != ipc.TypeMPCRequest {
			return
		}
		var p ipc.IDPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Errorf("decode mpc request: %v", err)
			return
		}
		env, _ := ipc.Envelope(ipc.TypeIntermodule, ipc.IntermodulePayload{
			To:       "caller",
			ID:       p.ID,
			IsResult: true,
			Payload:  json.RawMessage(`{"sum":5}`),
		})
		_ = launcher.peer("calc-0").Send(env)
	})

	responses := make(chan *ipc.Message, 4)
	startOne(t, c, launcher, "caller", ipc.RegisterPayload{}, func(m *ipc.Message) {
		if m.Type == ipc.TypeMPCResponse {
			responses <- m
		}
	})

	env, _ := ipc.Envelope(ipc.TypeIntermodule, ipc.IntermodulePayload{
		To:      "calc",
		ID:      "call-1",
		Payload: json.RawMessage(`{"a":2,"b":3}`),
	})
	if err := launcher.peer("caller-0").Send(env); err != nil {
		t.Fatalf("send intermodule: %v", err)
	}

	select {
	case m := <-responses:
		var p ipc.IDPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("decode mpc response: %v", err)
		}
		if p.ID != "call-1" {
			t.Errorf("id = %q", p.ID)
		}
		if string(p.Payload) != `{"sum":5}` {
			t.Errorf("payload = %s", p.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no mpc response")
	}
}

func TestIntermoduleUnknownTarget(t *testing.T) {
	launcher := newFakeLauncher()
	c := New(launcher, Options{InvokeTimeout: time.Second})

	responses := make(chan *ipc.Message, 4)
	startOne(t, c, launcher, "caller", ipc.RegisterPayload{}, func(m *ipc.Message) {
		if m.Type == ipc.TypeMPCResponse {
			responses <- m
		}
	})

	env, _ := ipc.Envelope(ipc.TypeIntermodule, ipc.IntermodulePayload{
		To:      "ghost",
		ID:      "call-2",
		Payload: json.RawMessage(`{}`),
	})
	if err := launcher.peer("caller-0").Send(env); err != nil {
		t.Fatalf("send intermodule: %v", err)
	}

	select {
	case m := <-responses:
		var p ipc.IDPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("decode mpc response: %v", err)
		}
		if p.ID != "call-2" {
			t.Errorf("id = %q", p.ID)
		}
		var body map[string]string
		if err := json.Unmarshal(p.Payload, &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"] != "module not available: ghost" {
			t.Errorf("error = %q", body["error"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no mpc response")
	}
}
