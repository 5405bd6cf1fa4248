package registry

import (
	"testing"

	"github.com/pylonhq/pylon/internal/ipc"
)

func TestInstallAndLookupRoute(t *testing.T) {
	r := New()
	r.Install("fake", ipc.RegisterPayload{
		Routes: []ipc.RouteDecl{
			{Method: "GET", Path: "/ping", HandlerID: "h1"},
			{Method: "get", Path: "files", HandlerID: "h2"},
		},
	})

	e, ok := r.LookupRoute("fake", "GET", "/ping")
	if !ok || e.HandlerID != "h1" {
		t.Fatalf("lookup = (%+v, %v)", e, ok)
	}
	// Paths are normalised to a leading slash, methods to upper case.
	if e, ok := r.LookupRoute("fake", "GET", "/files"); !ok || e.HandlerID != "h2" {
		t.Errorf("normalised lookup = (%+v, %v)", e, ok)
	}
}

func TestPrefixRouteMatching(t *testing.T) {
	r := New()
	r.Install("fake", ipc.RegisterPayload{
		Routes: []ipc.RouteDecl{
			{Method: "GET", Path: "/files", HandlerID: "files"},
			{Method: "GET", Path: "/files/special", HandlerID: "special"},
		},
	})

	tests := []struct {
		path    string
		handler string
		ok      bool
	}{
		{"/files", "files", true},
		{"/files/a/b.txt", "files", true},
		{"/files/special/x", "special", true}, // longest prefix wins
		{"/filesystem", "", false},
		{"/other", "", false},
	}
	for _, tt := range tests {
		e, ok := r.LookupRoute("fake", "GET", tt.path)
		if ok != tt.ok || (ok && e.HandlerID != tt.handler) {
			t.Errorf("LookupRoute(%q) = (%q, %v), want (%q, %v)", tt.path, e.HandlerID, ok, tt.handler, tt.ok)
		}
	}
}

func TestReRegistrationReplacesHandler(t *testing.T) {
	r := New()
	r.Install("fake", ipc.RegisterPayload{
		Routes:   []ipc.RouteDecl{{Method: "GET", Path: "/ping", HandlerID: "h1"}},
		Commands: []ipc.CommandDecl{{Name: "echo", HandlerID: "c1"}},
	})
	r.Install("fake", ipc.RegisterPayload{
		Routes:   []ipc.RouteDecl{{Method: "GET", Path: "/ping", HandlerID: "h2"}},
		Commands: []ipc.CommandDecl{{Name: "echo", HandlerID: "c2", Broadcast: true}},
	})

	if e, _ := r.LookupRoute("fake", "GET", "/ping"); e.HandlerID != "h2" {
		t.Errorf("route handler = %q, want h2", e.HandlerID)
	}
	cmd, ok := r.LookupCommand("fake.echo")
	if !ok || cmd.HandlerID != "c2" || !cmd.Broadcast {
		t.Errorf("command = (%+v, %v)", cmd, ok)
	}
}

func TestCommandsAreNamespacedByModule(t *testing.T) {
	r := New()
	r.Install("@acme/rooms", ipc.RegisterPayload{
		Commands: []ipc.CommandDecl{{Name: "join", HandlerID: "j1"}},
	})

	if _, ok := r.LookupCommand("@acme/rooms.join"); !ok {
		t.Error("namespaced command not found")
	}
	if _, ok := r.LookupCommand("rooms.join"); ok {
		t.Error("bare name resolved for namespaced module")
	}
}

func TestRemoveModuleDropsRoutesAndCommands(t *testing.T) {
	r := New()
	r.Install("fake", ipc.RegisterPayload{
		Routes:   []ipc.RouteDecl{{Method: "GET", Path: "/ping", HandlerID: "h1"}},
		Commands: []ipc.CommandDecl{{Name: "echo", HandlerID: "c1"}},
	})
	r.Install("other", ipc.RegisterPayload{
		Commands: []ipc.CommandDecl{{Name: "noop", HandlerID: "n1"}},
	})

	r.RemoveModule("fake")

	if _, ok := r.LookupRoute("fake", "GET", "/ping"); ok {
		t.Error("route survived module removal")
	}
	if _, ok := r.LookupCommand("fake.echo"); ok {
		t.Error("command survived module removal")
	}
	if _, ok := r.LookupCommand("other.noop"); !ok {
		t.Error("unrelated module's command was removed")
	}
}

func TestInvalidDeclarationsAreIgnored(t *testing.T) {
	r := New()
	r.Install("fake", ipc.RegisterPayload{
		Routes: []ipc.RouteDecl{
			{Method: "PATCH", Path: "/x", HandlerID: "h1"}, // unsupported method
			{Method: "GET", Path: "", HandlerID: "h2"},
			{Method: "GET", Path: "/ok", HandlerID: ""},
		},
		Commands: []ipc.CommandDecl{{Name: "", HandlerID: "c1"}},
	})

	if n := r.RouteCount("fake"); n != 0 {
		t.Errorf("route count = %d, want 0", n)
	}
	if n := len(r.Commands()); n != 0 {
		t.Errorf("command count = %d, want 0", n)
	}
}
