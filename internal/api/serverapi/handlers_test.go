package serverapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/hub"
)

type fakeModules struct{ statuses []core.ModuleStatus }

func (f *fakeModules) Status() []core.ModuleStatus { return f.statuses }

type fakeClients struct{ players []hub.Player }

func (f *fakeClients) ClientCount() int     { return len(f.players) }
func (f *fakeClients) Players() []hub.Player { return f.players }

func get(t *testing.T, h *Handler, path string) map[string]any {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: code = %d", path, rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return out
}

func TestStatus(t *testing.T) {
	h := New(
		&fakeModules{statuses: []core.ModuleStatus{{Module: "@acme/chat", Instances: []string{"chat-0", "chat-1"}}}},
		&fakeClients{players: []hub.Player{{ClientID: "c1"}, {ClientID: "c2"}, {ClientID: "c3"}}},
		"1.4.0",
	)
	out := get(t, h, "/server/status")
	if out["ok"] != true || out["version"] != "1.4.0" {
		t.Fatalf("out = %v", out)
	}
	if out["clients"] != float64(3) {
		t.Errorf("clients = %v", out["clients"])
	}
	mods := out["modules"].([]any)
	if len(mods) != 1 || mods[0].(map[string]any)["module"] != "@acme/chat" {
		t.Errorf("modules = %v", mods)
	}
}

func TestPlayers(t *testing.T) {
	h := New(&fakeModules{}, &fakeClients{players: []hub.Player{
		{ClientID: "c1", LoggedIn: true, UserID: "u1", Username: "alice"},
	}}, "dev")
	out := get(t, h, "/server/players")
	players := out["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("players = %v", players)
	}
	p := players[0].(map[string]any)
	if p["username"] != "alice" || p["loggedIn"] != true {
		t.Errorf("player = %v", p)
	}
}
