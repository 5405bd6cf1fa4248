package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pylonhq/pylon/internal/domain"
)

func writeManifest(t *testing.T, root, dir, body string) {
	t.Helper()
	full := filepath.Join(root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(full, "manifest.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadScansPlainAndNamespacedDirs(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "chat", `{"name":"chat"}`)
	writeManifest(t, root, "@acme/rooms", `{"name":"@acme/rooms"}`)
	// A directory without a manifest is not a module.
	if err := os.MkdirAll(filepath.Join(root, "not-a-module"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 modules, got %d (%v)", reg.Len(), reg.Sorted())
	}
	if _, ok := reg.Get("chat"); !ok {
		t.Error("chat not found")
	}
	m, ok := reg.Get("@acme/rooms")
	if !ok {
		t.Fatal("@acme/rooms not found")
	}
	if got := m.RoutePrefix(); got != "/acme/rooms" {
		t.Errorf("RoutePrefix = %q, want /acme/rooms", got)
	}
}

func TestLoadDuplicateNameIsFatal(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "a", `{"name":"chat"}`)
	writeManifest(t, root, "b", `{"name":"chat"}`)

	if _, err := Load(root); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestLoadMalformedManifestSkipsDirectory(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "good", `{"name":"good"}`)
	writeManifest(t, root, "bad", `{"name":`)
	writeManifest(t, root, "anon", `{"version":"1.0.0"}`)

	reg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 1 || reg.Sorted()[0] != "good" {
		t.Fatalf("expected only good, got %v", reg.Sorted())
	}
}

func manifests(deps map[string][]string) map[string]*domain.Manifest {
	out := make(map[string]*domain.Manifest, len(deps))
	for name, d := range deps {
		out[name] = &domain.Manifest{Name: name, Dependencies: d}
	}
	return out
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	reg, err := Resolve(manifests(map[string][]string{
		"auth":  nil,
		"chat":  {"auth", "presence"},
		"presence": {"auth"},
		"stats": {"chat"},
	}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(reg.Skipped()) != 0 {
		t.Fatalf("unexpected skips: %v", reg.Skipped())
	}

	pos := make(map[string]int)
	for i, name := range reg.Sorted() {
		pos[name] = i
	}
	for name, deps := range map[string][]string{
		"chat": {"auth", "presence"}, "presence": {"auth"}, "stats": {"chat"},
	} {
		for _, dep := range deps {
			if pos[dep] >= pos[name] {
				t.Errorf("%s loads at %d before dependency %s at %d", name, pos[name], dep, pos[dep])
			}
		}
	}
}

func TestResolveCycleIsFatal(t *testing.T) {
	_, err := Resolve(manifests(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycle) {
		t.Errorf("error %v is not ErrCycle", err)
	}
}

func TestResolveUnresolvedDependencySkipsTransitively(t *testing.T) {
	reg, err := Resolve(manifests(map[string][]string{
		"a": {"missing"},
		"b": {"a"},
		"c": {"b"},
		"d": nil,
	}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := reg.Sorted(); len(got) != 1 || got[0] != "d" {
		t.Fatalf("sorted = %v, want [d]", got)
	}
	skipped := map[string]bool{}
	for _, s := range reg.Skipped() {
		skipped[s] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !skipped[want] {
			t.Errorf("%s not skipped", want)
		}
	}
	// Sorted and skipped are disjoint.
	for _, s := range reg.Sorted() {
		if skipped[s] {
			t.Errorf("%s both sorted and skipped", s)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in      string
		module  string
		cmd     string
		ok      bool
	}{
		{"chat.send", "chat", "send", true},
		{"@acme/rooms.join", "@acme/rooms", "join", true},
		{"chat.send.extra", "chat", "send.extra", true},
		{"nodot", "", "", false},
		{"@acme.join", "", "", false},
		{".send", "", "", false},
		{"chat.", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			module, cmd, ok := domain.SplitCommand(tt.in)
			if ok != tt.ok || module != tt.module || cmd != tt.cmd {
				t.Errorf("SplitCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, module, cmd, ok, tt.module, tt.cmd, tt.ok)
			}
		})
	}
}
