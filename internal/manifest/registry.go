// Package manifest discovers module directories, parses their
// manifests, and resolves the dependency-ordered load list.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
)

const manifestFile = "manifest.json"

// ErrCycle is returned when the manifest graph contains a dependency
// cycle. A cycle aborts the boot; no partial load happens.
var ErrCycle = fmt.Errorf("circular module dependency")

// Registry holds every parsed manifest plus the resolved load order.
type Registry struct {
	manifests map[string]*domain.Manifest
	sorted    []string
	skipped   []string
}

// Get returns the manifest for a module name.
func (r *Registry) Get(name string) (*domain.Manifest, bool) {
	m, ok := r.manifests[name]
	return m, ok
}

// Sorted returns module names in dependency load order. Every entry's
// declared dependencies appear earlier in the slice.
func (r *Registry) Sorted() []string {
	return r.sorted
}

// Skipped returns modules omitted from the load list because a
// dependency (direct or transitive) could not be resolved.
func (r *Registry) Skipped() []string {
	return r.skipped
}

// Len returns the number of loadable modules.
func (r *Registry) Len() int {
	return len(r.sorted)
}

// Load scans the modules root and resolves the load order. Scanning
// covers plain <root>/<module> directories and namespaced
// <root>/@ns/<module> directories. A directory qualifies iff it
// contains a manifest.json with a non-empty name. A duplicate module
// name across directories is fatal.
func Load(root string) (*Registry, error) {
	manifests, err := scan(root)
	if err != nil {
		return nil, err
	}
	return Resolve(manifests)
}

// Resolve computes the dependency order for a set of manifests. A cycle
// is fatal. A manifest depending on an unknown name is skipped along
// with everything that depends on it.
func Resolve(manifests map[string]*domain.Manifest) (*Registry, error) {
	r := &Registry{manifests: manifests}

	// DFS with a temporary mark on the recursion stack; a temporary
	// mark reached twice is a cycle.
	const (
		unmarked = iota
		visiting
		loaded
		skipped
	)
	state := make(map[string]int, len(manifests))

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		switch state[name] {
		case visiting:
			return 0, fmt.Errorf("%w involving %q", ErrCycle, name)
		case loaded, skipped:
			return state[name], nil
		}
		m, ok := manifests[name]
		if !ok {
			// Scan produced the traversal set, so a missing manifest
			// here means the registry itself is inconsistent.
			return 0, fmt.Errorf("manifest %q reached by traversal but not scanned", name)
		}
		state[name] = visiting
		for _, dep := range m.Dependencies {
			if _, known := manifests[dep]; !known {
				logging.Op().Warn("module skipped: unresolved dependency",
					"module", name, "dependency", dep)
				state[name] = skipped
				r.skipped = append(r.skipped, name)
				return skipped, nil
			}
			st, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if st == skipped {
				// Skips are transitive: a dependent of a skipped
				// module cannot load either.
				logging.Op().Warn("module skipped: dependency skipped",
					"module", name, "dependency", dep)
				state[name] = skipped
				r.skipped = append(r.skipped, name)
				return skipped, nil
			}
		}
		state[name] = loaded
		r.sorted = append(r.sorted, name)
		return loaded, nil
	}

	// Deterministic traversal order keeps the load order stable across
	// runs for graphs with independent branches.
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := visit(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func scan(root string) (map[string]*domain.Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Op().Warn("modules root does not exist", "root", root)
			return map[string]*domain.Manifest{}, nil
		}
		return nil, fmt.Errorf("read modules root: %w", err)
	}

	manifests := make(map[string]*domain.Manifest)
	add := func(dir string) error {
		m, err := parseManifest(dir)
		if err != nil {
			logging.Op().Warn("module skipped: bad manifest", "dir", dir, "error", err)
			return nil
		}
		if m == nil {
			return nil
		}
		if prev, dup := manifests[m.Name]; dup {
			return fmt.Errorf("duplicate module name %q (%s and %s)", m.Name, prev.Path, m.Path)
		}
		manifests[m.Name] = m
		return nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if strings.HasPrefix(e.Name(), "@") {
			// Namespace directory: one more level down.
			subs, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("read namespace dir %s: %w", dir, err)
			}
			for _, sub := range subs {
				if !sub.IsDir() {
					continue
				}
				if err := add(filepath.Join(dir, sub.Name())); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(dir); err != nil {
			return nil, err
		}
	}
	return manifests, nil
}

// parseManifest reads a directory's manifest.json. It returns (nil, nil)
// when the directory has no manifest at all and is therefore not a
// module directory.
func parseManifest(dir string) (*domain.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest has no name")
	}
	if err := domain.ValidateModuleName(m.Name); err != nil {
		return nil, err
	}
	m.Path = dir
	return &m, nil
}
