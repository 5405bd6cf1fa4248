package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultEntryPoint is the file a module instance executes when its
// manifest does not name one.
const DefaultEntryPoint = "dist/index.js"

var moduleNamePattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9_-]*/)?[a-z0-9][a-z0-9._-]*$`)

// Manifest describes a discovered module. It is parsed from the module
// directory's manifest.json and is the unit of dependency resolution.
type Manifest struct {
	Name          string   `json:"name"`
	Version       string   `json:"version,omitempty"`
	Author        string   `json:"author,omitempty"`
	Description   string   `json:"description,omitempty"`
	License       string   `json:"license,omitempty"`
	EntryPoint    string   `json:"entryPoint,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	MultiInstance *bool    `json:"multiInstanceSpawning,omitempty"`
	Repo          string   `json:"repo,omitempty"`

	// Path is the absolute module directory, set by the scanner.
	Path string `json:"-"`
}

// Entry returns the manifest's entry point, defaulted.
func (m *Manifest) Entry() string {
	if m.EntryPoint != "" {
		return m.EntryPoint
	}
	return DefaultEntryPoint
}

// AllowsMultiInstance reports whether the module may run more than one
// instance. Absent in the manifest means allowed.
func (m *Manifest) AllowsMultiInstance() bool {
	return m.MultiInstance == nil || *m.MultiInstance
}

// Namespaced reports whether the module name carries an @ns/ prefix.
func (m *Manifest) Namespaced() bool {
	return strings.HasPrefix(m.Name, "@")
}

// RoutePrefix is the URL prefix all of the module's HTTP routes live
// under: /<name> for plain modules, /<ns>/<name> for namespaced ones.
func (m *Manifest) RoutePrefix() string {
	if m.Namespaced() {
		return "/" + strings.TrimPrefix(m.Name, "@")
	}
	return "/" + m.Name
}

// ValidateModuleName enforces the accepted module name format, plain
// (foo) or namespaced (@ns/foo).
func ValidateModuleName(name string) error {
	if name == "" {
		return fmt.Errorf("module name is required")
	}
	if !moduleNamePattern.MatchString(name) {
		return fmt.Errorf("invalid module name %q", name)
	}
	return nil
}

// SplitCommand resolves the module name and bare command from a wire
// command string. Namespaced commands use the dot rule: the segment
// before the first dot must be "@ns/mod". A command without a dot, or a
// namespaced command without a slash, does not resolve.
func SplitCommand(command string) (module, cmd string, ok bool) {
	i := strings.Index(command, ".")
	if i <= 0 || i == len(command)-1 {
		return "", "", false
	}
	module, cmd = command[:i], command[i+1:]
	if strings.HasPrefix(module, "@") && !strings.Contains(module, "/") {
		return "", "", false
	}
	return module, cmd, true
}
