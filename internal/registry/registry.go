// Package registry holds the mutable routing tables modules populate
// at runtime: HTTP routes and WebSocket command entries.
package registry

import (
	"strings"
	"sync"

	"github.com/pylonhq/pylon/internal/ipc"
)

// RouteEntry maps (method, path) within a module's URL prefix to a
// handler inside that module.
type RouteEntry struct {
	Module       string
	Method       string
	Path         string
	HandlerID    string
	RequiresAuth bool
}

// CommandEntry maps a full command name to a handler inside a module.
type CommandEntry struct {
	Module       string
	Name         string // full name, e.g. "chat.send" or "@acme/rooms.join"
	HandlerID    string
	Broadcast    bool
	RequiresAuth bool
}

// Registry is the process-wide route and command table. Lookups happen
// on every request; mutations only on register messages and instance
// cleanup, behind a readers/writer lock so readers never see a torn
// view.
type Registry struct {
	mu       sync.RWMutex
	routes   map[string]map[string]RouteEntry // module -> method+" "+path
	commands map[string]CommandEntry          // full command name
}

func New() *Registry {
	return &Registry{
		routes:   make(map[string]map[string]RouteEntry),
		commands: make(map[string]CommandEntry),
	}
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Install records a register message's routes and commands for a
// module. Installation is idempotent per (method, path) and per command
// name: later registrations replace earlier ones. All instances of a
// module register the same handlers; the balancer multiplexes.
func (r *Registry) Install(module string, decl ipc.RegisterPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.routes[module]
	if table == nil {
		table = make(map[string]RouteEntry)
		r.routes[module] = table
	}
	for _, rt := range decl.Routes {
		if !validMethod(rt.Method) || rt.Path == "" || rt.HandlerID == "" {
			continue
		}
		path := rt.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		table[routeKey(rt.Method, path)] = RouteEntry{
			Module:       module,
			Method:       strings.ToUpper(rt.Method),
			Path:         path,
			HandlerID:    rt.HandlerID,
			RequiresAuth: rt.RequiresAuth,
		}
	}
	for _, cmd := range decl.Commands {
		if cmd.Name == "" || cmd.HandlerID == "" {
			continue
		}
		full := module + "." + cmd.Name
		r.commands[full] = CommandEntry{
			Module:       module,
			Name:         full,
			HandlerID:    cmd.HandlerID,
			Broadcast:    cmd.Broadcast,
			RequiresAuth: cmd.RequiresAuth,
		}
	}
}

// RemoveModule drops every route and command a module registered.
// Called when the module's last instance dies.
func (r *Registry) RemoveModule(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, module)
	for name, cmd := range r.commands {
		if cmd.Module == module {
			delete(r.commands, name)
		}
	}
}

// LookupRoute finds the handler for method+path inside a module's
// prefix. The path is the remainder after the module prefix. An exact
// match wins; otherwise the longest registered path that prefixes the
// request path (a wildcard-style mount point) is used.
func (r *Registry) LookupRoute(module, method, path string) (RouteEntry, bool) {
	if path == "" {
		path = "/"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.routes[module]
	if !ok {
		return RouteEntry{}, false
	}
	if e, ok := table[routeKey(method, path)]; ok {
		return e, true
	}

	method = strings.ToUpper(method)
	best := RouteEntry{}
	found := false
	for _, e := range table {
		if e.Method != method {
			continue
		}
		if !prefixMatch(e.Path, path) {
			continue
		}
		if !found || len(e.Path) > len(best.Path) {
			best, found = e, true
		}
	}
	return best, found
}

// LookupCommand finds a command entry by its full name.
func (r *Registry) LookupCommand(fullName string) (CommandEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[fullName]
	return e, ok
}

// Commands returns a snapshot of all registered command names.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}

// RouteCount returns the number of routes registered for a module.
func (r *Registry) RouteCount(module string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[module])
}

// prefixMatch reports whether a registered path is a mount point for
// the request path: "/files" matches "/files" and "/files/a/b" but not
// "/filesystem".
func prefixMatch(registered, path string) bool {
	if !strings.HasPrefix(path, registered) {
		return false
	}
	if len(path) == len(registered) {
		return true
	}
	return strings.HasSuffix(registered, "/") || path[len(registered)] == '/'
}

func validMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "POST", "PUT", "DELETE":
		return true
	}
	return false
}
