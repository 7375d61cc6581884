// Package registry holds the union of local and external tool descriptors
// and answers lookup, listing, and hosting queries for the rest of the
// kernel.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

// Executor runs a local tool. Local registrations pair a definition with one.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (models.ToolResult, error)
}

// Filter narrows List results.
type Filter struct {
	// Origin restricts to local or external tools when set.
	Origin models.ToolOrigin
	// Domain restricts to tools introduced by one domain overlay.
	Domain string
	// Names restricts to an explicit allowlist.
	Names []string
}

type entry struct {
	def      models.ToolDefinition
	executor Executor // nil for external tools
}

// Registry is the single source of truth for tool definitions. A tool name
// appears in the external half iff a ready transport currently claims it;
// the MCP fleet maintains that invariant by driving RegisterExternal and
// DeregisterServer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With("component", "registry"),
	}
}

// RegisterLocal adds an in-process tool. A local registration replaces any
// external tool squatting on the name; registering over another local tool
// is an error.
func (r *Registry) RegisterLocal(def models.ToolDefinition, exec Executor) error {
	def.Origin = models.OriginLocal
	def.ServerRef = ""
	if err := def.Validate(); err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("local tool %s: nil executor", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[def.Name]; ok {
		if existing.def.Origin == models.OriginLocal {
			return fmt.Errorf("local tool %s already registered", def.Name)
		}
		// Local preempts external.
		r.logger.Warn("local tool displaces external registration",
			"tool", def.Name, "server", existing.def.ServerRef)
	}
	r.entries[def.Name] = entry{def: def, executor: exec}
	return nil
}

// RegisterExternal adds a tool hosted by an MCP transport. Conflicts: a local
// tool with the same name refuses the registration; between two externals the
// first writer wins. Both refusals are logged and returned as errors so the
// fleet can surface a warning.
func (r *Registry) RegisterExternal(serverRef string, def models.ToolDefinition) error {
	def.Origin = models.OriginExternal
	def.ServerRef = serverRef
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[def.Name]; ok {
		if existing.def.Origin == models.OriginLocal {
			r.logger.Warn("external tool conflicts with local tool, refused",
				"tool", def.Name, "server", serverRef)
			return fmt.Errorf("tool %s: local registration preempts external from %s", def.Name, serverRef)
		}
		if existing.def.ServerRef != serverRef {
			r.logger.Warn("external tool name already claimed, refused",
				"tool", def.Name, "server", serverRef, "claimed_by", existing.def.ServerRef)
			return fmt.Errorf("tool %s: already claimed by %s", def.Name, existing.def.ServerRef)
		}
		// Same server re-announcing the tool updates the definition.
	}
	r.entries[def.Name] = entry{def: def}
	return nil
}

// Deregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// DeregisterServer removes every external tool hosted by serverRef and
// returns the removed names.
func (r *Registry) DeregisterServer(serverRef string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, e := range r.entries {
		if e.def.Origin == models.OriginExternal && e.def.ServerRef == serverRef {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// DeregisterDomain removes every tool tagged with the given domain and
// returns the removed names. Tools the domain did not introduce are left
// alone.
func (r *Registry) DeregisterDomain(domain string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, e := range r.entries {
		if e.def.Domain == domain {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Lookup returns the definition and, for local tools, the executor.
func (r *Registry) Lookup(name string) (models.ToolDefinition, Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return models.ToolDefinition{}, nil, fmt.Errorf("%w: %s", signal.ErrToolNotFound, name)
	}
	return e.def, e.executor, nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns definitions matching the filter, sorted by name.
func (r *Registry) List(filter Filter) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if filter.Names != nil {
		allowed = make(map[string]bool, len(filter.Names))
		for _, n := range filter.Names {
			allowed[n] = true
		}
	}

	defs := make([]models.ToolDefinition, 0, len(r.entries))
	for name, e := range r.entries {
		if filter.Origin != "" && e.def.Origin != filter.Origin {
			continue
		}
		if filter.Domain != "" && e.def.Domain != filter.Domain {
			continue
		}
		if allowed != nil && !allowed[name] {
			continue
		}
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Executor returns the in-process executor for a local tool.
func (r *Registry) Executor(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.executor == nil {
		return nil, false
	}
	return e.executor, true
}
