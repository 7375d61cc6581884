package domain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/signal"
)

// Connector is the slice of the MCP fleet the manager drives. A nil
// connector refuses overlays that declare endpoints.
type Connector interface {
	Connect(ctx context.Context, desc mcp.EndpointDescriptor) (string, error)
	Disconnect(agentID string) error
}

// active captures everything a loaded overlay installed, so an unload or a
// rollback can take exactly that much out again.
type active struct {
	overlay  *Overlay
	agentIDs []string
}

// Manager owns the single loaded domain. Loads are serialised; turn
// submissions that arrive while a load is in flight are rejected with
// DomainLoading rather than queued.
type Manager struct {
	dir      string
	registry *registry.Registry
	fleet    Connector
	logger   *slog.Logger

	mu      sync.Mutex
	current *active
	loading atomic.Bool
	stale   atomic.Bool

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates a manager over the domain directory. fleet may be nil
// when no MCP fleet exists.
func NewManager(dir string, reg *registry.Registry, fleet Connector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		registry: reg,
		fleet:    fleet,
		logger:   logger.With("component", "domain"),
	}
}

// Available lists the overlay names present in the domain directory.
func (m *Manager) Available() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read domain directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") {
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		} else if strings.HasSuffix(name, ".yml") {
			names = append(names, strings.TrimSuffix(name, ".yml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Active returns the loaded overlay name, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.overlay.Name, true
}

// Stale reports whether the domain directory changed since the last load.
func (m *Manager) Stale() bool { return m.stale.Load() }

// Admit gates turn submission: a turn that arrives while a load is in
// flight is refused.
func (m *Manager) Admit() error {
	if m.loading.Load() {
		return signal.ErrDomainLoading
	}
	return nil
}

// PromptFragments returns the active overlay's system prompt additions.
func (m *Manager) PromptFragments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := make([]string, len(m.current.overlay.PromptFragments))
	copy(out, m.current.overlay.PromptFragments)
	return out
}

func (m *Manager) path(name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		candidate := filepath.Join(m.dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("domain %s not found in %s", name, m.dir)
}

// Load swaps the named overlay in: the previous domain is unloaded, the new
// one parsed and installed. Any failure restores the previous domain.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading.Store(true)
	defer m.loading.Store(false)

	path, err := m.path(name)
	if err != nil {
		return err
	}

	previous := m.current
	m.uninstall(previous)
	m.current = nil

	overlay, err := ParseFile(path)
	if err != nil {
		m.restore(ctx, previous)
		return err
	}

	installed, err := m.install(ctx, overlay)
	if err != nil {
		m.restore(ctx, previous)
		return fmt.Errorf("load domain %s: %w", name, err)
	}

	m.current = installed
	m.stale.Store(false)
	m.logger.Info("domain loaded",
		"domain", overlay.Name,
		"version", overlay.Version,
		"tools", len(overlay.Tools),
		"endpoints", len(overlay.Endpoints),
		"fragments", len(overlay.PromptFragments))
	return nil
}

// Unload removes the active overlay. A no-op when none is loaded.
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	name := m.current.overlay.Name
	m.uninstall(m.current)
	m.current = nil
	m.logger.Info("domain unloaded", "domain", name)
}

// install registers the overlay's tools and connects its endpoints. On
// failure everything already installed is taken out again.
func (m *Manager) install(ctx context.Context, overlay *Overlay) (*active, error) {
	var registered []string
	var agentIDs []string
	unwind := func() {
		for _, toolName := range registered {
			m.registry.Deregister(toolName)
		}
		for _, id := range agentIDs {
			if err := m.fleet.Disconnect(id); err != nil {
				m.logger.Warn("unwind disconnect failed", "agent", id, "error", err)
			}
		}
	}

	for _, spec := range overlay.Tools {
		def, err := spec.Definition(overlay.Name)
		if err != nil {
			unwind()
			return nil, err
		}
		if err := m.registry.RegisterLocal(def, commandExecutor{command: spec.Command}); err != nil {
			unwind()
			return nil, err
		}
		registered = append(registered, def.Name)
	}

	for _, desc := range overlay.Endpoints {
		if m.fleet == nil {
			unwind()
			return nil, fmt.Errorf("domain %s declares MCP endpoints but no fleet is configured", overlay.Name)
		}
		id, err := m.fleet.Connect(ctx, desc)
		if err != nil {
			unwind()
			return nil, fmt.Errorf("connect endpoint %s: %w", desc.Name, err)
		}
		agentIDs = append(agentIDs, id)
	}

	return &active{overlay: overlay, agentIDs: agentIDs}, nil
}

// uninstall removes a loaded overlay's tools and endpoints.
func (m *Manager) uninstall(a *active) {
	if a == nil {
		return
	}
	removed := m.registry.DeregisterDomain(a.overlay.Name)
	if len(removed) > 0 {
		m.logger.Debug("domain tools removed", "domain", a.overlay.Name, "tools", removed)
	}
	for _, id := range a.agentIDs {
		if err := m.fleet.Disconnect(id); err != nil {
			m.logger.Warn("domain endpoint disconnect failed", "agent", id, "error", err)
		}
	}
}

// restore reinstates the snapshot after a failed load. Best effort: pieces
// that fail to come back are logged and skipped.
func (m *Manager) restore(ctx context.Context, previous *active) {
	if previous == nil {
		return
	}
	installed, err := m.install(ctx, previous.overlay)
	if err != nil {
		m.logger.Error("domain rollback failed", "domain", previous.overlay.Name, "error", err)
		return
	}
	m.current = installed
	m.logger.Warn("rolled back to previous domain", "domain", previous.overlay.Name)
}

// Watch observes the domain directory and marks the manager stale on
// changes. Nothing reloads automatically; the operator decides when to
// swap.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch domain directory: %w", err)
	}
	m.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	markStale := func(name string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			m.stale.Store(true)
			m.logger.Info("domain directory changed", "path", name)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				markStale(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("domain watch error", "error", err)
		}
	}
}

// Close stops the watcher and unloads the active domain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	m.watchWg.Wait()
	m.Unload()
	return nil
}
