package kernel

import (
	"log/slog"

	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// registrySink translates fleet discovery events into registry mutations.
// It is the only path by which external tools enter or leave the registry,
// which keeps the invariant that an external tool is listed iff a ready
// transport claims it.
type registrySink struct {
	registry *registry.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func externalDefinition(agentID string, tool mcp.Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Name:            tool.Name,
		Description:     tool.Description,
		ParameterSchema: tool.InputSchema,
		Origin:          models.OriginExternal,
		ServerRef:       agentID,
	}
}

func (s *registrySink) register(agentID string, tool mcp.Tool) {
	if err := s.registry.RegisterExternal(agentID, externalDefinition(agentID, tool)); err != nil {
		s.metrics.ErrorCounter.WithLabelValues("mcp", "validation").Inc()
		s.logger.Warn("external tool refused", "agent", agentID, "tool", tool.Name, "error", err)
	}
}

func (s *registrySink) ToolsDiscovered(agentID string, tools []mcp.Tool) {
	for _, tool := range tools {
		s.register(agentID, tool)
	}
	s.logger.Info("agent tools registered", "agent", agentID, "count", len(tools))
}

func (s *registrySink) ToolAdded(agentID string, tool mcp.Tool) {
	s.register(agentID, tool)
}

func (s *registrySink) ToolUpdated(agentID string, tool mcp.Tool) {
	s.register(agentID, tool)
}

func (s *registrySink) ToolRemoved(agentID string, name string) {
	def, _, err := s.registry.Lookup(name)
	if err != nil {
		return
	}
	// Only the hosting agent may take its tool out.
	if def.Origin == models.OriginExternal && def.ServerRef == agentID {
		s.registry.Deregister(name)
	}
}

func (s *registrySink) ServerDisconnected(agentID string) {
	removed := s.registry.DeregisterServer(agentID)
	if len(removed) > 0 {
		s.logger.Info("agent tools deregistered", "agent", agentID, "tools", removed)
	}
}
