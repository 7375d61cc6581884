// Package domain loads named overlays: extra tools, MCP endpoints, and
// prompt fragments that swap in and out as a unit between turns.
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/pkg/models"
)

// ToolSpec declares one domain-provided tool. The command runs under
// `sh -c` with the call arguments JSON-encoded on stdin.
type ToolSpec struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Parameters       map[string]any `yaml:"parameters"`
	ApprovalRequired bool           `yaml:"approval_required"`
	Command          string         `yaml:"command"`
}

// Overlay is one parsed domain file.
type Overlay struct {
	Name            string                   `yaml:"name"`
	Version         string                   `yaml:"version"`
	Description     string                   `yaml:"description"`
	PromptFragments []string                 `yaml:"prompt_fragments"`
	Tools           []ToolSpec               `yaml:"tools"`
	Endpoints       []mcp.EndpointDescriptor `yaml:"mcp_endpoints"`
}

// Validate checks the overlay for completeness.
func (o *Overlay) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("domain overlay missing name")
	}
	seen := make(map[string]struct{}, len(o.Tools))
	for _, tool := range o.Tools {
		if tool.Name == "" {
			return fmt.Errorf("domain %s: tool missing name", o.Name)
		}
		if tool.Command == "" {
			return fmt.Errorf("domain %s: tool %s missing command", o.Name, tool.Name)
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("domain %s: duplicate tool %s", o.Name, tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

// Definition renders the tool as a registry definition tagged with the
// owning domain.
func (s ToolSpec) Definition(domainName string) (models.ToolDefinition, error) {
	def := models.ToolDefinition{
		Name:             s.Name,
		Description:      s.Description,
		ApprovalRequired: s.ApprovalRequired,
		Origin:           models.OriginLocal,
		Domain:           domainName,
	}
	if len(s.Parameters) > 0 {
		schema, err := json.Marshal(s.Parameters)
		if err != nil {
			return def, fmt.Errorf("domain tool %s: encode schema: %w", s.Name, err)
		}
		def.ParameterSchema = schema
	}
	return def, nil
}

// commandExecutor runs a domain tool's shell command, feeding it the call
// arguments as JSON on stdin.
type commandExecutor struct {
	command string
}

func (e commandExecutor) Execute(ctx context.Context, params map[string]any) (models.ToolResult, error) {
	input, err := json.Marshal(params)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("encode arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.CombinedOutput()
	text := string(output)
	if err != nil {
		msg := err.Error()
		if text != "" {
			msg += "\n" + text
		}
		return models.ToolResult{}, fmt.Errorf("%s", msg)
	}
	return models.ToolResult{
		Success:       true,
		LLMContent:    text,
		ReturnDisplay: text,
	}, nil
}

// ParseFile reads and validates one overlay file.
func ParseFile(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain file: %w", err)
	}
	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse domain file %s: %w", path, err)
	}
	if overlay.Name == "" {
		// The file name is the fallback identity.
		base := strings.TrimSuffix(strings.TrimSuffix(path, ".yaml"), ".yml")
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		overlay.Name = base
	}
	if err := overlay.Validate(); err != nil {
		return nil, err
	}
	return &overlay, nil
}
