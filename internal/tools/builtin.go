// Package tools provides the built-in local tools every deployment gets:
// a guarded shell runner, a clock, and a bounded file reader.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// maxReadBytes bounds read_file output so one tool call cannot blow the
// context window.
const maxReadBytes = 256 * 1024

// RegisterBuiltins registers the built-in tools. rootDir confines read_file;
// empty means the current working directory.
func RegisterBuiltins(reg *registry.Registry, rootDir string) error {
	if rootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		rootDir = wd
	}

	builtins := []struct {
		def  models.ToolDefinition
		exec registry.Executor
	}{
		{shellCommandDef(), &shellCommand{}},
		{currentTimeDef(), &currentTime{}},
		{readFileDef(), &readFile{root: rootDir}},
	}
	for _, b := range builtins {
		if err := reg.RegisterLocal(b.def, b.exec); err != nil {
			return fmt.Errorf("register %s: %w", b.def.Name, err)
		}
	}
	return nil
}

func shellCommandDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:             "shell_command",
		DisplayName:      "Shell Command",
		Description:      "Runs a shell command and returns its combined output.",
		ApprovalRequired: true,
		ParameterSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command to run"}
			},
			"required": ["command"]
		}`),
	}
}

// shellCommand runs one command under sh -c. It is approval-gated by
// definition; the executor enforces the timeout through the context.
type shellCommand struct{}

func (s *shellCommand) Execute(ctx context.Context, params map[string]any) (models.ToolResult, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return models.FailedToolResult("shell_command", "command must not be empty"), nil
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	text := strings.TrimRight(string(output), "\n")

	if err != nil {
		msg := err.Error()
		if text != "" {
			msg = fmt.Sprintf("%s\n%s", msg, text)
		}
		result := models.FailedToolResult("shell_command", msg)
		result.StartedAt = started
		return result, nil
	}
	return models.ToolResult{
		ToolName:      "shell_command",
		Success:       true,
		LLMContent:    text,
		ReturnDisplay: text,
		StartedAt:     started,
		CompletedAt:   time.Now(),
	}, nil
}

func currentTimeDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "current_time",
		DisplayName: "Current Time",
		Description: "Returns the current time, optionally in a named IANA timezone.",
		ParameterSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, defaults to UTC"}
			}
		}`),
	}
}

type currentTime struct{}

func (c *currentTime) Execute(ctx context.Context, params map[string]any) (models.ToolResult, error) {
	loc := time.UTC
	if name, _ := params["timezone"].(string); name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return models.FailedToolResult("current_time", fmt.Sprintf("unknown timezone %q", name)), nil
		}
		loc = parsed
	}
	now := time.Now().In(loc).Format(time.RFC3339)
	return models.ToolResult{
		ToolName:      "current_time",
		Success:       true,
		LLMContent:    now,
		ReturnDisplay: now,
		StartedAt:     time.Now(),
		CompletedAt:   time.Now(),
	}, nil
}

func readFileDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "read_file",
		DisplayName: "Read File",
		Description: "Reads a text file relative to the configured root directory.",
		ParameterSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the root directory"}
			},
			"required": ["path"]
		}`),
	}
}

// readFile reads files confined to its root. Escapes via .. or absolute
// paths outside the root are refused.
type readFile struct {
	root string
}

func (r *readFile) Execute(ctx context.Context, params map[string]any) (models.ToolResult, error) {
	rel, _ := params["path"].(string)
	if rel == "" {
		return models.FailedToolResult("read_file", "path must not be empty"), nil
	}

	full := rel
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.root, rel)
	}
	full = filepath.Clean(full)
	rootWithSep := filepath.Clean(r.root) + string(filepath.Separator)
	if full != filepath.Clean(r.root) && !strings.HasPrefix(full, rootWithSep) {
		return models.FailedToolResult("read_file", fmt.Sprintf("path %q escapes the root directory", rel)), nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return models.FailedToolResult("read_file", err.Error()), nil
	}
	if info.IsDir() {
		return models.FailedToolResult("read_file", fmt.Sprintf("%q is a directory", rel)), nil
	}
	if info.Size() > maxReadBytes {
		return models.FailedToolResult("read_file",
			fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), maxReadBytes)), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return models.FailedToolResult("read_file", err.Error()), nil
	}
	content := string(data)
	return models.ToolResult{
		ToolName:      "read_file",
		Success:       true,
		LLMContent:    content,
		ReturnDisplay: content,
		StartedAt:     time.Now(),
		CompletedAt:   time.Now(),
	}, nil
}
