package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const agentRegistryFile = "agents.json"

// AgentStore persists endpoint descriptors for persistent agents so the
// fleet can reconnect them on startup. The file is a JSON object keyed by
// agent id and is rewritten atomically on every change.
type AgentStore struct {
	path string
	mu   sync.Mutex
}

// NewAgentStore returns a store backed by agents.json under dataDir. The
// directory is created on first write, not here.
func NewAgentStore(dataDir string) *AgentStore {
	return &AgentStore{path: filepath.Join(dataDir, agentRegistryFile)}
}

// Path returns the backing file path.
func (s *AgentStore) Path() string { return s.path }

// Load reads every persisted endpoint, sorted by agent id. A missing file
// is an empty registry, not an error.
func (s *AgentStore) Load() ([]EndpointDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]EndpointDescriptor, 0, len(byID))
	for _, desc := range byID {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put records or replaces one endpoint.
func (s *AgentStore) Put(desc EndpointDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("endpoint descriptor has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.read()
	if err != nil {
		return err
	}
	byID[desc.ID] = desc
	return s.write(byID)
}

// Remove forgets one endpoint. Removing an unknown id is a no-op.
func (s *AgentStore) Remove(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := byID[agentID]; !ok {
		return nil
	}
	delete(byID, agentID)
	return s.write(byID)
}

func (s *AgentStore) read() (map[string]EndpointDescriptor, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]EndpointDescriptor), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	byID := make(map[string]EndpointDescriptor)
	if len(data) == 0 {
		return byID, nil
	}
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("parse agent registry: %w", err)
	}
	return byID, nil
}

// write replaces the registry file via a temp file and rename so a crash
// never leaves a torn file.
func (s *AgentStore) write(byID map[string]EndpointDescriptor) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write agent registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace agent registry: %w", err)
	}
	return nil
}
