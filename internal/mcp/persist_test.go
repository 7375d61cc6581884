package mcp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAgentStoreEmptyOnMissingFile(t *testing.T) {
	store := NewAgentStore(t.TempDir())
	descs, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("descs = %+v, want empty", descs)
	}
}

func TestAgentStorePutLoadRemove(t *testing.T) {
	store := NewAgentStore(t.TempDir())

	a := EndpointDescriptor{ID: "b-agent", Transport: TransportStdio, Command: "agent-b", Persistent: true}
	b := EndpointDescriptor{ID: "a-agent", Transport: TransportHTTP, URL: "https://example.com/mcp", Persistent: true}
	if err := store.Put(a); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(b); err != nil {
		t.Fatal(err)
	}

	descs, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors", len(descs))
	}
	if descs[0].ID != "a-agent" || descs[1].ID != "b-agent" {
		t.Errorf("load not sorted by id: %v, %v", descs[0].ID, descs[1].ID)
	}
	if descs[1].Command != "agent-b" {
		t.Errorf("descriptor fields lost: %+v", descs[1])
	}

	if err := store.Remove("b-agent"); err != nil {
		t.Fatal(err)
	}
	descs, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 || descs[0].ID != "a-agent" {
		t.Errorf("after remove: %+v", descs)
	}

	// Removing an unknown id is a no-op.
	if err := store.Remove("ghost"); err != nil {
		t.Errorf("remove unknown: %v", err)
	}
}

func TestAgentStorePutReplaces(t *testing.T) {
	store := NewAgentStore(t.TempDir())

	desc := EndpointDescriptor{ID: "x", Transport: TransportHTTP, URL: "https://old.example.com"}
	if err := store.Put(desc); err != nil {
		t.Fatal(err)
	}
	desc.URL = "https://new.example.com"
	if err := store.Put(desc); err != nil {
		t.Fatal(err)
	}

	descs, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 || descs[0].URL != "https://new.example.com" {
		t.Errorf("descs = %+v", descs)
	}
}

func TestAgentStoreRejectsEmptyID(t *testing.T) {
	store := NewAgentStore(t.TempDir())
	if err := store.Put(EndpointDescriptor{Transport: TransportStdio, Command: "x"}); err == nil {
		t.Error("expected error for descriptor without id")
	}
}

func TestAgentStoreCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store := NewAgentStore(dir)
	if err := store.Put(EndpointDescriptor{ID: "a", Transport: TransportStdio, Command: "agent"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "agents.json")); err != nil {
		t.Errorf("registry file missing: %v", err)
	}
}
