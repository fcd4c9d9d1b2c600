package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Persistence and ToolStateStore for tests and the
// harness.
type Memory struct {
	mu    sync.Mutex
	notes map[string]Snapshot
	tools map[string]ToolState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		notes: make(map[string]Snapshot),
		tools: make(map[string]ToolState),
	}
}

// Load implements Persistence.
func (m *Memory) Load(_ context.Context, noteID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.notes[noteID]
	return snap, ok, nil
}

// Save implements Persistence.
func (m *Memory) Save(_ context.Context, noteID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[noteID] = snap
	return nil
}

// LoadTool implements ToolStateStore.
func (m *Memory) LoadTool(_ context.Context, userID string) (ToolState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tools[userID]
	return ts, ok, nil
}

// SaveTool implements ToolStateStore.
func (m *Memory) SaveTool(_ context.Context, userID string, ts ToolState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[userID] = ts
	return nil
}
