package podstate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// persistedState represents the JSON structure saved to disk.
type persistedState struct {
	Version    string                     `json:"version"`
	Updated    time.Time                  `json:"updated"`
	Pod        *PodState                  `json:"pod"`
	Containers map[string]*ContainerState `json:"containers"`
}

// SaveState persists the current pod state to disk.
func (m *Manager) SaveState() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveStateUnlocked()
}

// saveStateUnlocked persists state without acquiring locks.
// Caller must hold at least a read lock.
func (m *Manager) saveStateUnlocked() error {
	if m.statePath == "" {
		return nil
	}

	state := persistedState{
		Version:    "1.0",
		Updated:    time.Now(),
		Pod:        m.pod,
		Containers: m.containers,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial file.
	tempPath := m.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	if err := os.Rename(tempPath, m.statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// LoadState restores the pod state from disk. A missing file is not an
// error.
func (m *Manager) LoadState() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	m.pod = state.Pod
	m.containers = state.Containers
	if m.containers == nil {
		m.containers = make(map[string]*ContainerState)
	}

	m.logger.Printf("loaded state: %d containers (version=%s, updated=%s)",
		len(m.containers), state.Version, state.Updated.Format(time.RFC3339))

	return nil
}

// ReconcileState drops containers whose root filesystem is gone from the
// shared directory, and marks the rest exited: processes do not survive an
// agent restart.
func (m *Manager) ReconcileState() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, stopped := 0, 0
	for id, st := range m.containers {
		if _, err := os.Stat(st.RootPath); os.IsNotExist(err) {
			m.logger.Printf("removing stale state for container %s (root %s not found)", id, st.RootPath)
			delete(m.containers, id)
			removed++
			continue
		}
		if st.Status == StatusRunning {
			st.Status = StatusExited
			st.ExitCode = -1
			stopped++
		}
	}

	if removed > 0 || stopped > 0 {
		m.logger.Printf("reconciled state: removed %d stale, stopped %d", removed, stopped)
		if err := m.saveStateUnlocked(); err != nil {
			return fmt.Errorf("save reconciled state: %w", err)
		}
	}

	return nil
}
