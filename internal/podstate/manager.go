package podstate

import (
	"errors"
	"fmt"
	"hyperstart/pkg/protocol"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoPod is returned for container operations before STARTPOD.
	ErrNoPod = errors.New("no pod running")
	// ErrPodExists is returned by SetPod when a pod is already running.
	ErrPodExists = errors.New("pod already running")
	// ErrNotFound is returned for an unknown container id.
	ErrNotFound = errors.New("container not found")
	// ErrExists is returned when adding a container id twice.
	ErrExists = errors.New("container already exists")
)

// NewManager creates a new pod state manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[podstate] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.SharedDir == "" {
		return nil, fmt.Errorf("shared directory cannot be empty")
	}

	m := &Manager{
		sharedDir:  cfg.SharedDir,
		statePath:  cfg.StatePath,
		containers: make(map[string]*ContainerState),
		logger:     cfg.Logger,
	}

	return m, nil
}

// Start creates the shared directory and loads persisted state.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.sharedDir, 0755); err != nil {
		return fmt.Errorf("create shared directory: %w", err)
	}

	if err := m.LoadState(); err != nil {
		m.logger.Printf("warning: could not load state: %v", err)
	}

	m.logger.Printf("started (shared=%s, state=%s)", m.sharedDir, m.statePath)
	return nil
}

// SetPod records a new pod and all of its containers. It fails without
// changing anything if a pod is already running or a container is invalid.
func (m *Manager) SetPod(pod *protocol.PodSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pod != nil {
		return ErrPodExists
	}

	states := make(map[string]*ContainerState, len(pod.Containers))
	for _, ct := range pod.Containers {
		st, err := m.newContainerState(ct)
		if err != nil {
			return err
		}
		if _, dup := states[ct.ID]; dup {
			return fmt.Errorf("%w: %s", ErrExists, ct.ID)
		}
		states[ct.ID] = st
	}

	m.pod = newPodState(pod)
	m.containers = states

	if err := m.saveStateUnlocked(); err != nil {
		m.logger.Printf("warning: failed to save state: %v", err)
	}

	m.logger.Printf("pod %s: %d containers", pod.Hostname, len(states))
	return nil
}

// Pod returns a copy of the current pod, or nil when none is running.
func (m *Manager) Pod() *PodState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pod == nil {
		return nil
	}
	podCopy := *m.pod
	return &podCopy
}

// AddContainer records a container created by NEWCONTAINER.
func (m *Manager) AddContainer(ct *protocol.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pod == nil {
		return ErrNoPod
	}
	if _, exists := m.containers[ct.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, ct.ID)
	}

	st, err := m.newContainerState(ct)
	if err != nil {
		return err
	}
	m.containers[ct.ID] = st

	if err := m.saveStateUnlocked(); err != nil {
		m.logger.Printf("warning: failed to save state: %v", err)
	}

	m.logger.Printf("added container %s at %s", ct.ID, st.RootPath)
	return nil
}

func (m *Manager) newContainerState(ct *protocol.Container) (*ContainerState, error) {
	root, err := m.rootPath(ct)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", ct.ID, err)
	}
	return &ContainerState{
		ID:        ct.ID,
		Image:     ct.Image,
		Rootfs:    ct.Rootfs,
		Argv:      ct.Process.Argv,
		Seq:       ct.Process.Seq,
		ErrSeq:    ct.Process.ErrSeq,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
		RootPath:  root,
	}, nil
}

// rootPath resolves a container's root filesystem inside the shared
// directory: <shared>/<image>/<rootfs>.
func (m *Manager) rootPath(ct *protocol.Container) (string, error) {
	if err := validateName(ct.ID); err != nil {
		return "", fmt.Errorf("invalid id: %w", err)
	}
	root := m.sharedDir
	for _, part := range []string{ct.Image, ct.Rootfs} {
		if part == "" {
			continue
		}
		clean := filepath.Clean("/" + part)
		if clean == "/" {
			return "", fmt.Errorf("invalid rootfs component %q", part)
		}
		root = filepath.Join(root, clean)
	}
	return root, nil
}

// RemoveContainer forgets a container.
func (m *Manager) RemoveContainer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.containers[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.containers, id)

	if err := m.saveStateUnlocked(); err != nil {
		m.logger.Printf("warning: failed to save state: %v", err)
	}

	m.logger.Printf("removed container %s", id)
	return nil
}

// GetContainer returns a copy of the state of one container.
func (m *Manager) GetContainer(id string) (*ContainerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, exists := m.containers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	stCopy := *st
	return &stCopy, nil
}

// ListContainers returns copies of all containers ordered by creation.
func (m *Manager) ListContainers() []*ContainerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ContainerState, 0, len(m.containers))
	for _, st := range m.containers {
		stCopy := *st
		out = append(out, &stCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkRunning records that a container was started by the runtime under
// runtimeID. A container that already exited keeps its exited status.
func (m *Manager) MarkRunning(id, runtimeID string) error {
	return m.update(id, func(st *ContainerState) {
		st.RuntimeID = runtimeID
		if st.Status == StatusCreated {
			st.Status = StatusRunning
		}
	})
}

// MarkExited records a container's exit code.
func (m *Manager) MarkExited(id string, code int) error {
	return m.update(id, func(st *ContainerState) {
		st.Status = StatusExited
		st.ExitCode = code
	})
}

func (m *Manager) update(id string, fn func(*ContainerState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.containers[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(st)

	if err := m.saveStateUnlocked(); err != nil {
		m.logger.Printf("warning: failed to save state: %v", err)
	}
	return nil
}

// Reset drops the pod and every container, as on DESTROYPOD.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.containers)
	m.pod = nil
	m.containers = make(map[string]*ContainerState)

	if err := m.saveStateUnlocked(); err != nil {
		m.logger.Printf("warning: failed to save state: %v", err)
	}

	m.logger.Printf("pod destroyed: dropped %d containers", n)
}

// validateName ensures a container id is usable as a path component.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("name cannot contain /")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be %s", name)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("name cannot contain null bytes")
	}
	return nil
}
