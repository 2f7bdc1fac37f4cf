// Package podstate keeps the agent's record of the running pod and its
// containers, and persists it to disk for inspection and restarts.
package podstate

import (
	"hyperstart/pkg/protocol"
	"log"
	"sync"
	"time"
)

// Status is the lifecycle stage of a container.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Manager tracks the pod and its containers by id.
type Manager struct {
	sharedDir  string // /run/hyperstart/shared
	statePath  string // /run/hyperstart/pod.state.json
	mu         sync.RWMutex
	pod        *PodState
	containers map[string]*ContainerState // container id -> state
	logger     *log.Logger
}

// PodState is the persisted view of the pod.
type PodState struct {
	Hostname      string    `json:"hostname"`
	ShareTag      string    `json:"share_tag,omitempty"`
	RestartPolicy string    `json:"restart_policy"`
	DNS           []string  `json:"dns,omitempty"`
	Interfaces    int       `json:"interfaces"`
	Routes        int       `json:"routes"`
	StartedAt     time.Time `json:"started_at"`
}

// ContainerState is the persisted view of one container.
type ContainerState struct {
	ID        string    `json:"id"`
	Image     string    `json:"image,omitempty"`
	Rootfs    string    `json:"rootfs"`
	Argv      []string  `json:"argv"`
	Seq       uint64    `json:"seq"`
	ErrSeq    uint64    `json:"err_seq,omitempty"`
	RuntimeID string    `json:"runtime_id,omitempty"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	CreatedAt time.Time `json:"created_at"`
	RootPath  string    `json:"root_path"`
}

// Config holds configuration for creating a new Manager.
type Config struct {
	SharedDir string
	StatePath string
	Logger    *log.Logger
}

func newPodState(pod *protocol.PodSpec) *PodState {
	return &PodState{
		Hostname:      pod.Hostname,
		ShareTag:      pod.ShareTag,
		RestartPolicy: pod.RestartPolicy.String(),
		DNS:           pod.DNS,
		Interfaces:    len(pod.Interfaces),
		Routes:        len(pod.Routes),
		StartedAt:     time.Now(),
	}
}
