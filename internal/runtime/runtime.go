// Package runtime starts the containers and processes described by decoded
// control messages: Local runs them as host processes, Docker runs them
// through a Docker daemon.
package runtime

import (
	"context"
	"errors"
	"hyperstart/pkg/protocol"
	"syscall"
)

// Runtime is the interface for container backends.
type Runtime interface {
	// CreateContainer creates the container and starts its init process.
	// root is the container's root filesystem on the agent's side. It
	// returns the backend's id for the container.
	CreateContainer(ctx context.Context, ct *protocol.Container, root string) (string, error)

	// Exec starts an additional process. An empty ContainerID starts a
	// pod-level process. Exec returns once the process is running; output
	// and the exit code arrive on the tty channel.
	Exec(ctx context.Context, proc *protocol.Process) error

	// Signal delivers sig to a container's init process.
	Signal(ctx context.Context, containerID string, sig syscall.Signal) error

	// Resize changes the terminal size of the process on ws.Seq.
	Resize(ctx context.Context, ws *protocol.WinSize) error

	WriteFile(ctx context.Context, containerID, path string, data []byte) error
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)

	// RemoveContainer forgets a container. Its init process must have
	// exited.
	RemoveContainer(ctx context.Context, containerID string) error

	// Close stops every process and releases the backend.
	Close() error
}

// ExitFunc is called once for every process that exits, after its exit
// code has been sent on the tty channel.
type ExitFunc func(proc *protocol.Process, code int)

var (
	// ErrNoContainer is returned for an unknown container id.
	ErrNoContainer = errors.New("no such container")
	// ErrNotRunning is returned when signalling a container that exited.
	ErrNotRunning = errors.New("container not running")
	// ErrNoTerminal is returned when resizing a process without a terminal.
	ErrNoTerminal = errors.New("process has no terminal")
	// ErrEmptyCommand is returned for a process without arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// isTerminal reports whether proc runs on a terminal: it has a stream and
// no separate stderr stream.
func isTerminal(proc *protocol.Process) bool {
	return proc.Seq != 0 && proc.ErrSeq == 0
}

// exitCode maps a wait status to the code reported to the host: the exit
// status, or 128+n for a process killed by signal n.
func exitCode(status syscall.WaitStatus) int {
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
