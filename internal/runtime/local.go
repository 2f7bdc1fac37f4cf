package runtime

import (
	"context"
	"errors"
	"fmt"
	"hyperstart/pkg/protocol"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Local runs container processes directly on the host, with the
// container's root filesystem as the base of its working directory and
// file requests. It does not isolate anything and is meant for
// development and testing when Docker is not available.
type Local struct {
	ch     *protocol.TTYChannel
	onExit ExitFunc
	logger *log.Logger

	mu         sync.Mutex
	containers map[string]*localContainer
	procs      map[uint64]*localProcess // by stream seq
	running    map[*localProcess]struct{}
	wg         sync.WaitGroup
}

type localContainer struct {
	id      string
	root    string
	workdir string
	env     []string
	init    *localProcess
}

type localProcess struct {
	spec *protocol.Process
	cmd  *exec.Cmd
	pty  *os.File // master side, nil without a terminal
	done chan struct{}
}

// Config holds configuration shared by the runtime backends.
type Config struct {
	Channel *protocol.TTYChannel
	OnExit  ExitFunc
	Logger  *log.Logger
}

// NewLocal creates a local runtime.
func NewLocal(cfg Config) *Local {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[local-runtime] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Channel == nil {
		cfg.Channel = protocol.NewTTYChannel(io.Discard)
	}
	return &Local{
		ch:         cfg.Channel,
		onExit:     cfg.OnExit,
		logger:     cfg.Logger,
		containers: make(map[string]*localContainer),
		procs:      make(map[uint64]*localProcess),
		running:    make(map[*localProcess]struct{}),
	}
}

// CreateContainer starts the container's init process.
func (l *Local) CreateContainer(ctx context.Context, ct *protocol.Container, root string) (string, error) {
	env, err := Environ(ct.Envs)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	_, exists := l.containers[ct.ID]
	l.mu.Unlock()
	if exists {
		return "", fmt.Errorf("container %s already created", ct.ID)
	}

	c := &localContainer{
		id:      ct.ID,
		root:    root,
		workdir: containerPath(root, ct.Workdir),
		env:     env,
	}
	if err := os.MkdirAll(c.workdir, 0755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	proc := ct.Process
	proc.ContainerID = ct.ID
	proc.Init = true
	p, err := l.start(&proc, c.workdir, env)
	if err != nil {
		return "", fmt.Errorf("start init process: %w", err)
	}
	c.init = p

	l.mu.Lock()
	l.containers[ct.ID] = c
	l.mu.Unlock()

	l.logger.Printf("container %s: started %v (pid %d, root=%s)", ct.ID, proc.Argv, p.cmd.Process.Pid, root)
	return fmt.Sprintf("pid-%d", p.cmd.Process.Pid), nil
}

// Exec starts an additional process in a container, or on the host for a
// pod-level process.
func (l *Local) Exec(ctx context.Context, proc *protocol.Process) error {
	dir := "/"
	env := hostEnv()

	if proc.ContainerID != "" {
		c, err := l.container(proc.ContainerID)
		if err != nil {
			return err
		}
		dir, env = c.workdir, c.env
	}

	p, err := l.start(proc, dir, env)
	if err != nil {
		return fmt.Errorf("exec %v: %w", proc.Argv, err)
	}

	l.logger.Printf("exec seq %d in %q: %v (pid %d)", proc.Seq, proc.ContainerID, proc.Argv, p.cmd.Process.Pid)
	return nil
}

func (l *Local) start(proc *protocol.Process, dir string, env []string) (*localProcess, error) {
	if len(proc.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	path, err := lookPath(proc.Argv[0], env)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	_, busy := l.procs[proc.Seq]
	l.mu.Unlock()
	if proc.Seq != 0 && busy {
		return nil, fmt.Errorf("stream %d already in use", proc.Seq)
	}

	cmd := exec.Command(path, proc.Argv[1:]...)
	cmd.Args[0] = proc.Argv[0]
	cmd.Dir = dir
	cmd.Env = env

	p := &localProcess{spec: proc, cmd: cmd, done: make(chan struct{})}

	var (
		slave *os.File
		stdin io.WriteCloser
	)
	if isTerminal(proc) {
		p.pty, slave, err = openPTY()
		if err != nil {
			return nil, err
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
		stdin = ptyInput{p.pty}
	} else {
		cmd.Stdout = l.ch.Writer(proc.Seq)
		cmd.Stderr = l.ch.Writer(proc.ErrSeq)
		if proc.Seq != 0 {
			if stdin, err = cmd.StdinPipe(); err != nil {
				return nil, fmt.Errorf("stdin pipe: %w", err)
			}
		}
	}

	if err := cmd.Start(); err != nil {
		if p.pty != nil {
			p.pty.Close()
			slave.Close()
		}
		return nil, fmt.Errorf("start command: %w", err)
	}

	copyDone := make(chan struct{})
	if p.pty != nil {
		slave.Close()
		go func() {
			defer close(copyDone)
			// Reads fail with EIO once every holder of the slave exits.
			io.Copy(l.ch.Writer(proc.Seq), p.pty)
		}()
	} else {
		close(copyDone)
	}

	l.mu.Lock()
	l.running[p] = struct{}{}
	if proc.Seq != 0 {
		l.procs[proc.Seq] = p
	}
	l.mu.Unlock()
	if proc.Seq != 0 {
		l.ch.Attach(proc.Seq, stdin)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.wait(p, copyDone)
	}()

	return p, nil
}

func (l *Local) wait(p *localProcess, copyDone <-chan struct{}) {
	err := p.cmd.Wait()
	<-copyDone
	if p.pty != nil {
		p.pty.Close()
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				code = exitCode(status)
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			l.logger.Printf("wait error: %v", err)
			code = 255
		}
	}

	seq := p.spec.Seq
	l.mu.Lock()
	delete(l.running, p)
	if seq != 0 && l.procs[seq] == p {
		delete(l.procs, seq)
	}
	l.mu.Unlock()
	if seq != 0 {
		l.ch.Detach(seq)
	}
	close(p.done)

	if seq != 0 {
		if err := l.ch.Exit(seq, code); err != nil {
			l.logger.Printf("warning: report exit of seq %d: %v", seq, err)
		}
	}
	if l.onExit != nil {
		l.onExit(p.spec, code)
	}
}

// Signal delivers sig to the container's init process.
func (l *Local) Signal(ctx context.Context, containerID string, sig syscall.Signal) error {
	c, err := l.container(containerID)
	if err != nil {
		return err
	}

	select {
	case <-c.init.done:
		return fmt.Errorf("%w: %s", ErrNotRunning, containerID)
	default:
	}

	if err := c.init.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", containerID, err)
	}
	return nil
}

// Resize sets the terminal size of the process on ws.Seq.
func (l *Local) Resize(ctx context.Context, ws *protocol.WinSize) error {
	l.mu.Lock()
	p, ok := l.procs[ws.Seq]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no process on stream %d", ws.Seq)
	}
	if p.pty == nil {
		return fmt.Errorf("%w: stream %d", ErrNoTerminal, ws.Seq)
	}
	if err := setWindowSize(p.pty, ws.Row, ws.Column); err != nil {
		return fmt.Errorf("resize stream %d: %w", ws.Seq, err)
	}
	return nil
}

// WriteFile writes data to path inside the container's root filesystem,
// creating missing parent directories.
func (l *Local) WriteFile(ctx context.Context, containerID, path string, data []byte) error {
	c, err := l.container(containerID)
	if err != nil {
		return err
	}

	target := containerPath(c.root, path)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads path inside the container's root filesystem.
func (l *Local) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	c, err := l.container(containerID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(containerPath(c.root, path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// RemoveContainer forgets an exited container. Its root filesystem is
// left in place.
func (l *Local) RemoveContainer(ctx context.Context, containerID string) error {
	c, err := l.container(containerID)
	if err != nil {
		return err
	}

	select {
	case <-c.init.done:
	default:
		return fmt.Errorf("container %s is still running", containerID)
	}

	l.mu.Lock()
	delete(l.containers, containerID)
	l.mu.Unlock()
	return nil
}

// Close kills every running process and waits for them to be reaped.
func (l *Local) Close() error {
	l.mu.Lock()
	running := make([]*localProcess, 0, len(l.running))
	for p := range l.running {
		running = append(running, p)
	}
	l.mu.Unlock()

	for _, p := range running {
		p.cmd.Process.Kill()
	}
	l.wg.Wait()
	return nil
}

func (l *Local) container(id string) (*localContainer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContainer, id)
	}
	return c, nil
}

// containerPath resolves path inside root. Leading .. elements cannot
// climb out of root.
func containerPath(root, path string) string {
	return filepath.Join(root, filepath.Clean("/"+path))
}

// lookPath finds name in the PATH of env rather than the agent's own.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	pathEnv, _ := lookupEnv(env, "PATH")
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() && st.Mode()&0111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// ptyInput feeds tty channel input to a pty master. Closing it sends
// end-of-file to the terminal instead of closing the master.
type ptyInput struct {
	f *os.File
}

func (p ptyInput) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p ptyInput) Close() error {
	_, err := p.f.Write([]byte{4})
	return err
}
