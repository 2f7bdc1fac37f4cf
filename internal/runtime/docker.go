package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hyperstart/pkg/protocol"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sys/unix"
)

// Docker runs each container of the pod as a Docker container.
type Docker struct {
	client    *client.Client
	ch        *protocol.TTYChannel
	onExit    ExitFunc
	sharedDir string
	network   string
	logger    *log.Logger

	mu         sync.Mutex
	containers map[string]*dockerContainer
	streams    map[uint64]resizer // by stream seq
	wg         sync.WaitGroup
}

type dockerContainer struct {
	id   string // docker's id
	tty  bool
	done chan struct{} // closed when the init process exited
}

// resizer changes the terminal size of a container or exec instance.
type resizer func(ctx context.Context, rows, columns uint16) error

// DockerConfig holds configuration for the docker runtime.
type DockerConfig struct {
	Config
	Client    *client.Client
	SharedDir string // resolves fsmap sources
	Network   string // docker network mode, empty for the default bridge
}

// NewDocker creates a docker runtime on an existing client.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[docker-runtime] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Channel == nil {
		cfg.Channel = protocol.NewTTYChannel(io.Discard)
	}
	return &Docker{
		client:     cfg.Client,
		ch:         cfg.Channel,
		onExit:     cfg.OnExit,
		sharedDir:  cfg.SharedDir,
		network:    cfg.Network,
		logger:     cfg.Logger,
		containers: make(map[string]*dockerContainer),
		streams:    make(map[uint64]resizer),
	}
}

// CreateContainer creates, attaches to and starts a docker container for
// ct. The container image is ct.Image, falling back to ct.Rootfs.
func (d *Docker) CreateContainer(ctx context.Context, ct *protocol.Container, root string) (string, error) {
	config, hostConfig, err := d.containerConfig(ct)
	if err != nil {
		return "", err
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, ct.ID)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Printf("warning: container %s: %s", ct.ID, w)
	}

	attach, err := d.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  config.OpenStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("attach container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	proc := ct.Process
	proc.ContainerID = ct.ID
	proc.Init = true
	c := &dockerContainer{id: resp.ID, tty: config.Tty, done: make(chan struct{})}

	d.mu.Lock()
	d.containers[ct.ID] = c
	if c.tty {
		d.streams[proc.Seq] = func(ctx context.Context, rows, columns uint16) error {
			return d.client.ContainerResize(ctx, resp.ID, container.ResizeOptions{Height: uint(rows), Width: uint(columns)})
		}
	}
	d.mu.Unlock()

	streamDone := d.pump(&proc, c.tty, attach)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		code := d.waitContainer(resp.ID)
		<-streamDone
		close(c.done)
		d.finish(&proc, code)
	}()

	d.logger.Printf("container %s: started %s as %.12s", ct.ID, config.Image, resp.ID)
	return resp.ID, nil
}

func (d *Docker) containerConfig(ct *protocol.Container) (*container.Config, *container.HostConfig, error) {
	env, err := Environ(ct.Envs)
	if err != nil {
		return nil, nil, err
	}

	image := ct.Image
	if image == "" {
		image = ct.Rootfs
	}
	if image == "" {
		return nil, nil, fmt.Errorf("container %s: no image", ct.ID)
	}

	config := &container.Config{
		Image:        image,
		Cmd:          ct.Process.Argv,
		Env:          env,
		WorkingDir:   ct.Workdir,
		Tty:          isTerminal(&ct.Process),
		OpenStdin:    ct.Process.Seq != 0,
		StdinOnce:    ct.Process.Seq != 0,
		AttachStdin:  ct.Process.Seq != 0,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &container.HostConfig{
		Binds:   d.binds(ct),
		Sysctls: sysctlMap(ct.Sysctls),
	}
	if d.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.network)
	}

	return config, hostConfig, nil
}

// binds maps volumes and fsmap entries to docker bind specifications.
// Volume devices are passed through as host paths or named volumes;
// fsmap sources live in the shared directory.
func (d *Docker) binds(ct *protocol.Container) []string {
	binds := make([]string, 0, len(ct.Volumes)+len(ct.FsMap))
	for _, v := range ct.Volumes {
		binds = append(binds, bindSpec(v.Device, v.Mountpoint, v.ReadOnly))
	}
	for _, m := range ct.FsMap {
		src := containerPath(d.sharedDir, m.Source)
		binds = append(binds, bindSpec(src, m.Path, m.ReadOnly))
	}
	return binds
}

func bindSpec(src, dst string, readOnly bool) string {
	spec := src + ":" + dst
	if readOnly {
		spec += ":ro"
	}
	return spec
}

// sysctlMap converts /proc/sys relative keys back to the dotted names
// docker expects.
func sysctlMap(entries []protocol.SysctlEntry) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[strings.ReplaceAll(e.Key, "/", ".")] = e.Value
	}
	return m
}

// pump copies a hijacked docker stream to the tty channel and attaches
// the channel's input for proc.Seq to its write side. The returned channel
// is closed when output ends.
func (d *Docker) pump(proc *protocol.Process, tty bool, hijack types.HijackedResponse) <-chan struct{} {
	done := make(chan struct{})

	if proc.Seq != 0 {
		d.ch.Attach(proc.Seq, hijackInput{hijack})
	}

	go func() {
		defer close(done)
		defer hijack.Close()

		var err error
		if tty {
			_, err = io.Copy(d.ch.Writer(proc.Seq), hijack.Reader)
		} else {
			_, err = stdcopy.StdCopy(d.ch.Writer(proc.Seq), d.ch.Writer(proc.ErrSeq), hijack.Reader)
		}
		if err != nil {
			d.logger.Printf("stream error on seq %d: %v", proc.Seq, err)
		}
	}()

	return done
}

func (d *Docker) waitContainer(id string) int {
	statusCh, errCh := d.client.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		d.logger.Printf("wait container %.12s: %v", id, err)
		return 255
	case status := <-statusCh:
		if status.Error != nil {
			d.logger.Printf("wait container %.12s: %s", id, status.Error.Message)
		}
		return int(status.StatusCode)
	}
}

// finish reports a process exit on the tty channel and to the exit hook.
func (d *Docker) finish(proc *protocol.Process, code int) {
	if proc.Seq != 0 {
		d.mu.Lock()
		delete(d.streams, proc.Seq)
		d.mu.Unlock()
		d.ch.Detach(proc.Seq)
		if err := d.ch.Exit(proc.Seq, code); err != nil {
			d.logger.Printf("warning: report exit of seq %d: %v", proc.Seq, err)
		}
	}
	if d.onExit != nil {
		d.onExit(proc, code)
	}
}

// Exec runs an additional process in a container through docker exec.
// Pod-level processes have no container to run in and are rejected.
func (d *Docker) Exec(ctx context.Context, proc *protocol.Process) error {
	if proc.ContainerID == "" {
		return fmt.Errorf("pod-level processes are not supported by the docker runtime")
	}
	if len(proc.Argv) == 0 {
		return ErrEmptyCommand
	}
	c, err := d.container(proc.ContainerID)
	if err != nil {
		return err
	}

	tty := isTerminal(proc)
	execConfig := container.ExecOptions{
		Cmd:          proc.Argv,
		Tty:          tty,
		AttachStdin:  proc.Seq != 0,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.client.ContainerExecCreate(ctx, c.id, execConfig)
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return fmt.Errorf("attach exec: %w", err)
	}

	if tty {
		d.mu.Lock()
		d.streams[proc.Seq] = func(ctx context.Context, rows, columns uint16) error {
			return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{Height: uint(rows), Width: uint(columns)})
		}
		d.mu.Unlock()
	}

	streamDone := d.pump(proc, tty, resp)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-streamDone

		code := 255
		inspect, err := d.client.ContainerExecInspect(context.Background(), execID.ID)
		if err != nil {
			d.logger.Printf("exec inspect error: %v", err)
		} else {
			code = inspect.ExitCode
		}
		d.finish(proc, code)
	}()

	d.logger.Printf("exec seq %d in %s: %v", proc.Seq, proc.ContainerID, proc.Argv)
	return nil
}

// Signal sends sig to the container's init process.
func (d *Docker) Signal(ctx context.Context, containerID string, sig syscall.Signal) error {
	c, err := d.container(containerID)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrNotRunning, containerID)
	default:
	}

	if err := d.client.ContainerKill(ctx, c.id, signalName(sig)); err != nil {
		return fmt.Errorf("kill container %s: %w", containerID, err)
	}
	return nil
}

// signalName returns the name docker accepts for sig.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}

// Resize resizes the terminal of the container or exec on ws.Seq.
func (d *Docker) Resize(ctx context.Context, ws *protocol.WinSize) error {
	d.mu.Lock()
	resize, ok := d.streams[ws.Seq]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ErrNoTerminal, ws.Seq)
	}
	if err := resize(ctx, ws.Row, ws.Column); err != nil {
		return fmt.Errorf("resize stream %d: %w", ws.Seq, err)
	}
	return nil
}

// WriteFile copies data into the container as a single-file tar archive.
func (d *Docker) WriteFile(ctx context.Context, containerID, file string, data []byte) error {
	c, err := d.container(containerID)
	if err != nil {
		return err
	}

	target := path.Clean("/" + file)
	archive, err := tarFile(path.Base(target), data)
	if err != nil {
		return err
	}

	err = d.client.CopyToContainer(ctx, c.id, path.Dir(target), archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to container %s: %w", containerID, err)
	}
	return nil
}

// ReadFile copies a single regular file out of the container.
func (d *Docker) ReadFile(ctx context.Context, containerID, file string) ([]byte, error) {
	c, err := d.container(containerID)
	if err != nil {
		return nil, err
	}

	rc, _, err := d.client.CopyFromContainer(ctx, c.id, path.Clean("/"+file))
	if err != nil {
		return nil, fmt.Errorf("copy from container %s: %w", containerID, err)
	}
	defer rc.Close()

	return untarFile(rc)
}

// RemoveContainer removes the docker container.
func (d *Docker) RemoveContainer(ctx context.Context, containerID string) error {
	c, err := d.container(containerID)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
	default:
		return fmt.Errorf("container %s is still running", containerID)
	}

	if err := d.client.ContainerRemove(ctx, c.id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	d.mu.Lock()
	delete(d.containers, containerID)
	d.mu.Unlock()
	return nil
}

// Close force-removes every container, waits for their streams to end and
// closes the client.
func (d *Docker) Close() error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.containers))
	for _, c := range d.containers {
		ids = append(ids, c.id)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Printf("warning: remove container %.12s: %v", id, err)
		}
	}

	d.wg.Wait()
	return d.client.Close()
}

func (d *Docker) container(id string) (*dockerContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContainer, id)
	}
	return c, nil
}

// hijackInput writes tty channel input to a hijacked connection. Closing
// it half-closes the connection so the process sees end of input.
type hijackInput struct {
	resp types.HijackedResponse
}

func (h hijackInput) Write(b []byte) (int, error) { return h.resp.Conn.Write(b) }

func (h hijackInput) Close() error { return h.resp.CloseWrite() }

// tarFile builds a tar archive holding one regular file.
func tarFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}

// untarFile returns the contents of the first entry of a tar stream,
// which must be a regular file.
func untarFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty archive")
		}
		return nil, fmt.Errorf("read tar header: %w", err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(hdr.Name))
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read tar body: %w", err)
	}
	return data, nil
}
