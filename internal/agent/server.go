// Package agent implements the guest agent server. It listens on the
// control socket, decodes each message, applies it to the pod state and
// the container runtime, and relays process streams over the tty socket.
package agent

import (
	"context"
	"errors"
	"fmt"
	"hyperstart/internal/config"
	"hyperstart/internal/podstate"
	"hyperstart/internal/runtime"
	"hyperstart/pkg/protocol"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the configuration for the agent server.
type Config struct {
	ControlSocket  string
	TTYSocket      string // empty disables the tty channel
	AuditPath      string
	AllowedUIDs    []int // empty allows only the agent's own uid
	MaxMessageSize int
	Decoder        *protocol.Decoder
	Pods           *podstate.Manager

	// NewRuntime creates the container backend. The server supplies the
	// tty channel and exit hook in the runtime config.
	NewRuntime func(runtime.Config) (runtime.Runtime, error)

	Logger *log.Logger
}

// Server is the guest agent.
type Server struct {
	config  Config
	logger  *log.Logger
	pods    *podstate.Manager
	rt      runtime.Runtime
	audit   *AuditLogger
	out     *ttyOutput
	channel *protocol.TTYChannel

	settings atomic.Pointer[settings]

	// mu serializes message handling across connections.
	mu sync.Mutex

	exitMu sync.Mutex
	exits  map[string]chan struct{} // closed when a container's init exits

	listener    net.Listener
	ttyListener net.Listener
	connMu      sync.Mutex
	conns       map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// settings are the parts of the configuration that can change on reload.
type settings struct {
	decoder    *protocol.Decoder
	allowed    map[uint32]bool
	maxMessage int
}

func newSettings(decoder *protocol.Decoder, uids []int, maxMessage int) *settings {
	if decoder == nil {
		decoder = protocol.NewDecoder(protocol.DecoderConfig{})
	}
	if maxMessage <= 0 {
		maxMessage = protocol.DefaultMaxMessageSize
	}
	allowed := make(map[uint32]bool, len(uids)+1)
	if len(uids) == 0 {
		allowed[uint32(os.Getuid())] = true
	}
	for _, uid := range uids {
		allowed[uint32(uid)] = true
	}
	return &settings{decoder: decoder, allowed: allowed, maxMessage: maxMessage}
}

// NewServer creates an agent server and its runtime.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[agent] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Pods == nil {
		return nil, fmt.Errorf("pod state manager is required")
	}
	if cfg.NewRuntime == nil {
		return nil, fmt.Errorf("runtime constructor is required")
	}

	auditLogger, err := NewAuditLogger(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		pods:   cfg.Pods,
		audit:  auditLogger,
		out:    newTTYOutput(cfg.Logger),
		exits:  make(map[string]chan struct{}),
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.channel = protocol.NewTTYChannel(s.out)
	s.settings.Store(newSettings(cfg.Decoder, cfg.AllowedUIDs, cfg.MaxMessageSize))

	s.rt, err = cfg.NewRuntime(runtime.Config{
		Channel: s.channel,
		OnExit:  s.processExited,
	})
	if err != nil {
		cancel()
		auditLogger.Close()
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	return s, nil
}

// Reload applies a new configuration. Socket paths, the runtime and the
// audit log are fixed at startup; changes to them only log a warning.
func (s *Server) Reload(cfg *config.Config) {
	if cfg.ControlSocket != s.config.ControlSocket || cfg.TTYSocket != s.config.TTYSocket {
		s.logger.Printf("warning: socket path changes need a restart")
	}
	if cfg.AuditPath != s.config.AuditPath {
		s.logger.Printf("warning: audit path changes need a restart")
	}

	s.settings.Store(newSettings(protocol.NewDecoder(cfg.DecoderConfig()), cfg.AllowedUIDs, cfg.MaxMessageSize))
	s.logger.Printf("configuration reloaded (allowed uids=%v, max message=%d)", cfg.AllowedUIDs, cfg.MaxMessageSize)
}

// ListenAndServe listens on the control and tty sockets and serves
// connections until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := listenUnix(s.config.ControlSocket)
	if err != nil {
		return err
	}
	defer listener.Close()

	var ttyListener net.Listener
	if s.config.TTYSocket != "" {
		ttyListener, err = listenUnix(s.config.TTYSocket)
		if err != nil {
			return err
		}
	}

	s.connMu.Lock()
	if s.ctx.Err() != nil {
		s.connMu.Unlock()
		if ttyListener != nil {
			ttyListener.Close()
		}
		return nil
	}
	s.listener, s.ttyListener = listener, ttyListener
	s.connMu.Unlock()

	if ttyListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTTY(ttyListener)
		}()
	}

	s.logger.Printf("listening on %s (tty=%s)", s.config.ControlSocket, s.config.TTYSocket)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func listenUnix(path string) (net.Listener, error) {
	os.Remove(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	// Access is checked per connection against the allowed uids.
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Shutdown stops accepting connections, closes open ones, and stops every
// container process.
func (s *Server) Shutdown() {
	s.connMu.Lock()
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.ttyListener != nil {
		s.ttyListener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	if conn := s.out.set(nil); conn != nil {
		conn.Close()
	}

	s.wg.Wait()

	if err := s.rt.Close(); err != nil {
		s.logger.Printf("warning: close runtime: %v", err)
	}
	s.audit.Close()
}

// Channel returns the tty channel process streams are multiplexed on.
func (s *Server) Channel() *protocol.TTYChannel {
	return s.channel
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		if s.ctx.Err() != nil {
			conn.Close()
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// authorize checks the peer of conn against the allowed uids.
func (s *Server) authorize(conn net.Conn) error {
	creds, err := extractPeerCreds(conn)
	if err != nil {
		return err
	}
	if !s.settings.Load().allowed[creds.UID] {
		return fmt.Errorf("uid %d (pid %d) is not allowed", creds.UID, creds.PID)
	}
	return nil
}

// handleConnection serves control messages from one host connection.
// Every message gets exactly one ACK or ERROR reply.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	s.track(conn, true)
	defer s.track(conn, false)

	if err := s.authorize(conn); err != nil {
		s.logger.Printf("rejected control connection: %v", err)
		return
	}

	for {
		msg, err := protocol.ReadMessageLimit(conn, s.settings.Load().maxMessage)
		if err != nil {
			if errors.Is(err, protocol.ErrTooLarge) {
				// The payload was not consumed; the stream cannot continue.
				protocol.WriteError(conn, err.Error())
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Printf("read message error: %v", err)
			}
			return
		}

		reply, err := s.handle(msg)
		if err != nil {
			err = protocol.WriteError(conn, err.Error())
		} else {
			err = protocol.WriteAck(conn, reply)
		}
		if err != nil {
			s.logger.Printf("write reply error: %v", err)
			return
		}
	}
}

// handle processes one message under the server lock and audits it.
func (s *Server) handle(msg protocol.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	entry := AuditEntry{Command: msg.Command.String(), Bytes: len(msg.Payload)}

	reply, err := s.dispatch(s.ctx, msg, &entry)

	entry.Duration = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		entry.Result = "error"
		entry.Error = err.Error()
		s.logger.Printf("%s failed: %v", msg.Command, err)
	} else {
		entry.Result = "ack"
	}
	if aerr := s.audit.Log(entry); aerr != nil {
		s.logger.Printf("warning: %v", aerr)
	}

	return reply, err
}

// processExited is the runtime's exit hook.
func (s *Server) processExited(proc *protocol.Process, code int) {
	if !proc.Init {
		s.logger.Printf("exec seq %d in %q exited with %d", proc.Seq, proc.ContainerID, code)
		return
	}

	s.logger.Printf("container %s exited with %d", proc.ContainerID, code)
	if err := s.pods.MarkExited(proc.ContainerID, code); err != nil && !errors.Is(err, podstate.ErrNotFound) {
		s.logger.Printf("warning: record exit of %s: %v", proc.ContainerID, err)
	}

	s.exitMu.Lock()
	if ch, ok := s.exits[proc.ContainerID]; ok {
		close(ch)
		delete(s.exits, proc.ContainerID)
	}
	s.exitMu.Unlock()
}

// watchExit registers a container whose init exit should be waited for.
func (s *Server) watchExit(id string) {
	s.exitMu.Lock()
	s.exits[id] = make(chan struct{})
	s.exitMu.Unlock()
}

func (s *Server) forgetExit(id string) {
	s.exitMu.Lock()
	delete(s.exits, id)
	s.exitMu.Unlock()
}

// exited returns a channel closed once the container's init has exited.
func (s *Server) exited(id string) <-chan struct{} {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()

	if ch, ok := s.exits[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}
