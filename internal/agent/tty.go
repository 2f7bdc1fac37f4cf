package agent

import (
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ttyWriteTimeout bounds a single write to the tty connection. A host
// that stops reading loses its connection instead of stalling every
// process.
const ttyWriteTimeout = 10 * time.Second

// ttyOutput is the writer behind the tty channel. Frames go to the
// current tty connection and are dropped while the host has none, so
// processes never block on a missing reader. Writes are serialized by
// the channel; mu only guards conn and is never held across a write.
type ttyOutput struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	dropped rate.Sometimes
	logger  *log.Logger
}

func newTTYOutput(logger *log.Logger) *ttyOutput {
	return &ttyOutput{
		timeout: ttyWriteTimeout,
		dropped: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		logger:  logger,
	}
}

func (t *ttyOutput) Write(p []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.dropped.Do(func() {
			t.logger.Printf("warning: no tty connection, dropping process output")
		})
		return len(p), nil
	}

	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if _, err := conn.Write(p); err != nil {
		t.logger.Printf("warning: tty connection lost: %v", err)
		t.clear(conn)
		conn.Close()
	}
	return len(p), nil
}

// set makes conn the current tty connection and returns the previous one.
func (t *ttyOutput) set(conn net.Conn) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.conn
	t.conn = conn
	return prev
}

// clear drops conn if it is still the current connection.
func (t *ttyOutput) clear(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
}

// serveTTY accepts tty connections. The newest connection replaces the
// previous one: it receives all process output and its frames are routed
// to process input.
func (s *Server) serveTTY(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("tty accept error: %v", err)
				continue
			}
		}

		if err := s.authorize(conn); err != nil {
			s.logger.Printf("rejected tty connection: %v", err)
			conn.Close()
			continue
		}

		if prev := s.out.set(conn); prev != nil {
			s.logger.Printf("tty connection replaced")
			prev.Close()
		}
		if s.ctx.Err() != nil {
			s.out.clear(conn)
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			defer s.out.clear(conn)

			if err := s.channel.Serve(conn); err != nil && s.ctx.Err() == nil {
				s.logger.Printf("tty channel: %v", err)
			}
		}()
	}
}
