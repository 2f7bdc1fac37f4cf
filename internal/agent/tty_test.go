package agent

import (
	"bytes"
	"hyperstart/pkg/protocol"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

type chanSink struct {
	data   chan []byte
	closed chan struct{}
}

func (s *chanSink) Write(p []byte) (int, error) {
	s.data <- append([]byte(nil), p...)
	return len(p), nil
}

func (s *chanSink) Close() error {
	close(s.closed)
	return nil
}

func TestTTYOutputWithoutConnection(t *testing.T) {
	var logs bytes.Buffer
	out := newTTYOutput(log.New(&logs, "", 0))

	for i := 0; i < 3; i++ {
		if n, err := out.Write([]byte("lost")); n != 4 || err != nil {
			t.Fatalf("Write: got %d, %v, want 4, nil", n, err)
		}
	}
	if got := bytes.Count(logs.Bytes(), []byte("dropping")); got != 1 {
		t.Errorf("drop warnings: got %d, want 1", got)
	}
}

func TestTTYOutputSwitch(t *testing.T) {
	out := newTTYOutput(log.New(io.Discard, "", 0))
	a, peer := net.Pipe()
	defer peer.Close()

	if prev := out.set(a); prev != nil {
		t.Errorf("previous connection: got %v, want nil", prev)
	}
	go out.Write([]byte("hi"))

	buf := make([]byte, 2)
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hi" {
		t.Errorf("got %q, want %q", buf, "hi")
	}

	out.clear(net.Conn(nil))
	if out.set(nil) != a {
		t.Error("clear of another connection should keep the current one")
	}
}

func TestTTYOutputStalledReader(t *testing.T) {
	out := newTTYOutput(log.New(io.Discard, "", 0))
	out.timeout = 50 * time.Millisecond
	a, peer := net.Pipe()
	defer peer.Close()
	out.set(a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if n, err := out.Write([]byte("nobody reads")); n != 12 || err != nil {
			t.Errorf("Write: got %d, %v, want 12, nil", n, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Write blocked on a peer that never reads")
	}

	if conn := out.set(nil); conn != nil {
		t.Errorf("stalled connection kept: got %v, want nil", conn)
	}
}

func TestTTYOutputSwitchDuringStalledWrite(t *testing.T) {
	out := newTTYOutput(log.New(io.Discard, "", 0))
	a, peer := net.Pipe()
	defer peer.Close()
	out.set(a)

	written := make(chan struct{})
	go func() {
		defer close(written)
		out.Write([]byte("nobody reads"))
	}()
	time.Sleep(20 * time.Millisecond)

	switched := make(chan net.Conn, 1)
	go func() { switched <- out.set(nil) }()
	select {
	case conn := <-switched:
		if conn != nil {
			conn.Close()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("set blocked behind a stalled write")
	}

	select {
	case <-written:
	case <-time.After(5 * time.Second):
		t.Fatal("closing the connection did not end the write")
	}
}

func TestShutdownWithStalledTTYReader(t *testing.T) {
	ts := newTestServer(t)

	errCh := make(chan error, 1)
	go func() { errCh <- ts.ListenAndServe() }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		if conn, err = net.Dial("unix", ts.config.TTYSocket); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for i := 0; ; i++ {
		ts.out.mu.Lock()
		attached := ts.out.conn != nil
		ts.out.mu.Unlock()
		if attached {
			break
		}
		if i == 250 {
			t.Fatal("tty connection was not accepted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Far more than a socket buffer holds; the peer never reads.
	chunk := bytes.Repeat([]byte("x"), 64*1024)
	go func() {
		w := ts.Channel().Writer(1)
		for i := 0; i < 64; i++ {
			w.Write(chunk)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		ts.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown hung on a tty peer that never reads")
	}
	<-errCh
}

func TestTTYRelay(t *testing.T) {
	ts := newTestServer(t)

	errCh := make(chan error, 1)
	go func() { errCh <- ts.ListenAndServe() }()
	t.Cleanup(func() {
		ts.Shutdown()
		<-errCh
	})

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		if conn, err = net.Dial("unix", ts.config.TTYSocket); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sink := &chanSink{data: make(chan []byte, 1), closed: make(chan struct{})}
	ts.Channel().Attach(6, sink)

	protocol.WriteStreamFrame(conn, protocol.StreamFrame{Seq: 6, Payload: []byte("stdin")})
	select {
	case got := <-sink.data:
		if string(got) != "stdin" {
			t.Errorf("input: got %q, want %q", got, "stdin")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input frame was not routed")
	}

	if err := ts.Channel().Exit(6, 3); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := protocol.ReadStreamFrame(conn)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if f.Seq != 6 || len(f.Payload) != 0 {
		t.Errorf("end frame: got seq %d %q", f.Seq, f.Payload)
	}
	f, err = protocol.ReadStreamFrame(conn)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if f.Seq != 6 || !bytes.Equal(f.Payload, []byte{3}) {
		t.Errorf("exit frame: got seq %d %v", f.Seq, f.Payload)
	}

	protocol.WriteStreamFrame(conn, protocol.StreamFrame{Seq: 6})
	select {
	case <-sink.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("empty frame did not close the input")
	}
}
