package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Input for one process is queued and written by its own goroutine, so a
// process that stops reading stdin only stalls its own stream.
const (
	inputQueueLen       = 64
	defaultInputTimeout = 10 * time.Second
)

// TTYChannel multiplexes process streams over one tty connection. Output
// from every process goes out as frames tagged with its sequence number;
// frames coming in are routed to the input sink attached for their seq.
type TTYChannel struct {
	mu    sync.Mutex // serializes frame writes
	w     io.Writer
	sinks sync.Map // uint64 -> *input

	// inputTimeout bounds how long a full input queue may hold up the
	// reader before its sink is dropped.
	inputTimeout time.Duration
}

// NewTTYChannel creates a channel that writes frames to w.
func NewTTYChannel(w io.Writer) *TTYChannel {
	return &TTYChannel{w: w, inputTimeout: defaultInputTimeout}
}

type input struct {
	sink   io.WriteCloser
	frames chan []byte // an empty payload ends the input
	quit   chan struct{}
	once   sync.Once
}

func (in *input) stop() {
	in.once.Do(func() { close(in.quit) })
}

func (t *TTYChannel) runInput(seq uint64, in *input) {
	for {
		select {
		case p := <-in.frames:
			if len(p) == 0 {
				in.stop()
				in.sink.Close()
				return
			}
			if _, err := in.sink.Write(p); err != nil {
				t.sinks.CompareAndDelete(seq, in)
				in.stop()
				in.sink.Close()
				return
			}
		case <-in.quit:
			return
		}
	}
}

// Attach routes incoming frames for seq to sink. An empty incoming frame
// closes the sink and detaches it.
func (t *TTYChannel) Attach(seq uint64, sink io.WriteCloser) {
	in := &input{
		sink:   sink,
		frames: make(chan []byte, inputQueueLen),
		quit:   make(chan struct{}),
	}
	if prev, ok := t.sinks.Swap(seq, in); ok {
		prev.(*input).stop()
	}
	go t.runInput(seq, in)
}

// Detach stops routing frames for seq. The sink is not closed and frames
// still queued for it are discarded.
func (t *TTYChannel) Detach(seq uint64) {
	if v, ok := t.sinks.LoadAndDelete(seq); ok {
		v.(*input).stop()
	}
}

// Send writes one frame.
func (t *TTYChannel) Send(f StreamFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteStreamFrame(t.w, f)
}

// Exit reports the exit status of the process on seq.
func (t *TTYChannel) Exit(seq uint64, code int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteExitCode(t.w, seq, code)
}

// Writer returns a writer whose writes become frames on seq. A zero seq
// discards everything; it stands for a stream the host did not ask for.
func (t *TTYChannel) Writer(seq uint64) io.Writer {
	if seq == 0 {
		return io.Discard
	}
	return &seqWriter{ch: t, seq: seq}
}

type seqWriter struct {
	ch  *TTYChannel
	seq uint64
}

func (w *seqWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.ch.Send(StreamFrame{Seq: w.seq, Payload: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Serve reads frames from r until it fails and routes them to the attached
// sinks. Frames for unknown seqs are dropped. A sink whose queue stays full
// for the input timeout is dropped and closed. Serve returns nil on a clean
// EOF.
func (t *TTYChannel) Serve(r io.Reader) error {
	for {
		f, err := ReadStreamFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serve tty channel: %w", err)
		}

		v, ok := t.sinks.Load(f.Seq)
		if !ok {
			continue
		}
		in := v.(*input)
		if len(f.Payload) == 0 {
			t.sinks.CompareAndDelete(f.Seq, in)
		}
		t.enqueue(f.Seq, in, f.Payload)
	}
}

func (t *TTYChannel) enqueue(seq uint64, in *input, p []byte) {
	select {
	case in.frames <- p:
		return
	case <-in.quit:
		return
	default:
	}

	timer := time.NewTimer(t.inputTimeout)
	defer timer.Stop()
	select {
	case in.frames <- p:
	case <-in.quit:
	case <-timer.C:
		t.sinks.CompareAndDelete(seq, in)
		in.stop()
		// Closing may block (a pty gets an end-of-file byte).
		go in.sink.Close()
	}
}
