// Package client talks to a running agent over its control and tty
// sockets.
package client

import (
	"errors"
	"fmt"
	"hyperstart/pkg/protocol"
	"io"
	"net"
	"sync"
)

// RemoteError is an ERROR reply from the agent.
type RemoteError struct {
	Command protocol.Command
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent rejected %s: %s", e.Command, e.Reason)
}

// Client is a connection to the agent's control socket. Calls are
// serialized; the agent answers each message before reading the next.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to agent at %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one message and waits for its reply. It returns the ACK
// payload, or a *RemoteError for an ERROR reply.
func (c *Client) Call(cmd protocol.Command, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := protocol.WriteMessage(c.conn, protocol.Message{Command: cmd, Payload: payload}); err != nil {
		return nil, err
	}

	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read reply to %s: %w", cmd, err)
	}

	switch reply.Command {
	case protocol.CmdAck:
		return reply.Payload, nil
	case protocol.CmdError:
		return nil, &RemoteError{Command: cmd, Reason: string(reply.Payload)}
	default:
		return nil, fmt.Errorf("unexpected reply %s to %s", reply.Command, cmd)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send dials path, makes a single call and hangs up.
func Send(path string, cmd protocol.Command, payload []byte) ([]byte, error) {
	c, err := Dial(path)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Call(cmd, payload)
}

// Attach relays one process stream over the tty socket at path: frames
// for seq are written to out, and in is sent as input on seq. It returns
// the process exit code once the agent reports it.
func Attach(path string, seq uint64, in io.Reader, out io.Writer) (int, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return -1, fmt.Errorf("connect to tty channel at %s: %w", path, err)
	}
	defer conn.Close()

	if in != nil {
		go relayInput(conn, seq, in)
	}
	return readStream(conn, seq, out)
}

func relayInput(w io.Writer, seq uint64, in io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := protocol.WriteStreamFrame(w, protocol.StreamFrame{Seq: seq, Payload: buf[:n]}); werr != nil {
				return
			}
		}
		if err != nil {
			// An empty frame closes the process's input.
			protocol.WriteStreamFrame(w, protocol.StreamFrame{Seq: seq})
			return
		}
	}
}

// readStream copies frames for seq to out until the exit code arrives.
func readStream(r io.Reader, seq uint64, out io.Writer) (int, error) {
	ended := false
	for {
		f, err := protocol.ReadStreamFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return -1, fmt.Errorf("tty channel closed before stream %d exited", seq)
			}
			return -1, err
		}
		if f.Seq != seq {
			continue
		}

		switch {
		case len(f.Payload) == 0:
			ended = true
		case ended:
			return int(f.Payload[0]), nil
		default:
			if _, err := out.Write(f.Payload); err != nil {
				return -1, fmt.Errorf("write output: %w", err)
			}
		}
	}
}
