// Package protocol decodes the control messages a host orchestrator sends
// to the guest agent and frames them on the wire.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Default socket paths for the control and tty channels.
const (
	DefaultControlSocket = "/var/run/hyperstart/control.sock"
	DefaultTTYSocket     = "/var/run/hyperstart/tty.sock"
)

// APIVersion is reported in reply to GETVERSION.
const APIVersion uint32 = 4244

// Command identifies a control message.
type Command uint32

// Control commands. Gaps are codes retired by older agents.
const (
	CmdGetVersion      Command = 0
	CmdStartPod        Command = 1
	CmdDestroyPod      Command = 4
	CmdExecCmd         Command = 6
	CmdReady           Command = 8
	CmdAck             Command = 9
	CmdError           Command = 10
	CmdWinSize         Command = 11
	CmdPing            Command = 12
	CmdNext            Command = 14
	CmdWriteFile       Command = 15
	CmdReadFile        Command = 16
	CmdNewContainer    Command = 17
	CmdKillContainer   Command = 18
	CmdOnlineCPUMem    Command = 19
	CmdSetupInterface  Command = 20
	CmdSetupRoute      Command = 21
	CmdRemoveContainer Command = 22
)

var commandNames = map[Command]string{
	CmdGetVersion:      "getversion",
	CmdStartPod:        "startpod",
	CmdDestroyPod:      "destroypod",
	CmdExecCmd:         "execcmd",
	CmdReady:           "ready",
	CmdAck:             "ack",
	CmdError:           "error",
	CmdWinSize:         "winsize",
	CmdPing:            "ping",
	CmdNext:            "next",
	CmdWriteFile:       "writefile",
	CmdReadFile:        "readfile",
	CmdNewContainer:    "newcontainer",
	CmdKillContainer:   "killcontainer",
	CmdOnlineCPUMem:    "onlinecpumem",
	CmdSetupInterface:  "setupinterface",
	CmdSetupRoute:      "setuproute",
	CmdRemoveContainer: "removecontainer",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", uint32(c))
}

// ParseCommand maps a command name as printed by String back to its code.
func ParseCommand(name string) (Command, bool) {
	for c, s := range commandNames {
		if s == name {
			return c, true
		}
	}
	return 0, false
}

const (
	// MessageHeaderSize is the command word plus the length word.
	MessageHeaderSize = 8
	// StreamHeaderSize is the sequence number plus the length word.
	StreamHeaderSize = 12
	// DefaultMaxMessageSize bounds a single message, header included.
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// ErrTooLarge is returned for a frame whose declared length exceeds the
// reader's limit.
var ErrTooLarge = errors.New("frame too large")

// Message is one control channel message.
type Message struct {
	Command Command
	Payload []byte
}

// WriteMessage writes a single control message.
// Wire format: [4-byte big-endian command][4-byte big-endian length][payload]
// where length counts the 8-byte header.
func WriteMessage(w io.Writer, m Message) error {
	hdr := make([]byte, MessageHeaderSize, MessageHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.Command))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(MessageHeaderSize+len(m.Payload)))

	// One write per message keeps frames from concurrent writers whole.
	if _, err := w.Write(append(hdr, m.Payload...)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads a single control message of at most
// DefaultMaxMessageSize bytes.
func ReadMessage(r io.Reader) (Message, error) {
	return ReadMessageLimit(r, DefaultMaxMessageSize)
}

// ReadMessageLimit reads a single control message of at most max bytes.
func ReadMessageLimit(r io.Reader, max int) (Message, error) {
	var m Message

	hdr := make([]byte, MessageHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return m, fmt.Errorf("read message header: %w", err)
	}
	m.Command = Command(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])

	if length < MessageHeaderSize {
		return m, fmt.Errorf("read message: length %d shorter than header", length)
	}
	if int64(length) > int64(max) {
		return m, fmt.Errorf("%w: %s message of %d bytes", ErrTooLarge, m.Command, length)
	}

	if n := length - MessageHeaderSize; n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return m, fmt.Errorf("read message payload: %w", err)
		}
	}

	return m, nil
}

// WriteAck acknowledges the last message. data is the reply payload, if any.
func WriteAck(w io.Writer, data []byte) error {
	return WriteMessage(w, Message{Command: CmdAck, Payload: data})
}

// WriteError reports a failed command with a human-readable reason.
func WriteError(w io.Writer, reason string) error {
	return WriteMessage(w, Message{Command: CmdError, Payload: []byte(reason)})
}

// StreamFrame is one chunk of tty channel data for the process or
// terminal identified by Seq.
type StreamFrame struct {
	Seq     uint64
	Payload []byte
}

// WriteStreamFrame writes a single tty channel frame.
// Wire format: [8-byte big-endian seq][4-byte big-endian length][payload]
// where length counts the 12-byte header. An empty payload marks the end
// of the stream.
func WriteStreamFrame(w io.Writer, f StreamFrame) error {
	buf := make([]byte, StreamHeaderSize, StreamHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(StreamHeaderSize+len(f.Payload)))

	if _, err := w.Write(append(buf, f.Payload...)); err != nil {
		return fmt.Errorf("write stream frame: %w", err)
	}
	return nil
}

// ReadStreamFrame reads a single tty channel frame.
func ReadStreamFrame(r io.Reader) (StreamFrame, error) {
	var f StreamFrame

	hdr := make([]byte, StreamHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return f, fmt.Errorf("read stream header: %w", err)
	}
	f.Seq = binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])

	if length < StreamHeaderSize {
		return f, fmt.Errorf("read stream frame: length %d shorter than header", length)
	}
	if length > DefaultMaxMessageSize {
		return f, fmt.Errorf("%w: stream %d frame of %d bytes", ErrTooLarge, f.Seq, length)
	}

	if n := length - StreamHeaderSize; n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, fmt.Errorf("read stream payload: %w", err)
		}
	}

	return f, nil
}

// WriteExitCode sends the exit status of the process on seq: an empty
// frame followed by a one-byte frame holding the code.
func WriteExitCode(w io.Writer, seq uint64, code int) error {
	if err := WriteStreamFrame(w, StreamFrame{Seq: seq}); err != nil {
		return err
	}
	return WriteStreamFrame(w, StreamFrame{Seq: seq, Payload: []byte{byte(code)}})
}
