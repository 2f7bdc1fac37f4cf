package protocol

import (
	"errors"
	"fmt"
	"hyperstart/pkg/jsmn"
	"io"
	"log"
	"syscall"
)

// Initial token buffer sizes. Pod and container specs are large; the
// command messages rarely need more than a handful of tokens.
const (
	DefaultSpecTokens    = 100
	DefaultCommandTokens = 10
)

// DecoderConfig holds configuration for creating a Decoder.
type DecoderConfig struct {
	SpecTokens    int // initial token capacity for STARTPOD and NEWCONTAINER
	CommandTokens int // initial token capacity for every other message
	Logger        *log.Logger
}

// Decoder turns control message payloads into typed requests. A Decoder
// holds no per-message state and is safe for concurrent use.
type Decoder struct {
	specTokens    int
	commandTokens int
	logger        *log.Logger
}

// NewDecoder creates a decoder. Zero values in cfg take the defaults; a nil
// Logger discards output.
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.SpecTokens <= 0 {
		cfg.SpecTokens = DefaultSpecTokens
	}
	if cfg.CommandTokens <= 0 {
		cfg.CommandTokens = DefaultCommandTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Decoder{
		specTokens:    cfg.SpecTokens,
		commandTokens: cfg.CommandTokens,
		logger:        cfg.Logger,
	}
}

var defaultDecoder = NewDecoder(DecoderConfig{})

// DecodePod decodes a STARTPOD payload with the default decoder.
func DecodePod(data []byte) (*PodSpec, error) { return defaultDecoder.Pod(data) }

// DecodeContainer decodes a NEWCONTAINER payload with the default decoder.
func DecodeContainer(data []byte) (*Container, error) { return defaultDecoder.Container(data) }

// DecodeKill decodes a KILLCONTAINER payload with the default decoder.
func DecodeKill(data []byte) (*KillRequest, error) { return defaultDecoder.Kill(data) }

// DecodeWinSize decodes a WINSIZE payload with the default decoder.
func DecodeWinSize(data []byte) (*WinSize, error) { return defaultDecoder.WinSize(data) }

// DecodeExec decodes an EXECCMD payload with the default decoder.
func DecodeExec(data []byte) (*Process, error) { return defaultDecoder.Exec(data) }

// DecodeWriteFile decodes a WRITEFILE payload with the default decoder.
func DecodeWriteFile(data []byte) (*WriteFileRequest, error) { return defaultDecoder.WriteFile(data) }

// DecodeReadFile decodes a READFILE payload with the default decoder.
func DecodeReadFile(data []byte) (*ReadFileRequest, error) { return defaultDecoder.ReadFile(data) }

// tokenize runs the tokenizer over data, doubling the token buffer and
// starting over each time it runs out. No input holds more tokens than
// bytes, so the loop ends.
func (d *Decoder) tokenize(data []byte, capacity int, first bool) (*cursor, error) {
	p := jsmn.Parser{First: first}
	for {
		toks := make([]jsmn.Token, capacity)
		n, err := p.Parse(data, toks)
		if err == nil {
			return &cursor{js: data, toks: toks[:n]}, nil
		}
		if !errors.Is(err, jsmn.ErrNoMem) {
			return nil, fmt.Errorf("%w: %w", ErrSyntax, err)
		}
		capacity *= 2
		d.logger.Printf("token buffer exhausted, retrying with %d tokens", capacity)
	}
}

// whole checks that a decode step covered the entire token stream.
func (c *cursor) whole(n int, what string) error {
	if n != len(c.toks) {
		return fmt.Errorf("%w: %s spans %d of %d tokens", ErrStructure, what, n, len(c.toks))
	}
	return nil
}

// Pod decodes a STARTPOD payload. A pod without containers is valid.
func (d *Decoder) Pod(data []byte) (*PodSpec, error) {
	c, err := d.tokenize(data, d.specTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode pod: %w", err)
	}

	pod := &PodSpec{RestartPolicy: RestartNever}
	n, err := c.object(0, "pod", func(key string, k, v int) (int, error) {
		var (
			n   int
			err error
		)
		switch key {
		case "containers":
			pod.Containers, n, err = decodeArray(c, v, "containers", c.container)
		case "interfaces":
			pod.Interfaces, n, err = decodeArray(c, v, "interfaces", c.iface)
		case "routes":
			pod.Routes, n, err = decodeArray(c, v, "routes", c.route)
		case "dns":
			pod.DNS, n, err = c.strings(v, "dns")
		case "shareDir":
			n, err = c.setString(&pod.ShareTag, v, "shareDir")
		case "hostname":
			n, err = c.setString(&pod.Hostname, v, "hostname")
		case "restartPolicy":
			var t jsmn.Token
			if t, err = c.scalar(v, "restartPolicy"); err == nil {
				pod.RestartPolicy = parseRestartPolicy(c.raw(t))
				n = 1
			}
		default:
			err = c.unknown("pod", key)
		}
		return n, err
	})
	if err == nil {
		err = c.whole(n, "pod")
	}
	if err != nil {
		return nil, fmt.Errorf("decode pod: %w", err)
	}

	d.logger.Printf("pod %s: %d containers, %d interfaces, %d routes, %d dns servers, restart %s",
		pod.Hostname, len(pod.Containers), len(pod.Interfaces), len(pod.Routes), len(pod.DNS), pod.RestartPolicy)
	return pod, nil
}

func parseRestartPolicy(raw []byte) RestartPolicy {
	switch string(raw) {
	case "always":
		return RestartAlways
	case "onFailure":
		return RestartOnFailure
	default:
		return RestartNever
	}
}

// Container decodes a NEWCONTAINER payload: a single container object.
func (d *Decoder) Container(data []byte) (*Container, error) {
	c, err := d.tokenize(data, d.specTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode container: %w", err)
	}

	ct, n, err := c.container(0)
	if err == nil {
		err = c.whole(n, "container")
	}
	if err != nil {
		return nil, fmt.Errorf("decode container: %w", err)
	}

	d.logger.Printf("container %s: image=%s rootfs=%s argc=%d", ct.ID, ct.Image, ct.Rootfs, len(ct.Process.Argv))
	return ct, nil
}

// Kill decodes a KILLCONTAINER payload.
func (d *Decoder) Kill(data []byte) (*KillRequest, error) {
	c, err := d.tokenize(data, d.commandTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode kill: %w", err)
	}

	var (
		req       KillRequest
		signal    int64
		hasSignal bool
		hasID     bool
	)
	n, err := c.object(0, "kill", func(key string, k, v int) (int, error) {
		switch key {
		case "container":
			hasID = true
			return c.setString(&req.ContainerID, v, "container")
		case "signal":
			hasSignal = true
			return c.setInt(&signal, v, 32, "signal")
		default:
			return 0, c.unknown("kill", key)
		}
	})
	if err == nil {
		err = c.whole(n, "kill")
	}
	if err == nil {
		err = require("kill", "container", hasID, "signal", hasSignal)
	}
	if err != nil {
		return nil, fmt.Errorf("decode kill: %w", err)
	}

	req.Signal = syscall.Signal(signal)
	return &req, nil
}

// WinSize decodes a WINSIZE payload.
func (d *Decoder) WinSize(data []byte) (*WinSize, error) {
	c, err := d.tokenize(data, d.commandTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode winsize: %w", err)
	}

	var (
		ws                             WinSize
		row, column                    uint64
		hasTTY, hasSeq, hasRow, hasCol bool
	)
	n, err := c.object(0, "winsize", func(key string, k, v int) (int, error) {
		switch key {
		case "tty":
			hasTTY = true
			return c.setString(&ws.TTY, v, "tty")
		case "seq":
			hasSeq = true
			return c.setUint(&ws.Seq, v, 64, "seq")
		case "row":
			hasRow = true
			return c.setUint(&row, v, 16, "row")
		case "column":
			hasCol = true
			return c.setUint(&column, v, 16, "column")
		default:
			return 0, c.unknown("winsize", key)
		}
	})
	if err == nil {
		err = c.whole(n, "winsize")
	}
	if err == nil {
		err = require("winsize", "tty", hasTTY, "seq", hasSeq, "row", hasRow, "column", hasCol)
	}
	if err != nil {
		return nil, fmt.Errorf("decode winsize: %w", err)
	}

	ws.Row = uint16(row)
	ws.Column = uint16(column)
	return &ws, nil
}

// Exec decodes an EXECCMD payload. The container is optional; an exec
// without one starts a pod-level process. seq is required.
func (d *Decoder) Exec(data []byte) (*Process, error) {
	c, err := d.tokenize(data, d.commandTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode exec: %w", err)
	}

	var (
		proc   Process
		hasSeq bool
	)
	n, err := c.object(0, "exec", func(key string, k, v int) (int, error) {
		switch key {
		case "container":
			return c.setString(&proc.ContainerID, v, "container")
		case "seq":
			hasSeq = true
			return c.setUint(&proc.Seq, v, 64, "seq")
		case "cmd":
			argv, n, err := c.strings(v, "cmd")
			if err != nil {
				return 0, err
			}
			proc.Argv = argv
			return n, nil
		default:
			return 0, c.unknown("exec", key)
		}
	})
	if err == nil {
		err = c.whole(n, "exec")
	}
	if err == nil {
		err = require("exec", "seq", hasSeq)
	}
	if err != nil {
		return nil, fmt.Errorf("decode exec: %w", err)
	}

	d.logger.Printf("exec seq %d in %q: argc=%d", proc.Seq, proc.ContainerID, len(proc.Argv))
	return &proc, nil
}

// WriteFile decodes a WRITEFILE payload. Only the leading object is JSON;
// every byte after it is file content and is copied without unescaping.
func (d *Decoder) WriteFile(data []byte) (*WriteFileRequest, error) {
	c, err := d.tokenize(data, d.commandTokens, true)
	if err != nil {
		return nil, fmt.Errorf("decode writefile: %w", err)
	}

	var req WriteFileRequest
	hasID, hasFile, err := c.fileHeader(&req.ContainerID, &req.File, "writefile")
	if err == nil {
		err = require("writefile", "container", hasID, "file", hasFile)
	}
	if err != nil {
		return nil, fmt.Errorf("decode writefile: %w", err)
	}

	payload := data[c.toks[0].End:]
	req.Data = make([]byte, len(payload))
	copy(req.Data, payload)

	d.logger.Printf("writefile %s in %s: %d bytes", req.File, req.ContainerID, len(req.Data))
	return &req, nil
}

// ReadFile decodes a READFILE payload.
func (d *Decoder) ReadFile(data []byte) (*ReadFileRequest, error) {
	c, err := d.tokenize(data, d.commandTokens, false)
	if err != nil {
		return nil, fmt.Errorf("decode readfile: %w", err)
	}

	var req ReadFileRequest
	hasID, hasFile, err := c.fileHeader(&req.ContainerID, &req.File, "readfile")
	if err == nil {
		err = require("readfile", "container", hasID, "file", hasFile)
	}
	if err != nil {
		return nil, fmt.Errorf("decode readfile: %w", err)
	}
	return &req, nil
}

// fileHeader decodes the {"container":..., "file":...} object shared by
// the file messages.
func (c *cursor) fileHeader(id, file *string, what string) (hasID, hasFile bool, err error) {
	n, err := c.object(0, what, func(key string, k, v int) (int, error) {
		switch key {
		case "container":
			hasID = true
			return c.setString(id, v, "container")
		case "file":
			hasFile = true
			return c.setString(file, v, "file")
		default:
			return 0, c.unknown(what, key)
		}
	})
	if err == nil {
		err = c.whole(n, what)
	}
	return hasID, hasFile, err
}

// require takes name/present pairs and reports the first absent field.
func require(what string, fields ...any) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if present, _ := fields[i+1].(bool); !present {
			return fmt.Errorf("%w: %s in %s", ErrMissingField, fields[i], what)
		}
	}
	return nil
}

