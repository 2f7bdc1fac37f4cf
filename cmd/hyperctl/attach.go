package main

import (
	"encoding/json"
	"fmt"
	"hyperstart/internal/client"
	"hyperstart/pkg/protocol"
	"io"
	"os"

	"github.com/moby/term"
	"github.com/spf13/pflag"
)

func runAttach(args []string) (int, error) {
	var socket, ttySocket, ttyName string
	var seq uint64
	var noStdin bool

	flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	flagSet.StringVarP(&socket, "socket", "s", protocol.DefaultControlSocket, "agent control socket, used to resize the terminal")
	flagSet.StringVar(&ttySocket, "tty-socket", protocol.DefaultTTYSocket, "agent tty socket")
	flagSet.Uint64Var(&seq, "seq", 0, "stream sequence number of the process")
	flagSet.StringVar(&ttyName, "tty", "", "terminal name; when set the local terminal goes raw and its size is sent")
	flagSet.BoolVar(&noStdin, "no-stdin", false, "do not forward standard input")
	if err := flagSet.Parse(args); err != nil {
		return 0, err
	}
	if seq == 0 {
		return 0, fmt.Errorf("attach needs --seq")
	}

	var in io.Reader = os.Stdin
	if noStdin {
		in = nil
	}

	if ttyName != "" {
		fd, isTerminal := term.GetFdInfo(os.Stdin)
		if isTerminal {
			state, err := term.SetRawTerminal(fd)
			if err != nil {
				return 0, fmt.Errorf("set raw terminal: %w", err)
			}
			defer term.RestoreTerminal(fd, state)

			if err := sendWinSize(socket, ttyName, seq, fd); err != nil {
				fmt.Fprintf(os.Stderr, "hyperctl: warning: %v\r\n", err)
			}
		}
	}

	return client.Attach(ttySocket, seq, in, os.Stdout)
}

// sendWinSize tells the agent the size of the local terminal.
func sendWinSize(socket, ttyName string, seq uint64, fd uintptr) error {
	ws, err := term.GetWinsize(fd)
	if err != nil {
		return fmt.Errorf("get terminal size: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"tty":    ttyName,
		"seq":    seq,
		"row":    ws.Height,
		"column": ws.Width,
	})
	if err != nil {
		return err
	}
	if _, err := client.Send(socket, protocol.CmdWinSize, payload); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}
