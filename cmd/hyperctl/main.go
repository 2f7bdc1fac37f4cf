// Command hyperctl is the operator tool for the guest agent. It decodes
// control message payloads offline, sends messages to a running agent,
// attaches to process streams and prints the audit log.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

const usage = `hyperctl - guest agent operator tool

Usage: hyperctl <command> [options]

Commands:
  decode   Decode a message payload and print the result
  send     Send a message to the agent and print the reply
  attach   Relay a process stream to this terminal
  audit    Print the agent audit log
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "decode":
		err = runDecode(args)
	case "send":
		err = runSend(args)
	case "attach":
		var code int
		code, err = runAttach(args)
		if err == nil {
			os.Exit(code)
		}
	case "audit":
		err = runAudit(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "hyperctl: %v\n", err)
		os.Exit(1)
	}
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
