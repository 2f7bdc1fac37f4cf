package main

import (
	"encoding/binary"
	"fmt"
	"hyperstart/internal/client"
	"hyperstart/pkg/protocol"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

func runSend(args []string) error {
	var socket, payloadPath string
	var noCheck bool

	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	flagSet.StringVarP(&socket, "socket", "s", protocol.DefaultControlSocket, "agent control socket")
	flagSet.StringVar(&payloadPath, "payload", "", "raw file appended after the JSON body (writefile content)")
	flagSet.BoolVar(&noCheck, "no-check", false, "send the body without decoding it locally first")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hyperctl send [options] COMMAND [FILE|-]\n\n")
		fmt.Fprintf(os.Stderr, "COMMAND is a command name (startpod, execcmd, ...) or a decode kind (pod, exec, ...).\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() < 1 || flagSet.NArg() > 2 {
		flagSet.Usage()
		return fmt.Errorf("send needs a command and at most one input")
	}

	cmd, kind, err := resolveCommand(flagSet.Arg(0))
	if err != nil {
		return err
	}

	var payload []byte
	if flagSet.NArg() == 2 {
		body, err := readInput(flagSet.Arg(1))
		if err != nil {
			return err
		}
		payload = jsonc.ToJSON(body)
	}
	if payloadPath != "" {
		raw, err := readInput(payloadPath)
		if err != nil {
			return err
		}
		payload = append(payload, raw...)
	}

	if kind != "" && !noCheck {
		if _, err := decodePayload(protocol.NewDecoder(protocol.DecoderConfig{}), kind, payload); err != nil {
			return fmt.Errorf("refusing to send: %w", err)
		}
	}

	reply, err := client.Send(socket, cmd, payload)
	if err != nil {
		return err
	}
	return printReply(cmd, reply)
}

// resolveCommand maps a command name or decode kind to a command code and
// the kind used to check its payload, if any.
func resolveCommand(name string) (protocol.Command, string, error) {
	if entry, ok := decoders[name]; ok {
		return entry.command, name, nil
	}
	cmd, ok := protocol.ParseCommand(name)
	if !ok {
		return 0, "", fmt.Errorf("unknown command %q", name)
	}
	for kind, entry := range decoders {
		if entry.command == cmd {
			return cmd, kind, nil
		}
	}
	return cmd, "", nil
}

func printReply(cmd protocol.Command, reply []byte) error {
	switch {
	case cmd == protocol.CmdGetVersion && len(reply) == 4:
		fmt.Printf("agent api version %d\n", binary.BigEndian.Uint32(reply))
	case len(reply) > 0:
		_, err := os.Stdout.Write(reply)
		return err
	default:
		fmt.Printf("%s: ok\n", cmd)
	}
	return nil
}
