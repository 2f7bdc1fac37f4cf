package main

import (
	"encoding/json"
	"fmt"
	"hyperstart/pkg/protocol"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// decoders maps a message kind to its payload decoder and command code.
var decoders = map[string]struct {
	command protocol.Command
	decode  func(*protocol.Decoder, []byte) (any, error)
}{
	"pod":       {protocol.CmdStartPod, func(d *protocol.Decoder, b []byte) (any, error) { return d.Pod(b) }},
	"container": {protocol.CmdNewContainer, func(d *protocol.Decoder, b []byte) (any, error) { return d.Container(b) }},
	"kill":      {protocol.CmdKillContainer, func(d *protocol.Decoder, b []byte) (any, error) { return d.Kill(b) }},
	"winsize":   {protocol.CmdWinSize, func(d *protocol.Decoder, b []byte) (any, error) { return d.WinSize(b) }},
	"exec":      {protocol.CmdExecCmd, func(d *protocol.Decoder, b []byte) (any, error) { return d.Exec(b) }},
	"writefile": {protocol.CmdWriteFile, func(d *protocol.Decoder, b []byte) (any, error) { return d.WriteFile(b) }},
	"readfile":  {protocol.CmdReadFile, func(d *protocol.Decoder, b []byte) (any, error) { return d.ReadFile(b) }},
}

func kinds() string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func runDecode(args []string) error {
	var kind, format string
	var tokens int

	flagSet := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	flagSet.StringVarP(&kind, "kind", "k", "", "message kind: "+kinds())
	flagSet.StringVarP(&format, "format", "o", "yaml", "output format: yaml, json or cbor")
	flagSet.IntVar(&tokens, "tokens", 0, "initial token buffer size (0 for the default)")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hyperctl decode --kind KIND [options] FILE|-\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("decode needs exactly one input")
	}

	data, err := readInput(flagSet.Arg(0))
	if err != nil {
		return err
	}

	dec := protocol.NewDecoder(protocol.DecoderConfig{SpecTokens: tokens, CommandTokens: tokens})
	v, err := decodePayload(dec, kind, data)
	if err != nil {
		return err
	}
	return render(os.Stdout, v, format)
}

// decodePayload decodes data as a message of the given kind. JSONC
// comments and trailing commas are stripped first, except from the raw
// content that follows a writefile header.
func decodePayload(dec *protocol.Decoder, kind string, data []byte) (any, error) {
	entry, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q (want one of %s)", kind, kinds())
	}
	if kind != "writefile" {
		data = jsonc.ToJSON(data)
	}
	return entry.decode(dec, data)
}

// render writes v in the requested format.
func render(w io.Writer, v any, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()

	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil

	case "cbor":
		encMode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return fmt.Errorf("cbor encoder: %w", err)
		}
		data, err := encMode.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode cbor: %w", err)
		}
		notation, err := cbor.Diagnose(data)
		if err != nil {
			return fmt.Errorf("diagnose cbor: %w", err)
		}
		_, err = fmt.Fprintln(w, notation)
		return err

	default:
		return fmt.Errorf("unknown format %q (want yaml, json or cbor)", format)
	}
}
