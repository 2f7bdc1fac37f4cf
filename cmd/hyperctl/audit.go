package main

import (
	"fmt"
	"hyperstart/internal/agent"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

func runAudit(args []string) error {
	var failedOnly bool

	flagSet := pflag.NewFlagSet("audit", pflag.ContinueOnError)
	flagSet.BoolVar(&failedOnly, "failed", false, "only show messages that got an error reply")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	path := "/var/log/hyperstart/audit.jsonl"
	if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	entries, err := agent.ReadAuditLog(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCOMMAND\tCONTAINER\tSEQ\tBYTES\tRESULT\tMS\tERROR")
	for _, e := range entries {
		if failedOnly && e.Result != "error" {
			continue
		}
		container := e.Container
		if container == "" {
			container = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%.2f\t%s\n",
			e.Timestamp, e.Command, container, e.Seq, e.Bytes, e.Result, e.Duration, e.Error)
	}
	return w.Flush()
}
