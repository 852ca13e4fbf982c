package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/hv/trap"
)

type classesCmd struct{}

func (*classesCmd) Name() string     { return "classes" }
func (*classesCmd) Synopsis() string { return "list the handled exception classes" }
func (*classesCmd) Usage() string    { return "classes\n" }

func (*classesCmd) SetFlags(*flag.FlagSet) {}

func (*classesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "EC\tCLASS\tHANDLER")
	for _, class := range trap.Classes() {
		h, _ := trap.Lookup(class)
		fmt.Fprintf(w, "%#02x\t%s\t%s\n", uint8(class), class, h.Name())
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type traceCmd struct{}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "print an exit trace written by run -trace" }
func (*traceCmd) Usage() string    { return "trace <file>\n" }

func (*traceCmd) SetFlags(*flag.FlagSet) {}

func (*traceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	in, err := os.Open(f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer in.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VCPU\tEXIT\tDURATION")
	err = exittrace.ReadAll(in, func(ev exittrace.Event) error {
		_, err := fmt.Fprintf(w, "%d\t%s\t%s\n", ev.VCPU, ev.Kind, ev.Duration)
		return err
	})
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
