package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/armvirt/internal/config"
	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
)

type runCmd struct {
	trace   string
	timeout time.Duration
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the guest scripts of a machine profile" }
func (*runCmd) Usage() string {
	return `run [flags] <profile.yaml>
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.trace, "trace", "", "write an exit trace to this file")
	f.DurationVar(&c.timeout, "timeout", 0, "stop the machine after this long (0 waits for the guest)")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.run(ctx, f.Arg(0)); err != nil {
		slog.Error("run failed", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *runCmd) run(ctx context.Context, path string) error {
	profile, err := config.Load(path)
	if err != nil {
		return err
	}

	hostCfg, err := profile.TimerHost()
	if err != nil {
		return err
	}
	host, err := archtimer.Init(hostCfg)
	if err != nil {
		return err
	}
	defer host.Close()

	rec := exittrace.NewRecorder()
	if c.trace != "" {
		out, err := os.Create(c.trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer out.Close()
		if err := rec.StartStream(out); err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				slog.Warn("close trace", "error", err)
			}
		}()
	}

	m, err := profile.Build(nil, rec)
	if err != nil {
		return err
	}
	defer m.VM.Close()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	slog.Info("starting machine",
		"profile", profile.Name,
		"cpus", profile.CPUs,
		"target", profile.Target,
		"frequency", profile.Timer.Frequency,
	)
	start := time.Now()
	runErr := m.VM.Run(ctx)
	slog.Info("machine stopped", "elapsed", time.Since(start), "error", runErr)

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VCPU\tTRAPS\tACKED\tEXCEPTIONS\tREADS")
	for id := 0; id < m.Guest.NumCPUs(); id++ {
		st := m.Guest.Stats(id)
		fmt.Fprintf(w, "%d\t%d\t%v\t%v\t%d\n", id, st.Traps, st.Acked, st.Exceptions, len(st.Reads))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "EXIT\tCOUNT")
	counts := rec.Counts()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", kind, counts[kind])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if runErr != nil && ctx.Err() != nil && c.timeout > 0 {
		// The guest was still running when the timeout hit.
		return nil
	}
	return runErr
}
