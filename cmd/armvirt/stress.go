package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
)

// countingInjector counts virtual timer edges.
type countingInjector struct {
	n atomic.Int64
}

func (c *countingInjector) InjectIRQ(vcpuID int, irq uint32, level bool) error {
	if level {
		c.n.Add(1)
	}
	return nil
}

type stressCmd struct {
	trials    int
	frequency uint64
	settle    time.Duration
}

func (*stressCmd) Name() string { return "stress" }
func (*stressCmd) Synopsis() string {
	return "race timer expiry against flush and teardown"
}
func (*stressCmd) Usage() string {
	return `stress [flags]

Each trial arms a soft timer a few cycles out and then flushes or destroys it
while the expiry may be running. A trial fails when the timer injects after
it was flushed or destroyed, or injects more than once.
`
}

func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.trials, "n", 10000, "number of trials")
	f.Uint64Var(&c.frequency, "frequency", 1_000_000, "counter frequency in Hz")
	f.DurationVar(&c.settle, "settle", 200*time.Microsecond, "how long to watch for late injections")
}

func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	failures, err := c.run(ctx)
	if err != nil {
		slog.Error("stress failed", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d trials, %d failures\n", c.trials, failures)
	if failures != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *stressCmd) run(ctx context.Context) (int, error) {
	counter, err := clocksource.NewMonotonic(c.frequency)
	if err != nil {
		return 0, err
	}
	host, err := archtimer.NewHost(archtimer.Config{Counter: counter})
	if err != nil {
		return 0, err
	}
	defer host.Close()

	bar := progressbar.NewOptions(c.trials,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("timer trials"),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	failures := 0
	for i := 0; i < c.trials; i++ {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		if err := c.trial(host, i); err != nil {
			failures++
			slog.Warn("trial failed", "trial", i, "error", err)
		}
		bar.Add(1)
	}
	return failures, nil
}

// trial arms a timer and races its expiry against either a flush (the vCPU
// re-entering the guest) or a destroy (VM teardown).
func (c *stressCmd) trial(host *archtimer.Host, i int) error {
	inject := &countingInjector{}
	vm := host.NewVM()
	timer, err := archtimer.NewTimer(host, vm, 0, inject)
	if err != nil {
		return err
	}
	defer timer.Destroy()
	timer.Reset(archtimer.DefaultVirtualLine)

	timer.WriteCval(vm.Now() + uint64(i%32))
	timer.WriteCtl(archtimer.CtlEnable)
	if err := timer.Flush(); err != nil {
		return err
	}
	if err := timer.Sync(); err != nil {
		return err
	}

	if i%2 == 0 {
		if err := timer.Flush(); err != nil {
			return err
		}
	} else {
		timer.Destroy()
	}

	after := inject.n.Load()
	time.Sleep(c.settle)
	if n := inject.n.Load(); n != after {
		return fmt.Errorf("injection after %s (%d -> %d)", stopName(i), after, n)
	}
	if after > 1 {
		return fmt.Errorf("%d injections", after)
	}
	if i%2 == 1 && timer.State() != archtimer.StateDestroyed {
		return fmt.Errorf("state %s after destroy", timer.State())
	}
	if i%2 == 0 && timer.State() != archtimer.StateRunningOnCPU {
		return fmt.Errorf("state %s after flush", timer.State())
	}
	return nil
}

func stopName(i int) string {
	if i%2 == 0 {
		return "flush"
	}
	return "destroy"
}
