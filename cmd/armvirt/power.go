package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/armvirt/internal/mcpm"
)

// checkedPlatform counts cluster teardown steps taken while a CPU of the
// cluster was up.
type checkedPlatform struct {
	mcpm.LogPlatform
	m          *mcpm.Manager
	violations atomic.Int64
}

func (p *checkedPlatform) check(cluster int) {
	_, cpus := p.m.Topology()
	for cpu := 0; cpu < cpus; cpu++ {
		if p.m.CPUState(cpu, cluster) == mcpm.CPUUp {
			p.violations.Add(1)
		}
	}
}

func (p *checkedPlatform) ClusterPowerDownPrepare(cluster int) {
	p.check(cluster)
	p.LogPlatform.ClusterPowerDownPrepare(cluster)
}

func (p *checkedPlatform) ClusterCacheDisable(cluster int) {
	p.check(cluster)
	p.LogPlatform.ClusterCacheDisable(cluster)
}

type powerCmd struct {
	trials int
	cpus   int
}

func (*powerCmd) Name() string { return "mcpm" }
func (*powerCmd) Synopsis() string {
	return "race cpu power down against power up in one cluster"
}
func (*powerCmd) Usage() string {
	return `mcpm [flags]

Each trial powers every CPU of a cluster down at once while another CPU
requests CPU 0 back. A trial fails when the cluster is torn down while a CPU
is up or is left in a transitional state.
`
}

func (c *powerCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.trials, "n", 10000, "number of trials")
	f.IntVar(&c.cpus, "cpus", 4, "cpus in the cluster")
}

func (c *powerCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	failures, err := c.run(ctx)
	if err != nil {
		slog.Error("mcpm trials failed", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d trials, %d failures\n", c.trials, failures)
	if failures != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *powerCmd) run(ctx context.Context) (int, error) {
	p := &checkedPlatform{}
	m, err := mcpm.New(mcpm.Config{Clusters: 1, CPUsPerCluster: c.cpus}, p)
	if err != nil {
		return 0, err
	}
	p.m = m

	for cpu := 1; cpu < c.cpus; cpu++ {
		if err := bringUp(m, cpu); err != nil {
			return 0, err
		}
	}

	bar := progressbar.NewOptions(c.trials,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("power trials"),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	failures := 0
	for i := 0; i < c.trials; i++ {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		before := p.violations.Load()
		if err := c.trial(ctx, m); err != nil {
			return failures, fmt.Errorf("trial %d: %w", i, err)
		}
		if state := m.ClusterState(0); state != mcpm.ClusterUp {
			failures++
			slog.Warn("trial left cluster", "trial", i, "state", state)
		}
		if p.violations.Load() != before {
			failures++
			slog.Warn("cluster torn down under a running cpu", "trial", i)
		}
		bar.Add(1)
	}
	return failures, nil
}

func bringUp(m *mcpm.Manager, cpu int) error {
	if err := m.PowerUp(cpu, 0); err != nil {
		return err
	}
	return m.PoweredUp(cpu, 0)
}

func (c *powerCmd) trial(ctx context.Context, m *mcpm.Manager) error {
	down := make([]bool, c.cpus)
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for cpu := 0; cpu < c.cpus; cpu++ {
		g.Go(func() error {
			ok, err := m.PowerDown(cpu, 0)
			mu.Lock()
			down[cpu] = ok
			mu.Unlock()
			return err
		})
	}
	g.Go(func() error { return m.PowerUp(0, 0) })
	if err := g.Wait(); err != nil {
		return err
	}

	// CPU 0 still owes a boot if its power up landed after it went down.
	if down[0] && m.UseCount(0, 0) == 1 {
		if err := m.PoweredUp(0, 0); err != nil {
			return err
		}
	}
	for cpu := 1; cpu < c.cpus; cpu++ {
		if err := bringUp(m, cpu); err != nil {
			return err
		}
	}
	return nil
}
