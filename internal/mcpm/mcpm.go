// Package mcpm coordinates CPU and cluster power transitions so that a
// cluster is only torn down by the last CPU leaving it, and never while
// another CPU of the cluster is on its way back up.
package mcpm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	ErrInvalidCPU  = errors.New("mcpm: cpu out of range")
	ErrBadUseCount = errors.New("mcpm: use count out of range")
)

// CPUState is the power state of one CPU as seen by the other CPUs.
type CPUState int32

const (
	CPUDown CPUState = iota
	CPUComingUp
	CPUUp
	CPUGoingDown
)

func (s CPUState) String() string {
	switch s {
	case CPUDown:
		return "down"
	case CPUComingUp:
		return "coming-up"
	case CPUUp:
		return "up"
	case CPUGoingDown:
		return "going-down"
	default:
		return fmt.Sprintf("cpu-state(%d)", int32(s))
	}
}

// ClusterState is the power state of a cluster's shared resources (caches
// and coherency).
type ClusterState int32

const (
	ClusterDown ClusterState = iota
	ClusterComingUp
	ClusterUp
	ClusterGoingDown
)

func (s ClusterState) String() string {
	switch s {
	case ClusterDown:
		return "down"
	case ClusterComingUp:
		return "coming-up"
	case ClusterUp:
		return "up"
	case ClusterGoingDown:
		return "going-down"
	default:
		return fmt.Sprintf("cluster-state(%d)", int32(s))
	}
}

// InboundState is set by a CPU entering a cluster that may be going down.
type InboundState int32

const (
	InboundNotComingUp InboundState = iota
	InboundComingUp
)

// Platform performs the actual power operations.
type Platform interface {
	CPUPowerUp(cpu, cluster int) error
	ClusterPowerUp(cluster int) error
	CPUPowerDownPrepare(cpu, cluster int)
	ClusterPowerDownPrepare(cluster int)
	CPUCacheDisable(cpu, cluster int)
	ClusterCacheDisable(cluster int)
	// ClusterSetup re-enables coherency when the first CPU enters a cluster
	// that was down.
	ClusterSetup(cluster int)
}

// Config describes the topology and the CPU that is already running.
type Config struct {
	Clusters       int
	CPUsPerCluster int
	BootCPU        int
	BootCluster    int
}

type cluster struct {
	state   atomic.Int32
	inbound atomic.Int32
	cpus    []atomic.Int32

	// firstMan serializes CPUs racing to bring the cluster up.
	firstMan sync.Mutex
}

func (c *cluster) clusterState() ClusterState { return ClusterState(c.state.Load()) }
func (c *cluster) cpuState(cpu int) CPUState  { return CPUState(c.cpus[cpu].Load()) }

// Manager tracks power state for every CPU and cluster.
type Manager struct {
	platform Platform
	clusters []*cluster

	mu       sync.Mutex
	useCount [][]int
}

func New(cfg Config, platform Platform) (*Manager, error) {
	if cfg.Clusters <= 0 || cfg.CPUsPerCluster <= 0 {
		return nil, fmt.Errorf("mcpm: invalid topology %dx%d", cfg.Clusters, cfg.CPUsPerCluster)
	}

	m := &Manager{platform: platform}
	for i := 0; i < cfg.Clusters; i++ {
		m.clusters = append(m.clusters, &cluster{cpus: make([]atomic.Int32, cfg.CPUsPerCluster)})
		m.useCount = append(m.useCount, make([]int, cfg.CPUsPerCluster))
	}
	if err := m.check(cfg.BootCPU, cfg.BootCluster); err != nil {
		return nil, fmt.Errorf("boot cpu: %w", err)
	}

	boot := m.clusters[cfg.BootCluster]
	boot.state.Store(int32(ClusterUp))
	boot.cpus[cfg.BootCPU].Store(int32(CPUUp))
	m.useCount[cfg.BootCluster][cfg.BootCPU] = 1
	return m, nil
}

func (m *Manager) check(cpu, cluster int) error {
	if cluster < 0 || cluster >= len(m.clusters) || cpu < 0 || cpu >= len(m.clusters[cluster].cpus) {
		return fmt.Errorf("%w: cpu %d cluster %d", ErrInvalidCPU, cpu, cluster)
	}
	return nil
}

// clusterUnusedLocked reports whether no CPU of the cluster holds a use count.
func (m *Manager) clusterUnusedLocked(cluster int) bool {
	for _, n := range m.useCount[cluster] {
		if n != 0 {
			return false
		}
	}
	return true
}

// PowerUp requests that cpu be powered up. It may race with the same CPU
// powering itself down; the use count resolves the race.
func (m *Manager) PowerUp(cpu, cluster int) error {
	if err := m.check(cpu, cluster); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cpuIsDown := m.useCount[cluster][cpu] == 0
	clusterIsDown := m.clusterUnusedLocked(cluster)

	m.useCount[cluster][cpu]++
	if n := m.useCount[cluster][cpu]; n != 1 && n != 2 {
		m.useCount[cluster][cpu]--
		return fmt.Errorf("%w: cpu %d cluster %d count %d", ErrBadUseCount, cpu, cluster, n)
	}

	var err error
	if clusterIsDown {
		err = m.platform.ClusterPowerUp(cluster)
	}
	if cpuIsDown && err == nil {
		err = m.platform.CPUPowerUp(cpu, cluster)
	}
	if err != nil {
		return fmt.Errorf("mcpm: power up cpu %d cluster %d: %w", cpu, cluster, err)
	}
	return nil
}

// PowerDown runs on cpu itself and takes it down. The last CPU of a cluster
// also tears the cluster down. It returns false when a concurrent PowerUp
// won the race and the CPU stays up.
func (m *Manager) PowerDown(cpu, cluster int) (bool, error) {
	if err := m.check(cpu, cluster); err != nil {
		return false, err
	}
	c := m.clusters[cluster]

	m.mu.Lock()
	c.cpus[cpu].Store(int32(CPUGoingDown))

	m.useCount[cluster][cpu]--
	n := m.useCount[cluster][cpu]
	if n != 0 && n != 1 {
		m.useCount[cluster][cpu]++
		c.cpus[cpu].Store(int32(CPUDown))
		m.mu.Unlock()
		return false, fmt.Errorf("%w: cpu %d cluster %d count %d", ErrBadUseCount, cpu, cluster, n)
	}
	cpuGoingDown := n == 0
	lastMan := cpuGoingDown && m.clusterUnusedLocked(cluster)

	if lastMan && m.outboundEnterCritical(cpu, c) {
		m.platform.CPUPowerDownPrepare(cpu, cluster)
		m.platform.ClusterPowerDownPrepare(cluster)
		m.mu.Unlock()

		slog.Debug("last man tearing down cluster", "cpu", cpu, "cluster", cluster)
		m.platform.ClusterCacheDisable(cluster)
		c.state.Store(int32(ClusterDown))
	} else {
		if cpuGoingDown {
			m.platform.CPUPowerDownPrepare(cpu, cluster)
		}
		m.mu.Unlock()
		if cpuGoingDown {
			m.platform.CPUCacheDisable(cpu, cluster)
		}
	}

	c.cpus[cpu].Store(int32(CPUDown))

	if !cpuGoingDown {
		// A power up request arrived while going down: come straight back
		// through the entry path.
		slog.Debug("power down raced with power up", "cpu", cpu, "cluster", cluster)
		if err := m.PoweredUp(cpu, cluster); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// outboundEnterCritical claims the cluster for teardown. It fails, leaving
// the cluster up, if a CPU is coming in or any other CPU is not down.
// Called with m.mu held.
func (m *Manager) outboundEnterCritical(cpu int, c *cluster) bool {
	c.state.Store(int32(ClusterGoingDown))

	if InboundState(c.inbound.Load()) == InboundComingUp {
		c.state.Store(int32(ClusterUp))
		return false
	}

	for i := range c.cpus {
		if i == cpu {
			continue
		}
		for c.cpuState(i) == CPUGoingDown {
			runtime.Gosched()
		}
		if c.cpuState(i) != CPUDown {
			c.state.Store(int32(ClusterUp))
			return false
		}
	}
	return true
}

// PoweredUp runs on cpu when it starts executing after a power up. The
// first CPU into a cluster that is down (or still going down) sets the
// cluster up again.
func (m *Manager) PoweredUp(cpu, cluster int) error {
	if err := m.check(cpu, cluster); err != nil {
		return err
	}
	c := m.clusters[cluster]
	c.cpus[cpu].Store(int32(CPUComingUp))

	c.firstMan.Lock()
	if c.clusterState() != ClusterUp {
		c.inbound.Store(int32(InboundComingUp))

		for c.clusterState() == ClusterGoingDown {
			runtime.Gosched()
		}
		if c.clusterState() == ClusterDown {
			c.state.Store(int32(ClusterComingUp))
			m.platform.ClusterSetup(cluster)
			c.state.Store(int32(ClusterUp))
		}

		c.inbound.Store(int32(InboundNotComingUp))
	}
	c.firstMan.Unlock()

	c.cpus[cpu].Store(int32(CPUUp))
	return nil
}

// WaitForPowerDown polls until cpu reports CPUDown with a zero use count.
func (m *Manager) WaitForPowerDown(ctx context.Context, cpu, cluster int) error {
	if err := m.check(cpu, cluster); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if m.CPUState(cpu, cluster) == CPUDown && m.UseCount(cpu, cluster) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) CPUState(cpu, cluster int) CPUState {
	return m.clusters[cluster].cpuState(cpu)
}

func (m *Manager) ClusterState(cluster int) ClusterState {
	return m.clusters[cluster].clusterState()
}

func (m *Manager) UseCount(cpu, cluster int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useCount[cluster][cpu]
}

// ClusterUnused reports whether every use count in cluster is zero.
func (m *Manager) ClusterUnused(cluster int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clusterUnusedLocked(cluster)
}

// Topology returns the number of clusters and CPUs per cluster.
func (m *Manager) Topology() (clusters, cpusPerCluster int) {
	return len(m.clusters), len(m.clusters[0].cpus)
}

// LogPlatform is a Platform for virtual CPUs, which have no power or cache
// controls of their own. It logs each step.
type LogPlatform struct{}

func (LogPlatform) CPUPowerUp(cpu, cluster int) error {
	slog.Debug("mcpm cpu power up", "cpu", cpu, "cluster", cluster)
	return nil
}

func (LogPlatform) ClusterPowerUp(cluster int) error {
	slog.Debug("mcpm cluster power up", "cluster", cluster)
	return nil
}

func (LogPlatform) CPUPowerDownPrepare(cpu, cluster int) {}
func (LogPlatform) ClusterPowerDownPrepare(cluster int)  {}

func (LogPlatform) CPUCacheDisable(cpu, cluster int) {
	slog.Debug("mcpm cpu down", "cpu", cpu, "cluster", cluster)
}

func (LogPlatform) ClusterCacheDisable(cluster int) {
	slog.Debug("mcpm cluster down", "cluster", cluster)
}

func (LogPlatform) ClusterSetup(cluster int) {
	slog.Debug("mcpm cluster setup", "cluster", cluster)
}
