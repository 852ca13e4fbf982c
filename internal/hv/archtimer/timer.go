// Package archtimer emulates the guest-visible ARM virtual timer.
//
// While a vCPU is loaded the hardware timer owns the compare value. When the
// vCPU exits, Sync either injects the timer interrupt (already expired) or
// arms a soft timer that injects it from a work queue. Flush, called before
// the next guest entry, cancels the soft timer and waits for an in-flight
// expiry so that no stale interrupt is raised once the guest runs again.
package archtimer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/workqueue"
	"gvisor.dev/gvisor/pkg/sync"
)

// CNTV_CTL bits.
const (
	CtlEnable  uint32 = 1 << 0
	CtlIMask   uint32 = 1 << 1
	CtlIStatus uint32 = 1 << 2
)

var (
	ErrDoubleSync   = errors.New("archtimer: sync without intervening flush")
	ErrLineNotBound = errors.New("archtimer: interrupt line not bound")
	ErrDestroyed    = errors.New("archtimer: timer destroyed")
	ErrUnknownReg   = errors.New("archtimer: unknown register")
)

// State is the soft timer ownership state of a vCPU timer.
type State int

const (
	// StateDisarmed: no soft timer pending. The guest timer is disabled or
	// masked, or it fired and the interrupt was injected.
	StateDisarmed State = iota
	// StateRunningOnCPU: the vCPU is about to run and the hardware timer owns
	// the compare value.
	StateRunningOnCPU
	// StateArmed: a soft timer is scheduled for the compare value.
	StateArmed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDisarmed:
		return "disarmed"
	case StateRunningOnCPU:
		return "running-on-cpu"
	case StateArmed:
		return "armed"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TimerOption customises a Timer, mainly for tests.
type TimerOption func(*Timer)

// WithTimerFactory injects the soft timer implementation.
func WithTimerFactory(factory TimerFactory) TimerOption {
	return func(t *Timer) {
		if factory != nil {
			t.newTimer = factory
		}
	}
}

// Timer is the virtual timer of one vCPU.
type Timer struct {
	host   *Host
	vm     *VM
	vcpuID int
	inject hv.IRQInjector

	newTimer TimerFactory
	expired  *workqueue.Work

	mu    sync.Mutex
	state State
	ctl   uint32
	cval  uint64
	line  Line
	bound bool
	soft  TimerHandle
}

// NewTimer creates the timer for vcpuID. The interrupt line stays unbound
// until Reset.
func NewTimer(host *Host, vm *VM, vcpuID int, inject hv.IRQInjector, opts ...TimerOption) (*Timer, error) {
	if host == nil || vm == nil {
		return nil, ErrNotInitialized
	}
	if inject == nil {
		return nil, fmt.Errorf("archtimer: vcpu %d: no interrupt injector", vcpuID)
	}

	t := &Timer{
		host:     host,
		vm:       vm,
		vcpuID:   vcpuID,
		inject:   inject,
		newTimer: defaultTimerFactory,
	}
	t.expired = workqueue.NewWork(t.expiredWork)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Reset binds the virtual interrupt line. The line is only known once the
// vCPU target has been chosen.
func (t *Timer) Reset(line Line) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.line = line
	t.bound = true
}

// State returns the current soft timer state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Line returns the bound interrupt line.
func (t *Timer) Line() (Line, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.line, t.bound
}

// Flush hands the timer to the hardware before the vCPU enters the guest. It
// cancels the soft timer and waits for a running expiry to finish.
func (t *Timer) Flush() error {
	t.mu.Lock()
	if t.state == StateDestroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	soft := t.soft
	t.soft = nil
	t.mu.Unlock()

	t.disarm(soft)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDestroyed {
		return ErrDestroyed
	}
	t.state = StateRunningOnCPU
	return nil
}

// Sync takes the timer back from the hardware after the vCPU exits the guest.
func (t *Timer) Sync() error {
	t.mu.Lock()

	switch t.state {
	case StateRunningOnCPU:
	case StateDestroyed:
		t.mu.Unlock()
		return ErrDestroyed
	case StateArmed:
		t.mu.Unlock()
		return &hv.FatalError{VCPU: t.vcpuID, Reason: "soft timer already armed", Err: ErrDoubleSync}
	default:
		state := t.state
		t.mu.Unlock()
		return &hv.FatalError{VCPU: t.vcpuID, Reason: fmt.Sprintf("sync in state %s", state), Err: ErrDoubleSync}
	}

	if t.ctl&CtlIMask != 0 || t.ctl&CtlEnable == 0 {
		t.state = StateDisarmed
		t.mu.Unlock()
		return nil
	}

	if !t.bound {
		t.state = StateDisarmed
		t.mu.Unlock()
		return &hv.FatalError{VCPU: t.vcpuID, Reason: "timer enabled before reset", Err: ErrLineNotBound}
	}

	now := t.vm.Now()
	if t.cval <= now {
		t.state = StateDisarmed
		t.ctl |= CtlIMask
		line := t.line
		t.mu.Unlock()

		if err := t.raise(line); err != nil {
			return fmt.Errorf("archtimer: vcpu %d: inject expired timer: %w", t.vcpuID, err)
		}
		return nil
	}

	d := t.cyclesToDuration(t.cval - now)
	t.state = StateArmed
	t.soft = t.newTimer(d, t.expire)
	t.mu.Unlock()

	slog.Debug("arch timer armed", "vcpu", t.vcpuID, "delay", d)
	return nil
}

// Destroy disarms the timer synchronously. It is safe to call more than once
// and concurrently with an expiry.
func (t *Timer) Destroy() {
	t.mu.Lock()
	if t.state == StateDestroyed {
		t.mu.Unlock()
		return
	}
	t.state = StateDestroyed
	soft := t.soft
	t.soft = nil
	t.mu.Unlock()

	t.disarm(soft)
}

// HostInterrupt handles the physical timer interrupt. The hardware timer is
// disabled across the world switch, so taking it here means something is
// badly broken; it is reported and otherwise ignored.
func (t *Timer) HostInterrupt() {
	slog.Warn("unexpected arch timer interrupt", "vcpu", t.vcpuID, "irq", t.host.hostIRQ)
}

func (t *Timer) disarm(soft TimerHandle) {
	if soft != nil {
		soft.Stop()
	}
	t.expired.CancelSync()
}

// expire runs when the soft timer deadline passes.
func (t *Timer) expire() {
	t.host.queue.Queue(t.expired)
}

func (t *Timer) expiredWork() {
	t.mu.Lock()
	if t.state != StateArmed {
		// flushed or destroyed after the deadline passed
		t.mu.Unlock()
		return
	}
	t.state = StateDisarmed
	t.ctl |= CtlIMask
	line := t.line
	t.mu.Unlock()

	if err := t.raise(line); err != nil {
		slog.Error("failed to inject arch timer interrupt", "vcpu", t.vcpuID, "irq", line.IRQ, "error", err)
	}
}

func (t *Timer) raise(line Line) error {
	slog.Debug("arch timer fired", "vcpu", t.vcpuID, "irq", line.IRQ)
	return t.inject.InjectIRQ(t.vcpuID, line.IRQ, line.Level)
}

func (t *Timer) cyclesToDuration(cycles uint64) time.Duration {
	ns := t.host.counter.CyclesToNs(cycles)
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
