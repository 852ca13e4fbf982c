package archtimer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/workqueue"
)

// Virtual timer PPI and trigger level used by the Cortex-A15 and Cortex-A7
// targets.
var DefaultVirtualLine = Line{IRQ: 27, Level: true}

// Default host interrupt for the virtual timer, as found at index 2 of the
// "arm,armv7-timer" interrupts property.
const DefaultHostIRQ = 27

var (
	ErrAlreadyInitialized = errors.New("archtimer: already initialized")
	ErrNotInitialized     = errors.New("archtimer: not initialized")
)

// Line is a virtual interrupt line and the level that asserts it.
type Line struct {
	IRQ   uint32
	Level bool
}

type Config struct {
	// Counter is the physical counter backing every virtual timer.
	Counter clocksource.Counter

	// HostIRQ is the physical interrupt the host takes when a loaded guest's
	// timer fires. It comes from firmware discovery.
	HostIRQ uint32
}

// Host is the timer state shared by every VM: the counter, the host
// interrupt and the expiry work queue.
type Host struct {
	counter clocksource.Counter
	hostIRQ uint32
	queue   *workqueue.Queue
}

// NewHost builds timer host state without registering it process wide.
// Tests and embedded users may hold several; Init registers the one the
// process uses.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Counter == nil {
		return nil, fmt.Errorf("archtimer: no counter configured")
	}
	if cfg.Counter.Rate() == 0 {
		return nil, fmt.Errorf("archtimer: counter has zero rate")
	}
	if cfg.HostIRQ == 0 {
		cfg.HostIRQ = DefaultHostIRQ
	}

	return &Host{
		counter: cfg.Counter,
		hostIRQ: cfg.HostIRQ,
		queue:   workqueue.New("arch-timer"),
	}, nil
}

var registered atomic.Pointer[Host]

// Init registers the process-wide timer host. It must be called once, before
// any vCPU is created; later calls fail with ErrAlreadyInitialized.
func Init(cfg Config) (*Host, error) {
	h, err := NewHost(cfg)
	if err != nil {
		return nil, err
	}

	if !registered.CompareAndSwap(nil, h) {
		_ = h.queue.Close()
		return nil, ErrAlreadyInitialized
	}

	slog.Info("arch timer initialized",
		"rate", cfg.Counter.Rate(),
		"host_irq", h.hostIRQ,
	)
	return h, nil
}

// Registered returns the host installed by Init.
func Registered() (*Host, error) {
	h := registered.Load()
	if h == nil {
		return nil, ErrNotInitialized
	}
	return h, nil
}

func (h *Host) Counter() clocksource.Counter { return h.counter }
func (h *Host) HostIRQ() uint32              { return h.hostIRQ }

// Close stops the expiry work queue. Timers created from h must have been
// destroyed first.
func (h *Host) Close() error {
	return h.queue.Close()
}

// VM holds the per-VM virtual counter offset.
type VM struct {
	host   *Host
	offset atomic.Uint64
}

// NewVM starts a VM's virtual counter at zero.
func (h *Host) NewVM() *VM {
	vm := &VM{host: h}
	vm.offset.Store(h.counter.Read())
	return vm
}

// Offset returns CNTVOFF.
func (vm *VM) Offset() uint64 { return vm.offset.Load() }

// Now returns the guest's virtual count.
func (vm *VM) Now() uint64 {
	return vm.host.counter.Read() - vm.offset.Load()
}

// SetCount moves the virtual counter so that it currently reads count.
func (vm *VM) SetCount(count uint64) {
	vm.offset.Store(vm.host.counter.Read() - count)
}
