// Package vgic tracks virtual interrupt lines for the guest interrupt
// controller. It implements hv.IRQInjector for the virtual timer and
// emulated devices.
package vgic

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tinyrange/armvirt/internal/hv"
)

// GIC interrupt id ranges.
const (
	FirstPPI = 16
	FirstSPI = 32
	MaxIRQ   = 1020
)

var (
	ErrInvalidIRQ  = errors.New("vgic: invalid interrupt id")
	ErrInvalidVCPU = errors.New("vgic: invalid vcpu")
)

// InterruptSink receives line transitions, for example to forward them to
// an in-kernel controller.
type InterruptSink interface {
	SetIRQ(vcpuID int, irq uint32, level bool)
}

// Kicker wakes a vCPU so that it notices a newly pending interrupt.
type Kicker interface {
	Kick()
}

type lineKey struct {
	vcpu int
	irq  uint32
}

type lineState struct {
	level   bool
	pending bool
	raised  uint64
}

// Distributor holds the level and pending state of every line.
// Private interrupts are tracked per vCPU; shared interrupts are routed to
// one target vCPU, vCPU 0 unless RouteSPI says otherwise.
type Distributor struct {
	mu sync.Mutex

	numVCPUs int
	sink     InterruptSink

	lines   map[lineKey]*lineState
	routes  map[uint32]int
	kickers map[int]Kicker
}

// New builds a Distributor for numVCPUs vCPUs. sink may be nil.
func New(numVCPUs int, sink InterruptSink) *Distributor {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &Distributor{
		numVCPUs: numVCPUs,
		sink:     sink,
		lines:    make(map[lineKey]*lineState),
		routes:   make(map[uint32]int),
		kickers:  make(map[int]Kicker),
	}
}

// AttachVCPU registers the vCPU woken when one of its lines is raised.
func (d *Distributor) AttachVCPU(id int, k Kicker) error {
	if id < 0 || id >= d.numVCPUs {
		return fmt.Errorf("%w: %d", ErrInvalidVCPU, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kickers[id] = k
	return nil
}

// RouteSPI sets the target vCPU of a shared interrupt.
func (d *Distributor) RouteSPI(irq uint32, vcpuID int) error {
	if irq < FirstSPI || irq >= MaxIRQ {
		return fmt.Errorf("%w: %d is not an SPI", ErrInvalidIRQ, irq)
	}
	if vcpuID < 0 || vcpuID >= d.numVCPUs {
		return fmt.Errorf("%w: %d", ErrInvalidVCPU, vcpuID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[irq] = vcpuID
	return nil
}

func (d *Distributor) key(vcpuID int, irq uint32) (lineKey, error) {
	if irq >= MaxIRQ {
		return lineKey{}, fmt.Errorf("%w: %d", ErrInvalidIRQ, irq)
	}
	if irq >= FirstSPI {
		return lineKey{vcpu: d.routes[irq], irq: irq}, nil
	}
	if vcpuID < 0 || vcpuID >= d.numVCPUs {
		return lineKey{}, fmt.Errorf("%w: %d", ErrInvalidVCPU, vcpuID)
	}
	return lineKey{vcpu: vcpuID, irq: irq}, nil
}

// InjectIRQ implements hv.IRQInjector. Only level changes reach the sink; a
// rising level marks the line pending and kicks the target vCPU.
func (d *Distributor) InjectIRQ(vcpuID int, irq uint32, level bool) error {
	d.mu.Lock()
	key, err := d.key(vcpuID, irq)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	state := d.lines[key]
	if state == nil {
		state = &lineState{}
		d.lines[key] = state
	}
	changed := state.level != level
	state.level = level
	if changed && level {
		state.pending = true
		state.raised++
	}
	kicker := d.kickers[key.vcpu]
	d.mu.Unlock()

	if changed {
		d.sink.SetIRQ(key.vcpu, irq, level)
	}
	if changed && level && kicker != nil {
		kicker.Kick()
	}
	return nil
}

// HasPending reports whether any line targeting vcpuID is pending.
func (d *Distributor) HasPending(vcpuID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, state := range d.lines {
		if key.vcpu == vcpuID && state.pending {
			return true
		}
	}
	return false
}

// Pending returns the pending interrupt ids of vcpuID in ascending order.
func (d *Distributor) Pending(vcpuID int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var irqs []uint32
	for key, state := range d.lines {
		if key.vcpu == vcpuID && state.pending {
			irqs = append(irqs, key.irq)
		}
	}
	slices.Sort(irqs)
	return irqs
}

// Acknowledge completes a pending interrupt. The line is lowered as well:
// the sources wired here mask themselves once they have fired, so the
// next assertion starts a new interrupt.
func (d *Distributor) Acknowledge(vcpuID int, irq uint32) (bool, error) {
	d.mu.Lock()
	key, err := d.key(vcpuID, irq)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	state := d.lines[key]
	if state == nil || !state.pending {
		d.mu.Unlock()
		return false, nil
	}
	state.pending = false
	lowered := state.level
	state.level = false
	d.mu.Unlock()

	if lowered {
		d.sink.SetIRQ(key.vcpu, irq, false)
	}
	return true, nil
}

// Raised returns how many times a line was asserted.
func (d *Distributor) Raised(vcpuID int, irq uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := d.key(vcpuID, irq)
	if err != nil {
		return 0
	}
	if state := d.lines[key]; state != nil {
		return state.raised
	}
	return 0
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(int, uint32, bool) {}

var _ hv.IRQInjector = (*Distributor)(nil)
