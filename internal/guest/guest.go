package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/armvirt/internal/hv/psci"
	"github.com/tinyrange/armvirt/internal/hv/trap"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

var (
	ErrWildPC       = errors.New("guest: pc outside every script")
	ErrNoCPUs       = errors.New("guest: no scripts")
	ErrNoInterrupts = errors.New("guest: ack without an interrupt controller")
)

const (
	// DefaultBase is where the first script is placed.
	DefaultBase uint32 = 0x8000_0000

	// slotStride separates the scripts of consecutive vCPUs.
	slotStride uint32 = 0x1_0000
	instrSize  uint32 = 4

	highVectorBase uint32 = 0xffff0000
)

// Exception vector offsets from VBAR.
const (
	vectorUndefined     uint32 = 0x04
	vectorPrefetchAbort uint32 = 0x0c
	vectorDataAbort     uint32 = 0x10
)

// Acknowledger is the guest's view of its interrupt controller CPU
// interface. *vgic.Distributor implements it.
type Acknowledger interface {
	Pending(vcpuID int) []uint32
	Acknowledge(vcpuID int, irq uint32) (bool, error)
}

// Read is a value the guest observed after a trap returned.
type Read struct {
	PC    uint32
	Op    OpKind
	What  string
	Value uint64
}

// Stats is what one vCPU's script saw.
type Stats struct {
	Traps      int
	Acked      map[uint32]int
	Exceptions map[string]int
	Reads      []Read
}

func (s Stats) clone() Stats {
	c := Stats{
		Traps:      s.Traps,
		Acked:      make(map[uint32]int, len(s.Acked)),
		Exceptions: make(map[string]int, len(s.Exceptions)),
		Reads:      append([]Read(nil), s.Reads...),
	}
	for k, n := range s.Acked {
		c.Acked[k] = n
	}
	for k, n := range s.Exceptions {
		c.Exceptions[k] = n
	}
	return c
}

type cpuState struct {
	mu    sync.Mutex
	stats Stats

	// lastTrap is the pc of the most recent trapping op; exception
	// handlers return past it.
	lastTrap uint32

	// pending is the op whose result is collected on the next entry.
	pending   *instr
	pendingPC uint32
}

// Guest runs one script per vCPU. It implements runloop.Guest.
type Guest struct {
	base    uint32
	scripts [][]instr
	cpus    []*cpuState

	gicMu sync.RWMutex
	gic   Acknowledger
}

// New compiles scripts, one per vCPU, placing them from base. A zero base
// selects DefaultBase.
func New(base uint32, scripts [][]Op) (*Guest, error) {
	if len(scripts) == 0 {
		return nil, ErrNoCPUs
	}
	if base == 0 {
		base = DefaultBase
	}

	g := &Guest{base: base}
	for id, script := range scripts {
		if uint32(len(script)+1)*instrSize > slotStride {
			return nil, fmt.Errorf("guest: vcpu %d: script of %d ops too long", id, len(script))
		}
		compiled := make([]instr, 0, len(script))
		for i, op := range script {
			in, err := compile(op, len(scripts))
			if err != nil {
				return nil, fmt.Errorf("vcpu %d op %d: %w", id, i, err)
			}
			compiled = append(compiled, in)
		}
		g.scripts = append(g.scripts, compiled)
		g.cpus = append(g.cpus, &cpuState{stats: Stats{
			Acked:      make(map[uint32]int),
			Exceptions: make(map[string]int),
		}})
	}
	return g, nil
}

// AttachInterrupts connects the guest to its interrupt controller, which
// the ack op uses.
func (g *Guest) AttachInterrupts(a Acknowledger) {
	g.gicMu.Lock()
	defer g.gicMu.Unlock()
	g.gic = a
}

// Entry returns the address of vCPU id's first op.
func (g *Guest) Entry(id int) uint32 {
	return g.base + uint32(id)*slotStride
}

// NumCPUs returns the number of scripts.
func (g *Guest) NumCPUs() int { return len(g.scripts) }

// Stats returns a copy of what vCPU id's script observed.
func (g *Guest) Stats(id int) Stats {
	if id < 0 || id >= len(g.cpus) {
		return Stats{}
	}
	st := g.cpus[id]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats.clone()
}

// locate maps pc to a script slot. end is set for the slot just past the
// last op.
func (g *Guest) locate(pc uint32) (in *instr, end bool, ok bool) {
	if pc < g.base || pc%instrSize != 0 {
		return nil, false, false
	}
	off := pc - g.base
	id := int(off / slotStride)
	if id >= len(g.scripts) {
		return nil, false, false
	}
	idx := int(off%slotStride) / int(instrSize)
	script := g.scripts[id]
	switch {
	case idx < len(script):
		return &script[idx], false, true
	case idx == len(script):
		return nil, true, true
	}
	return nil, false, false
}

// Enter runs v from its pc until an op traps.
func (g *Guest) Enter(ctx context.Context, v *vcpu.VCPU) (trap.ExitIndex, error) {
	if v.ID() >= len(g.cpus) {
		return trap.ExitHVC, fmt.Errorf("guest: no script for vcpu %d", v.ID())
	}
	st := g.cpus[v.ID()]
	st.mu.Lock()
	defer st.mu.Unlock()

	st.collect(v)

	for {
		if err := ctx.Err(); err != nil {
			return trap.ExitIRQ, err
		}
		if st.takeException(v) {
			continue
		}

		pc := v.Regs.PC()
		in, end, ok := g.locate(pc)
		if !ok {
			return trap.ExitHVC, fmt.Errorf("%w: vcpu %d pc %#x", ErrWildPC, v.ID(), pc)
		}
		if end {
			// Falling off the end powers the vCPU down.
			in = &instr{op: Op{Op: OpCPUOff}}
		}

		if !in.traps() {
			if err := g.execute(ctx, v, st, in); err != nil {
				return trap.ExitIRQ, err
			}
			v.Regs.SetPC(pc + instrSize)
			continue
		}

		st.stats.Traps++
		st.lastTrap = pc
		return g.raise(v, st, in, pc), nil
	}
}

// execute runs an op that stays in the guest.
func (g *Guest) execute(ctx context.Context, v *vcpu.VCPU, st *cpuState, in *instr) error {
	switch in.op.Op {
	case OpMov:
		v.Regs.R[in.op.Rt] = uint32(in.op.Value)

	case OpDelay:
		t := time.NewTimer(in.op.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

	case OpAck:
		g.gicMu.RLock()
		gic := g.gic
		g.gicMu.RUnlock()
		if gic == nil {
			return ErrNoInterrupts
		}
		for _, irq := range gic.Pending(v.ID()) {
			acked, err := gic.Acknowledge(v.ID(), irq)
			if err != nil {
				return fmt.Errorf("guest: vcpu %d: ack irq %d: %w", v.ID(), irq, err)
			}
			if acked {
				st.stats.Acked[irq]++
			}
		}
	}
	return nil
}

// raise loads the registers and syndrome of a trapping op and reports the
// vector the hardware would take.
func (g *Guest) raise(v *vcpu.VCPU, st *cpuState, in *instr, pc uint32) trap.ExitIndex {
	op := in.op
	v.Syndrome = in.syndrome()
	st.pending, st.pendingPC = nil, 0

	switch op.Op {
	case OpCP15Read:
		st.pending, st.pendingPC = in, pc
	case OpCP15Write:
		v.Regs.R[op.Rt] = uint32(op.Value)
		if in.access.Wide {
			v.Regs.R[op.Rt+1] = uint32(op.Value >> 32)
		}

	case OpMMIORead, OpMMIOWrite:
		v.FaultIPA = op.Addr
		v.FaultVA = uint32(op.Addr)
		if op.Op == OpMMIOWrite {
			v.Regs.R[op.Rt] = uint32(op.Value)
		} else {
			st.pending, st.pendingPC = in, pc
		}

	case OpHVC, OpCPUOn, OpCPUOff, OpHalt:
		switch op.Op {
		case OpHVC:
			v.Regs.R[0] = uint32(in.fn)
			for i, arg := range op.Args {
				v.Regs.R[1+i] = arg
			}
			st.pending, st.pendingPC = in, pc
		case OpCPUOn:
			v.Regs.R[0] = uint32(psci.FnCPUOn)
			v.Regs.R[1] = vcpu.MPIDROf(op.Target)
			v.Regs.R[2] = g.Entry(op.Target)
			v.Regs.R[3] = uint32(op.Value)
			st.pending, st.pendingPC = in, pc
		case OpCPUOff:
			v.Regs.R[0] = uint32(psci.FnCPUOff)
		case OpHalt:
			v.Regs.R[0] = uint32(psci.FnSystemOff)
		}
		// The exception return address of HVC is the next instruction.
		v.Regs.SetPC(pc + instrSize)

	case OpIRQ:
		// Interrupts are taken between instructions.
		v.Regs.SetPC(pc + instrSize)
		return trap.ExitIRQ
	}
	return trap.ExitHVC
}

// collect records the result of the op that trapped last, if the vCPU
// returned to the instruction after it.
func (st *cpuState) collect(v *vcpu.VCPU) {
	in, pc := st.pending, st.pendingPC
	st.pending, st.pendingPC = nil, 0
	if in == nil || v.Regs.PC() != pc+instrSize {
		return
	}

	r := Read{PC: pc, Op: in.op.Op}
	switch in.op.Op {
	case OpCP15Read:
		r.What = in.op.Reg
		r.Value = uint64(v.Regs.R[in.op.Rt])
		if in.access.Wide {
			r.Value |= uint64(v.Regs.R[in.op.Rt+1]) << 32
		}
	case OpMMIORead:
		r.What = fmt.Sprintf("%#x", in.op.Addr)
		r.Value = uint64(v.Regs.R[in.op.Rt])
	case OpHVC, OpCPUOn:
		r.What = in.fn.String()
		if in.op.Op == OpCPUOn {
			r.What = psci.FnCPUOn.String()
		}
		r.Value = uint64(v.Regs.R[0])
	}
	st.stats.Reads = append(st.stats.Reads, r)
}

// takeException runs the guest's exception vectors: each handler counts the
// exception and returns past the op that raised it.
func (st *cpuState) takeException(v *vcpu.VCPU) bool {
	base := v.Regs.VBAR
	if v.Regs.SCTLR&vcpu.SCTLRHighVectors != 0 {
		base = highVectorBase
	}

	var kind string
	var spsr uint32
	switch pc, mode := v.Regs.PC(), v.Regs.Mode(); {
	case mode == vcpu.PSRModeUnd && pc == base+vectorUndefined:
		kind, spsr = "undefined", v.Regs.SPSRUnd
	case mode == vcpu.PSRModeAbt && pc == base+vectorPrefetchAbort:
		kind, spsr = "prefetch-abort", v.Regs.SPSRAbt
	case mode == vcpu.PSRModeAbt && pc == base+vectorDataAbort:
		kind, spsr = "data-abort", v.Regs.SPSRAbt
	default:
		return false
	}

	slog.Debug("guest exception", "vcpu", v.ID(), "kind", kind, "pc", fmt.Sprintf("%#x", st.lastTrap))
	st.stats.Exceptions[kind]++
	st.pending, st.pendingPC = nil, 0
	v.Regs.CPSR = spsr
	v.Regs.SetPC(st.lastTrap + instrSize)
	return true
}
