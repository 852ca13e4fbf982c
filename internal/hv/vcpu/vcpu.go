// Package vcpu holds the per virtual CPU state that exit handlers operate on:
// the register file, the syndrome of the last exit, the virtual timer and
// the request bits used to wake a blocked vCPU.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/armvirt/internal/hv/archtimer"
)

var (
	ErrInvalidTarget  = errors.New("vcpu: invalid target")
	ErrTargetMismatch = errors.New("vcpu: already initialized with a different target")
	ErrNotInitialized = errors.New("vcpu: target not initialized")
	ErrDestroyed      = errors.New("vcpu: destroyed")
	ErrNoGuestMemory  = errors.New("vcpu: no guest memory attached")
)

// Target is the CPU model a vCPU emulates.
type Target int

const (
	TargetNone      Target = -1
	TargetCortexA15 Target = 0
	TargetCortexA7  Target = 1
)

type targetInfo struct {
	name  string
	sctlr uint32
	timer archtimer.Line
}

var targets = map[Target]targetInfo{
	TargetCortexA15: {name: "cortex-a15", sctlr: 0x00c50078, timer: archtimer.DefaultVirtualLine},
	TargetCortexA7:  {name: "cortex-a7", sctlr: 0x00c50078, timer: archtimer.DefaultVirtualLine},
}

func (t Target) String() string {
	if info, ok := targets[t]; ok {
		return info.name
	}
	if t == TargetNone {
		return "none"
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// Valid reports whether t names a supported CPU model.
func (t Target) Valid() bool {
	_, ok := targets[t]
	return ok
}

// ParseTarget parses a target name such as "cortex-a15".
func ParseTarget(name string) (Target, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, info := range targets {
		if info.name == name {
			return t, nil
		}
	}
	return TargetNone, fmt.Errorf("%w: %q", ErrInvalidTarget, name)
}

// Request is a bit in the vCPU request set.
type Request uint32

const (
	// RequestUnhalt wakes a vCPU blocked in WFI.
	RequestUnhalt Request = 1 << iota
	// RequestReset asks the run loop to reset the vCPU before the next entry.
	RequestReset
)

// InterruptChecker reports whether a vCPU has an interrupt pending.
type InterruptChecker interface {
	HasPending(vcpuID int) bool
}

type Config struct {
	// Timer is the vCPU's virtual timer. Required.
	Timer *archtimer.Timer

	// Interrupts is consulted by Block to decide whether WFI completes.
	Interrupts InterruptChecker

	// Memory gives read access to guest physical memory for diagnostics.
	Memory io.ReaderAt

	// TimerIRQ overrides the target's virtual timer PPI when non-zero.
	TimerIRQ uint32
}

// VCPU is one virtual CPU. Regs, Syndrome and the fault addresses belong to
// the vCPU thread; requests, pause and Kick may be used from any goroutine.
type VCPU struct {
	id int

	Regs     Registers
	Syndrome Syndrome

	// FaultIPA is the intermediate physical address of the last stage 2
	// fault, FaultVA the faulting virtual address.
	FaultIPA uint64
	FaultVA  uint32

	Timer *archtimer.Timer

	interrupts InterruptChecker
	memory     io.ReaderAt
	timerIRQ   uint32

	bootMu sync.Mutex
	boot   *bootRequest

	target    Target
	requests  atomic.Uint32
	paused    atomic.Bool
	destroyed atomic.Bool
	wake      chan struct{}
}

// New creates an uninitialized vCPU. Init must be called before it runs.
func New(id int, cfg Config) (*VCPU, error) {
	if cfg.Timer == nil {
		return nil, fmt.Errorf("vcpu %d: no timer", id)
	}
	return &VCPU{
		id:         id,
		Timer:      cfg.Timer,
		interrupts: cfg.Interrupts,
		memory:     cfg.Memory,
		timerIRQ:   cfg.TimerIRQ,
		target:     TargetNone,
		wake:       make(chan struct{}, 1),
	}, nil
}

func (v *VCPU) ID() int { return v.id }

// CPUsPerCluster is the cluster size encoded in MPIDR affinity level 1.
const CPUsPerCluster = 4

// MPIDR returns the multiprocessor affinity the vCPU reports.
func (v *VCPU) MPIDR() uint32 {
	return MPIDROf(v.id)
}

// MPIDROf returns the MPIDR of vCPU id.
func MPIDROf(id int) uint32 {
	return 1<<31 | uint32(id/CPUsPerCluster)<<8 | uint32(id%CPUsPerCluster)
}

// Target returns the CPU model chosen by Init, or TargetNone.
func (v *VCPU) Target() Target { return v.target }

// Init selects the CPU model and resets the vCPU. A vCPU may be initialized
// again only with the same target.
func (v *VCPU) Init(target Target) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}
	if v.target != TargetNone && v.target != target {
		return fmt.Errorf("%w: have %s, want %s", ErrTargetMismatch, v.target, target)
	}
	v.target = target
	return v.Reset()
}

// Reset puts the vCPU into its architectural reset state and binds the
// virtual timer interrupt for the target.
func (v *VCPU) Reset() error {
	info, ok := targets[v.target]
	if !ok {
		return ErrNotInitialized
	}
	if v.destroyed.Load() {
		return ErrDestroyed
	}

	v.Regs = Registers{
		CPSR:  ResetCPSR,
		SCTLR: info.sctlr,
		MPIDR: v.MPIDR(),
	}
	v.Syndrome = 0
	v.FaultIPA = 0
	v.FaultVA = 0

	line := info.timer
	if v.timerIRQ != 0 {
		line.IRQ = v.timerIRQ
	}
	v.Timer.Reset(line)

	slog.Debug("vcpu reset", "vcpu", v.id, "target", v.target)
	return nil
}

type bootRequest struct {
	entry     uint32
	contextID uint32
}

// PowerOn asks a powered off vCPU to reset and start executing at entry
// with contextID in r0. It may be called from another vCPU's thread; the
// target applies it with ApplyReset before its next guest entry.
func (v *VCPU) PowerOn(entry, contextID uint32) {
	v.bootMu.Lock()
	v.boot = &bootRequest{entry: entry, contextID: contextID}
	v.bootMu.Unlock()

	v.requests.Or(uint32(RequestReset))
	v.Unpause()
}

// ApplyReset resets the vCPU and applies a pending PowerOn entry point. Bit 0
// of the entry point selects Thumb state.
func (v *VCPU) ApplyReset() error {
	if err := v.Reset(); err != nil {
		return err
	}

	v.bootMu.Lock()
	boot := v.boot
	v.boot = nil
	v.bootMu.Unlock()

	if boot == nil {
		return nil
	}
	if boot.entry&1 != 0 {
		v.Regs.CPSR |= PSRThumb
	}
	v.Regs.SetPC(boot.entry &^ 1)
	v.Regs.R[0] = boot.contextID
	return nil
}

// MakeRequest sets r and wakes the vCPU.
func (v *VCPU) MakeRequest(r Request) {
	v.requests.Or(uint32(r))
	v.Kick()
}

// CheckRequest tests and clears r.
func (v *VCPU) CheckRequest(r Request) bool {
	return v.requests.And(^uint32(r))&uint32(r) != 0
}

// Kick wakes the vCPU if it is blocked. Kicks are not counted; a kick that
// arrives while the vCPU is running makes the next Block re-check its
// wake condition.
func (v *VCPU) Kick() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Block suspends the vCPU thread until an interrupt is pending or an
// unhalt request is made.
func (v *VCPU) Block(ctx context.Context) error {
	for {
		if v.destroyed.Load() {
			return ErrDestroyed
		}
		if v.CheckRequest(RequestUnhalt) || v.interruptPending() {
			return nil
		}

		select {
		case <-v.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (v *VCPU) interruptPending() bool {
	return v.interrupts != nil && v.interrupts.HasPending(v.id)
}

// Pause stops the vCPU from entering the guest until Unpause.
func (v *VCPU) Pause() {
	v.paused.Store(true)
	v.Kick()
}

func (v *VCPU) Unpause() {
	v.paused.Store(false)
	v.Kick()
}

func (v *VCPU) Paused() bool { return v.paused.Load() }

// WaitRunnable blocks while the vCPU is paused.
func (v *VCPU) WaitRunnable(ctx context.Context) error {
	for v.paused.Load() {
		if v.destroyed.Load() {
			return ErrDestroyed
		}
		select {
		case <-v.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Destroy tears down the timer synchronously and wakes any waiter. It is
// safe to call more than once.
func (v *VCPU) Destroy() {
	if v.destroyed.Swap(true) {
		return
	}
	v.Timer.Destroy()
	v.Kick()
}

// Destroyed reports whether Destroy has been called.
func (v *VCPU) Destroyed() bool { return v.destroyed.Load() }

// ReadInstruction returns the raw bytes at the PC. The MMU is off after
// reset so the PC is a guest physical address.
func (v *VCPU) ReadInstruction() ([]byte, error) {
	if v.memory == nil {
		return nil, ErrNoGuestMemory
	}
	size := 4
	if v.Regs.Thumb() && !v.Syndrome.IL() {
		size = 2
	}
	buf := make([]byte, size)
	if _, err := v.memory.ReadAt(buf, int64(v.Regs.PC())); err != nil {
		return nil, fmt.Errorf("vcpu %d: read instruction at %#x: %w", v.id, v.Regs.PC(), err)
	}
	return buf, nil
}
