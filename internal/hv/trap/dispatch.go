// Package trap classifies guest exits and routes them to emulation.
//
// HandleExit follows the host return contract: OutcomeResume re-enters the
// guest, OutcomeExitToHost returns to the VM manager with RunState filled
// in, and an error is the fatal path. Errors satisfying hv.IsFatal mean the
// VM must be killed.
package trap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
	"golang.org/x/arch/arm/armasm"
)

var (
	ErrNoVCPU   = errors.New("trap: no vcpu")
	ErrNoTarget = errors.New("trap: vcpu target not initialized")
	ErrNoRun    = errors.New("trap: no run state")
	ErrHypAbort = errors.New("trap: abort taken from hyp mode")
)

var (
	kindIRQ         = exittrace.RegisterKind("exit_irq")
	kindCondSkip    = exittrace.RegisterKind("exit_condition_skip")
	kindUnsupported = exittrace.RegisterKind("exit_unsupported")
)

// CoprocEmulator emulates MCR/MRC (wide false) and MCRR/MRRC (wide true)
// accesses to CP15.
type CoprocEmulator interface {
	HandleCP15(ctx context.Context, v *vcpu.VCPU, run *hv.RunState, wide bool) (hv.Outcome, error)
}

// HypercallService handles HVC calls. handled is false for calls it does
// not implement.
type HypercallService interface {
	HandleHypercall(ctx context.Context, v *vcpu.VCPU, run *hv.RunState) (handled bool, outcome hv.Outcome, err error)
}

// AbortHandler resolves stage 2 aborts, usually by MMIO emulation.
type AbortHandler interface {
	HandleAbort(ctx context.Context, v *vcpu.VCPU, run *hv.RunState, prefetch bool) (hv.Outcome, error)
}

// Emulators are the collaborators handlers delegate to. A nil emulator makes
// the corresponding guest operation fault.
type Emulators struct {
	Coproc    CoprocEmulator
	Hypercall HypercallService
	Abort     AbortHandler
}

type exit struct {
	vcpu *vcpu.VCPU
	run  *hv.RunState
}

type Option func(*Dispatcher)

// WithRecorder counts and times exits.
func WithRecorder(r *exittrace.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// Dispatcher routes exits. It is safe for concurrent use by several vCPU
// threads.
type Dispatcher struct {
	emu      Emulators
	recorder *exittrace.Recorder
	unimpl   *hv.RateLimitedLogger
}

func NewDispatcher(emu Emulators, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		emu:    emu,
		unimpl: hv.NewRateLimitedLogger(5*time.Second, 10),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleExit handles one return from the guest.
func (d *Dispatcher) HandleExit(ctx context.Context, v *vcpu.VCPU, run *hv.RunState, index ExitIndex) (hv.Outcome, error) {
	if v == nil {
		return hv.OutcomeExitToHost, ErrNoVCPU
	}
	if !v.Target().Valid() {
		return hv.OutcomeExitToHost, fmt.Errorf("%w: vcpu %d", ErrNoTarget, v.ID())
	}
	if run == nil {
		return hv.OutcomeExitToHost, ErrNoRun
	}

	start := time.Now()

	switch index {
	case ExitIRQ:
		d.recorder.Record(v.ID(), kindIRQ, time.Since(start))
		return hv.OutcomeResume, nil

	case ExitUndefined:
		return hv.OutcomeExitToHost, d.fatal(v, "undefined instruction in hyp mode")

	case ExitDataAbort, ExitPrefetchAbort, ExitHVC:
		if !v.ConditionValid() {
			// The instruction would not have executed; skip it.
			if err := v.SkipInstruction(v.Syndrome.IL()); err != nil {
				return hv.OutcomeExitToHost, err
			}
			d.recorder.Record(v.ID(), kindCondSkip, time.Since(start))
			return hv.OutcomeResume, nil
		}

		class := ExceptionClass(v.Syndrome.Class())
		h, ok := Lookup(class)
		if !ok {
			return hv.OutcomeExitToHost, d.fatal(v, fmt.Sprintf("unsupported exception class %s (%s)", class, v.Syndrome))
		}

		outcome, err := h.handle(ctx, d, &exit{vcpu: v, run: run})
		d.recorder.Record(v.ID(), classKinds[class], time.Since(start))
		return outcome, err

	default:
		d.unimpl.Warn("unsupported guest exit",
			"vcpu", v.ID(),
			"index", index,
			"syndrome", v.Syndrome,
		)
		run.ExitReason = hv.ExitInternalError
		run.InternalError.Suberror = hv.SuberrorUnsupportedExit
		run.InternalError.Data = []uint64{uint64(index)}
		d.recorder.Record(v.ID(), kindUnsupported, time.Since(start))
		return hv.OutcomeExitToHost, nil
	}
}

// fatal logs and builds the error for a broken hyp/guest contract.
func (d *Dispatcher) fatal(v *vcpu.VCPU, reason string) error {
	insn := describeInstruction(v)
	slog.Error("fatal guest exit",
		"vcpu", v.ID(),
		"reason", reason,
		"pc", fmt.Sprintf("%#08x", v.Regs.PC()),
		"cpsr", fmt.Sprintf("%#08x", v.Regs.CPSR),
		"instruction", insn,
	)
	return &hv.FatalError{
		VCPU:   v.ID(),
		Reason: fmt.Sprintf("%s at pc=%#x (%s)", reason, v.Regs.PC(), insn),
	}
}

// describeInstruction disassembles the trapped instruction if guest memory
// is available.
func describeInstruction(v *vcpu.VCPU) string {
	raw, err := v.ReadInstruction()
	if err != nil {
		return "unavailable"
	}
	if v.Regs.Thumb() {
		return fmt.Sprintf("thumb % x", raw)
	}
	inst, err := armasm.Decode(raw, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf("% x", raw)
	}
	return armasm.GNUSyntax(inst)
}
