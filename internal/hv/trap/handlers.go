package trap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/armvirt/internal/hv"
)

// wfiHandler blocks the vCPU until an interrupt is pending, then steps past
// the WFI.
type wfiHandler struct{}

func (wfiHandler) Class() ExceptionClass { return ClassWFI }
func (wfiHandler) Name() string          { return "wfi" }

func (wfiHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	if err := e.vcpu.Block(ctx); err != nil {
		return hv.OutcomeExitToHost, fmt.Errorf("trap: vcpu %d: wfi: %w", e.vcpu.ID(), err)
	}
	if err := e.vcpu.SkipInstruction(e.vcpu.Syndrome.IL()); err != nil {
		return hv.OutcomeExitToHost, err
	}
	return hv.OutcomeResume, nil
}

type cp15Handler struct {
	class ExceptionClass
}

func (h cp15Handler) Class() ExceptionClass { return h.class }

func (h cp15Handler) Name() string {
	if h.class == ClassCP15_64 {
		return "cp15 mrrc/mcrr"
	}
	return "cp15 mrc/mcr"
}

func (h cp15Handler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	if d.emu.Coproc == nil {
		d.unimpl.Warn("no coprocessor emulation", "vcpu", e.vcpu.ID(), "syndrome", e.vcpu.Syndrome)
		e.vcpu.InjectUndefined()
		return hv.OutcomeResume, nil
	}
	return d.emu.Coproc.HandleCP15(ctx, e.vcpu, e.run, h.class == ClassCP15_64)
}

// undefHandler makes the trapped instruction undefined from the guest's
// point of view.
type undefHandler struct {
	class ExceptionClass
	name  string
}

func (h undefHandler) Class() ExceptionClass { return h.class }
func (h undefHandler) Name() string          { return h.name }

func (h undefHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	slog.Debug("injecting undefined instruction", "vcpu", e.vcpu.ID(), "class", h.class)
	e.vcpu.InjectUndefined()
	return hv.OutcomeResume, nil
}

// svcHypHandler: an SVC executed in hyp mode never traps to the guest exit
// path.
type svcHypHandler struct{}

func (svcHypHandler) Class() ExceptionClass { return ClassSVC_HYP }
func (svcHypHandler) Name() string          { return "svc from hyp" }

func (svcHypHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	return hv.OutcomeExitToHost, d.fatal(e.vcpu, "svc taken from hyp mode")
}

type hvcHandler struct{}

func (hvcHandler) Class() ExceptionClass { return ClassHVC }
func (hvcHandler) Name() string          { return "hvc" }

func (hvcHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	if d.emu.Hypercall != nil {
		handled, outcome, err := d.emu.Hypercall.HandleHypercall(ctx, e.vcpu, e.run)
		if err != nil || handled {
			return outcome, err
		}
	}
	slog.Debug("unhandled hypercall", "vcpu", e.vcpu.ID(), "r0", fmt.Sprintf("%#x", e.vcpu.Regs.R[0]))
	e.vcpu.InjectUndefined()
	return hv.OutcomeResume, nil
}

type abortHandler struct {
	class ExceptionClass
}

func (h abortHandler) Class() ExceptionClass { return h.class }

func (h abortHandler) Name() string {
	if h.class == ClassIABT {
		return "guest prefetch abort"
	}
	return "guest data abort"
}

func (h abortHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	prefetch := h.class == ClassIABT
	if d.emu.Abort != nil {
		return d.emu.Abort.HandleAbort(ctx, e.vcpu, e.run, prefetch)
	}

	if prefetch {
		e.vcpu.InjectPrefetchAbort(e.vcpu.FaultVA)
	} else {
		e.vcpu.InjectDataAbort(e.vcpu.FaultVA)
	}
	return hv.OutcomeResume, nil
}

// hypAbortHandler reports an abort taken while running hyp code.
type hypAbortHandler struct {
	class ExceptionClass
}

func (h hypAbortHandler) Class() ExceptionClass { return h.class }

func (h hypAbortHandler) Name() string {
	if h.class == ClassIABT_HYP {
		return "hyp prefetch abort"
	}
	return "hyp data abort"
}

func (h hypAbortHandler) handle(ctx context.Context, d *Dispatcher, e *exit) (hv.Outcome, error) {
	slog.Error("abort taken from hyp mode",
		"vcpu", e.vcpu.ID(),
		"class", h.class,
		"pc", fmt.Sprintf("%#08x", e.vcpu.Regs.PC()),
		"syndrome", e.vcpu.Syndrome,
	)
	return hv.OutcomeExitToHost, fmt.Errorf("%w: %s at pc=%#x (%s)", ErrHypAbort, h.class, e.vcpu.Regs.PC(), e.vcpu.Syndrome)
}
