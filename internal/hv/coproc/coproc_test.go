package coproc

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

type nopInjector struct{}

func (nopInjector) InjectIRQ(int, uint32, bool) error { return nil }

func newTestVCPU(t *testing.T) (*vcpu.VCPU, *clocksource.Manual) {
	t.Helper()

	clock := clocksource.NewManual(1_000_000)
	host, err := archtimer.NewHost(archtimer.Config{Counter: clock})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	timer, err := archtimer.NewTimer(host, host.NewVM(), 0, nopInjector{})
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	v, err := vcpu.New(0, vcpu.Config{Timer: timer})
	if err != nil {
		t.Fatalf("vcpu.New: %v", err)
	}
	if err := v.Init(vcpu.TargetCortexA15); err != nil {
		t.Fatalf("Init: %v", err)
	}
	v.Regs.SetPC(0x100)
	t.Cleanup(func() {
		v.Destroy()
		host.Close()
	})
	return v, clock
}

func trapAccess(t *testing.T, e *Emulator, v *vcpu.VCPU, a Access) {
	t.Helper()
	class := uint8(0x03)
	if a.Wide {
		class = 0x04
	}
	v.Syndrome = vcpu.MakeSyndrome(class, true, a.Encode())
	outcome, err := e.HandleCP15(context.Background(), v, &hv.RunState{}, a.Wide)
	if err != nil || outcome != hv.OutcomeResume {
		t.Fatalf("HandleCP15(%s)=%s,%v", a, outcome, err)
	}
}

func TestDecode(t *testing.T) {
	// mrc p15, 0, r2, c14, c3, 1
	got := Decode(0x23847, false)
	want := Access{CRn: 14, CRm: 3, Opc1: 0, Opc2: 1, Rt: 2, Read: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Decode (-want +got):\n%s", diff)
	}
	if name := RegisterName(got); name != "CNTV_CTL" {
		t.Fatalf("RegisterName=%q", name)
	}

	wide := Access{CRm: 14, Opc1: 3, Rt: 4, Rt2: 5, Wide: true}
	if diff := cmp.Diff(wide, Decode(wide.Encode(), true)); diff != "" {
		t.Fatalf("wide round trip (-want +got):\n%s", diff)
	}
	if s := wide.String(); s != "mcrr p15, 3, r4, r5, c14" {
		t.Fatalf("String()=%q", s)
	}
}

func TestTimerRegisters(t *testing.T) {
	e := New()
	v, clock := newTestVCPU(t)

	// mcrr p15, 3, r0, r1, c14: CNTV_CVAL = 0x1_00000010
	v.Regs.R[0] = 0x10
	v.Regs.R[1] = 0x1
	trapAccess(t, e, v, Access{CRm: 14, Opc1: 3, Rt: 0, Rt2: 1, Wide: true})
	if cval := v.Timer.ReadCval(); cval != 0x1_00000010 {
		t.Fatalf("cval=%#x", cval)
	}
	if pc := v.Regs.PC(); pc != 0x104 {
		t.Fatalf("pc=%#x, want 0x104", pc)
	}

	clock.Advance(0x2_00000003)
	// mrrc p15, 1, r2, r3, c14: CNTVCT
	trapAccess(t, e, v, Access{CRm: 14, Opc1: 1, Rt: 2, Rt2: 3, Read: true, Wide: true})
	if v.Regs.R[2] != 3 || v.Regs.R[3] != 2 {
		t.Fatalf("cntvct r2=%#x r3=%#x", v.Regs.R[2], v.Regs.R[3])
	}

	// mcr p15, 0, r4, c14, c3, 0: CNTV_TVAL = 100
	v.Regs.R[4] = 100
	trapAccess(t, e, v, Access{CRn: 14, CRm: 3, Rt: 4})
	if cval := v.Timer.ReadCval(); cval != 0x2_00000003+100 {
		t.Fatalf("cval after tval write=%#x", cval)
	}

	// mcr p15, 0, r5, c14, c3, 1: CNTV_CTL = enable
	v.Regs.R[5] = archtimer.CtlEnable
	trapAccess(t, e, v, Access{CRn: 14, CRm: 3, Opc2: 1, Rt: 5})

	clock.Advance(100)
	// mrc p15, 0, r6, c14, c3, 1
	trapAccess(t, e, v, Access{CRn: 14, CRm: 3, Opc2: 1, Rt: 6, Read: true})
	if want := archtimer.CtlEnable | archtimer.CtlIStatus; v.Regs.R[6] != want {
		t.Fatalf("cntv_ctl=%#x, want %#x", v.Regs.R[6], want)
	}

	// mrc p15, 0, r7, c14, c0, 0: CNTFRQ
	trapAccess(t, e, v, Access{CRn: 14, Rt: 7, Read: true})
	if v.Regs.R[7] != 1_000_000 {
		t.Fatalf("cntfrq=%d", v.Regs.R[7])
	}
}

func TestSystemRegisters(t *testing.T) {
	e := New()
	v, _ := newTestVCPU(t)

	v.Regs.R[0] = 0x8000_001f
	trapAccess(t, e, v, Access{CRn: 12, Rt: 0})
	if v.Regs.VBAR != 0x8000_0000 {
		t.Fatalf("vbar=%#x", v.Regs.VBAR)
	}

	trapAccess(t, e, v, Access{CRn: 0, Opc2: 5, Rt: 1, Read: true})
	if v.Regs.R[1] != v.Regs.MPIDR {
		t.Fatalf("mpidr read=%#x, want %#x", v.Regs.R[1], v.Regs.MPIDR)
	}

	// mrc to r15 updates the flags only
	v.Regs.SCTLR = 0xa000_0000
	cpsr := v.Regs.CPSR
	trapAccess(t, e, v, Access{CRn: 1, Rt: 15, Read: true})
	if want := cpsr&0x0fffffff | 0xa000_0000; v.Regs.CPSR != want {
		t.Fatalf("cpsr=%#x, want %#x", v.Regs.CPSR, want)
	}
}

func TestUnsupportedAccessIsUndefined(t *testing.T) {
	for _, a := range []Access{
		{CRn: 9, CRm: 12, Opc2: 0, Rt: 0},     // PMCR
		{CRn: 14, Rt: 0},                      // CNTFRQ is read-only
		{CRm: 14, Opc1: 1, Rt: 0, Wide: true}, // CNTVCT is read-only
	} {
		e := New()
		v, _ := newTestVCPU(t)
		v.Regs.VBAR = 0x4000

		trapAccess(t, e, v, a)
		if v.Regs.Mode() != vcpu.PSRModeUnd || v.Regs.PC() != 0x4004 {
			t.Fatalf("%s: mode=%#x pc=%#x, want undefined", a, v.Regs.Mode(), v.Regs.PC())
		}
		if v.Regs.LRUnd != 0x104 {
			t.Fatalf("%s: lr_und=%#x", a, v.Regs.LRUnd)
		}
	}
}

func TestLookupRegister(t *testing.T) {
	a, ok := LookupRegister("cntv_cval")
	if !ok {
		t.Fatalf("CNTV_CVAL not found")
	}
	want := Access{CRm: 14, Opc1: 3, Wide: true}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Fatalf("LookupRegister (-want +got):\n%s", diff)
	}
	if name := RegisterName(a); name != "CNTV_CVAL" {
		t.Fatalf("RegisterName=%q", name)
	}
	if _, ok := LookupRegister("TTBR0"); ok {
		t.Fatalf("unemulated register found")
	}
}
