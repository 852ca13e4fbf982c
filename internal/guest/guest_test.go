package guest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/psci"
	"github.com/tinyrange/armvirt/internal/hv/runloop"
	"github.com/tinyrange/armvirt/internal/hv/trap"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
	"github.com/tinyrange/armvirt/internal/mcpm"
)

const (
	ramBase = 0x4000_0000
	ramSize = 0x1000
)

func newMachine(t *testing.T, scripts [][]Op) (*Guest, *runloop.VM) {
	t.Helper()

	g, err := New(0, scripts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host, err := archtimer.NewHost(archtimer.Config{Counter: clocksource.NewManual(1_000_000)})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	vm, err := runloop.NewVM(runloop.Config{
		CPUs:       len(scripts),
		Target:     vcpu.TargetCortexA15,
		Host:       host,
		Entry:      g.Entry(0),
		MemoryBase: ramBase,
		MemorySize: ramSize,
	}, g)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	g.AttachInterrupts(vm.Interrupts())
	t.Cleanup(func() {
		vm.Close()
		host.Close()
	})
	return g, vm
}

func runFor(t *testing.T, vm *runloop.VM, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return vm.Run(ctx)
}

func TestCompileRejectsBadOps(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   Op
	}{
		{"unknown", Op{Op: "jump"}},
		{"register", Op{Op: OpMov, Rt: 15}},
		{"cond", Op{Op: OpWFI, Cond: "sometimes"}},
		{"cp15 name", Op{Op: OpCP15Read, Reg: "NOPE"}},
		{"mmio size", Op{Op: OpMMIORead, Addr: ramBase, Size: 8}},
		{"hvc fn", Op{Op: OpHVC, Fn: "reboot_now"}},
		{"hvc args", Op{Op: OpHVC, Fn: "version", Args: []uint32{1, 2, 3, 4}}},
		{"cpu-on self", Op{Op: OpCPUOn, Target: 0}},
		{"cpu-on range", Op{Op: OpCPUOn, Target: 2}},
		{"delay", Op{Op: OpDelay}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(0, [][]Op{{tc.op}, {}}); !errors.Is(err, ErrInvalidOp) {
				t.Fatalf("New=%v, want ErrInvalidOp", err)
			}
		})
	}

	if _, err := New(0, nil); !errors.Is(err, ErrNoCPUs) {
		t.Fatalf("New(nil)=%v", err)
	}
}

func TestSyndromes(t *testing.T) {
	for _, tc := range []struct {
		op    Op
		class trap.ExceptionClass
	}{
		{Op{Op: OpCP15Read, Reg: "CNTV_CTL"}, trap.ClassCP15_32},
		{Op{Op: OpCP15Write, Reg: "CNTV_CVAL", Rt: 2}, trap.ClassCP15_64},
		{Op{Op: OpWFI}, trap.ClassWFI},
		{Op{Op: OpMMIOWrite, Addr: ramBase}, trap.ClassDABT},
		{Op{Op: OpHVC, Fn: "0x84000000"}, trap.ClassHVC},
		{Op{Op: OpHalt}, trap.ClassHVC},
		{Op{Op: OpSMC}, trap.ClassSMC},
		{Op{Op: OpUndef}, trap.ClassCP14_MR},
	} {
		in, err := compile(tc.op, 1)
		if err != nil {
			t.Fatalf("compile(%s): %v", tc.op.Op, err)
		}
		s := in.syndrome()
		if trap.ExceptionClass(s.Class()) != tc.class || !s.IL() {
			t.Fatalf("%s: syndrome %s, want class %s", tc.op.Op, s, tc.class)
		}
	}

	in, err := compile(Op{Op: OpWFI, Cond: "EQ"}, 1)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if s := in.syndrome(); !s.CV() || s.Cond() != 0 {
		t.Fatalf("conditional wfi syndrome %s", s)
	}
}

func TestScriptedBootCPU(t *testing.T) {
	script := []Op{
		{Op: OpCP15Write, Reg: "CNTV_TVAL", Value: 1000},
		{Op: OpCP15Write, Reg: "CNTV_CTL", Value: uint64(archtimer.CtlEnable)},
		{Op: OpWFI},
		{Op: OpAck},
		{Op: OpCP15Read, Reg: "CNTV_CTL", Rt: 4},
		{Op: OpMMIOWrite, Addr: ramBase + 0x10, Rt: 1, Value: 0xcafe},
		{Op: OpMMIORead, Addr: ramBase + 0x10, Rt: 2},
		{Op: OpSMC},
		// Z is clear, so this write does not happen.
		{Op: OpCP15Write, Reg: "CNTV_CTL", Value: 0, Cond: "eq"},
		{Op: OpCP15Read, Reg: "CNTV_CTL", Rt: 5},
		{Op: OpHVC, Fn: "version"},
		{Op: OpHalt},
	}
	g, vm := newMachine(t, [][]Op{script})

	if err := runFor(t, vm, 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	at := func(i int) uint32 { return g.Entry(0) + uint32(i)*instrSize }
	ctl := uint64(archtimer.CtlEnable | archtimer.CtlIMask)
	want := []Read{
		{PC: at(4), Op: OpCP15Read, What: "CNTV_CTL", Value: ctl},
		{PC: at(6), Op: OpMMIORead, What: "0x40000010", Value: 0xcafe},
		{PC: at(9), Op: OpCP15Read, What: "CNTV_CTL", Value: ctl},
		{PC: at(10), Op: OpHVC, What: psci.FnVersion.String(), Value: uint64(psci.Version)},
	}
	st := g.Stats(0)
	if diff := cmp.Diff(want, st.Reads); diff != "" {
		t.Fatalf("reads (-want +got):\n%s", diff)
	}
	if st.Acked[archtimer.DefaultVirtualLine.IRQ] != 1 {
		t.Fatalf("acked=%v", st.Acked)
	}
	if st.Exceptions["undefined"] != 1 {
		t.Fatalf("exceptions=%v", st.Exceptions)
	}
	if n := vm.Interrupts().Raised(0, archtimer.DefaultVirtualLine.IRQ); n != 1 {
		t.Fatalf("timer raised %d times", n)
	}
	if pending := vm.Interrupts().Pending(0); len(pending) != 0 {
		t.Fatalf("still pending after ack: %v", pending)
	}

	v, _ := vm.VCPU(0)
	if v.Regs.Mode() != vcpu.PSRModeSvc {
		t.Fatalf("mode %#x after exception return", v.Regs.Mode())
	}
	if pc := v.Regs.PC(); pc != at(12) {
		t.Fatalf("pc=%#x, want %#x", pc, at(12))
	}
}

func TestCPUOnRunsSecondaryScript(t *testing.T) {
	scripts := [][]Op{
		{{Op: OpCPUOn, Target: 1, Value: 0x55}},
		{
			{Op: OpMov, Rt: 6, Value: 7},
			{Op: OpHVC, Fn: "version"},
			{Op: OpHalt},
		},
	}
	g, vm := newMachine(t, scripts)

	if err := runFor(t, vm, 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Read{{PC: g.Entry(0), Op: OpCPUOn, What: psci.FnCPUOn.String(), Value: uint64(psci.Success)}}
	if diff := cmp.Diff(want, g.Stats(0).Reads); diff != "" {
		t.Fatalf("boot cpu reads (-want +got):\n%s", diff)
	}
	if n := len(g.Stats(1).Reads); n != 1 {
		t.Fatalf("secondary reads=%d", n)
	}

	v, _ := vm.VCPU(1)
	if v.Regs.R[6] != 7 {
		t.Fatalf("r6=%d", v.Regs.R[6])
	}
	if st := vm.Power().CPUState(1, 0); st != mcpm.CPUUp {
		t.Fatalf("secondary power state %s", st)
	}
}

func TestEndOfScriptPowersOff(t *testing.T) {
	_, vm := newMachine(t, [][]Op{{{Op: OpMov, Rt: 1, Value: 1}}})

	if err := runFor(t, vm, 100*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run=%v", err)
	}
	v, _ := vm.VCPU(0)
	if !v.Paused() {
		t.Fatalf("vcpu still running")
	}
	if st := vm.Power().CPUState(0, 0); st != mcpm.CPUDown {
		t.Fatalf("power state %s", st)
	}
}

func TestWildPC(t *testing.T) {
	g, vm := newMachine(t, [][]Op{{{Op: OpHalt}}})
	v, _ := vm.VCPU(0)
	v.Regs.SetPC(0x1000)

	if _, err := g.Enter(context.Background(), v); !errors.Is(err, ErrWildPC) {
		t.Fatalf("Enter=%v", err)
	}
}

func TestAckWithoutInterruptController(t *testing.T) {
	g, err := New(0, [][]Op{{{Op: OpAck}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host, err := archtimer.NewHost(archtimer.Config{Counter: clocksource.NewManual(1_000_000)})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close()
	vm, err := runloop.NewVM(runloop.Config{CPUs: 1, Host: host, Entry: g.Entry(0)}, g)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Close()

	if err := runFor(t, vm, 5*time.Second); !errors.Is(err, ErrNoInterrupts) {
		t.Fatalf("Run=%v", err)
	}
}
