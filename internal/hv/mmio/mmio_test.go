package mmio

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

type nopInjector struct{}

func (nopInjector) InjectIRQ(int, uint32, bool) error { return nil }

func newTestVCPU(t *testing.T) *vcpu.VCPU {
	t.Helper()

	host, err := archtimer.NewHost(archtimer.Config{Counter: clocksource.NewManual(1_000_000)})
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
	return v
}

func dataAbort(v *vcpu.VCPU, addr uint64, a DataAbort) {
	v.Syndrome = vcpu.MakeSyndrome(0x24, true, a.Encode())
	v.FaultIPA = addr
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus()
	if err := bus.Register(NewSink(0x1000, 0x100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := bus.Register(NewSink(0x1100, 0x100)); err != nil {
		t.Fatalf("Register adjacent: %v", err)
	}

	for _, r := range []hv.MMIORegion{
		{Address: 0x10ff, Size: 2},
		{Address: 0x0f00, Size: 0x101},
		{Address: 0x1080, Size: 0x10},
		{Address: 0x0, Size: 0x10000},
	} {
		dev := hv.SimpleMMIODevice{Regions: []hv.MMIORegion{r}}
		if err := bus.Register(dev); !errors.Is(err, ErrOverlap) {
			t.Fatalf("Register(%+v)=%v, want ErrOverlap", r, err)
		}
	}
	if err := bus.Register(NewSink(0x2000, 0)); !errors.Is(err, ErrEmptyRegion) {
		t.Fatalf("Register(empty)=%v", err)
	}
	if n := bus.Len(); n != 2 {
		t.Fatalf("Len=%d, want 2", n)
	}
}

func TestBusFind(t *testing.T) {
	bus := NewBus()
	sink := NewSink(0x1000, 0x100)
	ram := NewRAM(0x8000, 0x1000)
	bus.Register(sink)
	bus.Register(ram)

	if dev, ok := bus.Find(0x10fc, 4); !ok || dev != sink {
		t.Fatalf("Find(0x10fc)=%v,%t", dev, ok)
	}
	if _, ok := bus.Find(0x10fe, 4); ok {
		t.Fatalf("access straddling the end was claimed")
	}
	if _, ok := bus.Find(0x4000, 4); ok {
		t.Fatalf("hole was claimed")
	}
	if dev, ok := bus.Find(0x8000, 1); !ok || dev != ram {
		t.Fatalf("Find(0x8000)=%v,%t", dev, ok)
	}
}

func TestDecodeDataAbort(t *testing.T) {
	// ldrsh r3, [...]: ISV, SAS=halfword, SSE, SRT=3, read
	got, err := DecodeDataAbort(1<<24 | 1<<22 | 1<<21 | 3<<16)
	if err != nil {
		t.Fatalf("DecodeDataAbort: %v", err)
	}
	want := DataAbort{Size: 2, SignExtend: true, Register: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DecodeDataAbort (-want +got):\n%s", diff)
	}

	if _, err := DecodeDataAbort(3 << 16); !errors.Is(err, ErrNoSyndrome) {
		t.Fatalf("DecodeDataAbort without ISV=%v", err)
	}
	if _, err := DecodeDataAbort(1<<24 | 3<<22 | 2<<16); !errors.Is(err, ErrAccessSize) {
		t.Fatalf("DecodeDataAbort with SAS=3=%v", err)
	}
}

func TestHandlerEmulatesDeviceAccess(t *testing.T) {
	bus := NewBus()
	ram := NewRAM(0x8000, 0x1000)
	bus.Register(ram)
	h := NewHandler(bus)
	v := newTestVCPU(t)

	v.Regs.R[2] = 0xdeadbeef
	dataAbort(v, 0x8010, DataAbort{Size: 4, Write: true, Register: 2})
	outcome, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, false)
	if err != nil || outcome != hv.OutcomeResume {
		t.Fatalf("write=%s,%v", outcome, err)
	}
	if pc := v.Regs.PC(); pc != 0x104 {
		t.Fatalf("pc=%#x, want 0x104", pc)
	}

	dataAbort(v, 0x8012, DataAbort{Size: 2, SignExtend: true, Register: 5})
	if _, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if v.Regs.R[5] != 0xffffdead {
		t.Fatalf("r5=%#x, want sign extended 0xffffdead", v.Regs.R[5])
	}

	buf := make([]byte, 4)
	if _, err := ram.ReadAt(buf, 0x8010); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if diff := cmp.Diff([]byte{0xef, 0xbe, 0xad, 0xde}, buf); diff != "" {
		t.Fatalf("ram (-want +got):\n%s", diff)
	}
}

func TestHandlerExitsToHostForUnclaimedAddress(t *testing.T) {
	h := NewHandler(NewBus())
	v := newTestVCPU(t)
	run := &hv.RunState{}

	v.Regs.R[1] = 0x41
	dataAbort(v, 0x9000_0000, DataAbort{Size: 1, Write: true, Register: 1})
	outcome, err := h.HandleAbort(context.Background(), v, run, false)
	if err != nil || outcome != hv.OutcomeExitToHost {
		t.Fatalf("write=%s,%v", outcome, err)
	}
	want := hv.MMIOExit{Addr: 0x9000_0000, Len: 1, IsWrite: true, Data: [8]byte{0x41}}
	if run.ExitReason != hv.ExitMMIO || run.MMIO != want {
		t.Fatalf("run=%+v", run)
	}
	if h.HasPendingRead(v) {
		t.Fatalf("write left a pending read")
	}

	run.Reset()
	dataAbort(v, 0x9000_0004, DataAbort{Size: 4, Register: 7})
	if _, err := h.HandleAbort(context.Background(), v, run, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !h.HasPendingRead(v) {
		t.Fatalf("read not pending")
	}
	if pc := v.Regs.PC(); pc != 0x108 {
		t.Fatalf("pc=%#x, want 0x108", pc)
	}

	copy(run.MMIO.Data[:], []byte{0x78, 0x56, 0x34, 0x12})
	if err := h.CompleteRead(v, run); err != nil {
		t.Fatalf("CompleteRead: %v", err)
	}
	if v.Regs.R[7] != 0x12345678 {
		t.Fatalf("r7=%#x", v.Regs.R[7])
	}
	if err := h.CompleteRead(v, run); !errors.Is(err, ErrNoPendingRead) {
		t.Fatalf("second CompleteRead=%v", err)
	}
}

func TestHandlerBigEndianGuest(t *testing.T) {
	bus := NewBus()
	ram := NewRAM(0, 0x100)
	bus.Register(ram)
	h := NewHandler(bus)
	v := newTestVCPU(t)
	v.Regs.CPSR |= vcpu.PSREndian

	v.Regs.R[0] = 0x11223344
	dataAbort(v, 0x20, DataAbort{Size: 4, Write: true, Register: 0})
	if _, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, false); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4)
	ram.ReadAt(buf, 0x20)
	if diff := cmp.Diff([]byte{0x11, 0x22, 0x33, 0x44}, buf); diff != "" {
		t.Fatalf("ram (-want +got):\n%s", diff)
	}
}

func TestHandlerErrorsAndPrefetch(t *testing.T) {
	h := NewHandler(NewBus())
	v := newTestVCPU(t)
	v.Regs.VBAR = 0x4000

	v.Syndrome = vcpu.MakeSyndrome(0x24, true, 0)
	if _, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, false); !errors.Is(err, ErrNoSyndrome) {
		t.Fatalf("abort without ISV=%v", err)
	}

	v.Syndrome = vcpu.MakeSyndrome(0x24, true, 1<<24|3<<22|1<<6)
	if _, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, false); !errors.Is(err, ErrAccessSize) {
		t.Fatalf("doubleword abort=%v", err)
	}

	v.FaultVA = 0x3000
	outcome, err := h.HandleAbort(context.Background(), v, &hv.RunState{}, true)
	if err != nil || outcome != hv.OutcomeResume {
		t.Fatalf("prefetch=%s,%v", outcome, err)
	}
	if v.Regs.PC() != 0x400c || v.Regs.IFAR != 0x3000 {
		t.Fatalf("prefetch abort not injected: pc=%#x ifar=%#x", v.Regs.PC(), v.Regs.IFAR)
	}
}

func TestSinkCounts(t *testing.T) {
	s := NewSink(0, 0x10)
	data := []byte{1, 2, 3, 4}
	s.WriteMMIO(0, data)
	s.ReadMMIO(0, data)
	if s.Reads() != 1 || s.Writes() != 1 {
		t.Fatalf("reads=%d writes=%d", s.Reads(), s.Writes())
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, data); diff != "" {
		t.Fatalf("sink read (-want +got):\n%s", diff)
	}
}
