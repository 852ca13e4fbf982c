package psci

import (
	"context"
	"testing"

	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
	"github.com/tinyrange/armvirt/internal/mcpm"
)

type nopInjector struct{}

func (nopInjector) InjectIRQ(int, uint32, bool) error { return nil }

func newTestVCPUs(t *testing.T, n int) (*Service, []*vcpu.VCPU) {
	t.Helper()

	host, err := archtimer.NewHost(archtimer.Config{Counter: clocksource.NewManual(1_000_000)})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	vm := host.NewVM()
	s := New()
	var cpus []*vcpu.VCPU
	for i := 0; i < n; i++ {
		timer, err := archtimer.NewTimer(host, vm, i, nopInjector{})
		if err != nil {
			t.Fatalf("NewTimer: %v", err)
		}
		v, err := vcpu.New(i, vcpu.Config{Timer: timer})
		if err != nil {
			t.Fatalf("vcpu.New: %v", err)
		}
		if err := v.Init(vcpu.TargetCortexA15); err != nil {
			t.Fatalf("Init: %v", err)
		}
		t.Cleanup(v.Destroy)
		s.Attach(v)
		cpus = append(cpus, v)
	}
	return s, cpus
}

func call(t *testing.T, s *Service, v *vcpu.VCPU, run *hv.RunState, fid FunctionID, args ...uint32) (bool, hv.Outcome) {
	t.Helper()
	v.Regs.R[0] = uint32(fid)
	for i, arg := range args {
		v.Regs.R[1+i] = arg
	}
	handled, outcome, err := s.HandleHypercall(context.Background(), v, run)
	if err != nil {
		t.Fatalf("%s: %v", fid, err)
	}
	return handled, outcome
}

func TestVersionAndFeatures(t *testing.T) {
	s, cpus := newTestVCPUs(t, 1)
	v := cpus[0]

	handled, outcome := call(t, s, v, &hv.RunState{}, FnVersion)
	if !handled || outcome != hv.OutcomeResume || v.Regs.R[0] != 2 {
		t.Fatalf("version handled=%t outcome=%s r0=%#x", handled, outcome, v.Regs.R[0])
	}

	call(t, s, v, &hv.RunState{}, FnFeatures, uint32(FnCPUOn))
	if int32(v.Regs.R[0]) != Success {
		t.Fatalf("features(cpu_on)=%d", int32(v.Regs.R[0]))
	}
	call(t, s, v, &hv.RunState{}, FnFeatures, 0x84000005)
	if int32(v.Regs.R[0]) != NotSupported {
		t.Fatalf("features(unknown)=%d", int32(v.Regs.R[0]))
	}

	call(t, s, v, &hv.RunState{}, FnMigrateInfoType)
	if v.Regs.R[0] != 2 {
		t.Fatalf("migrate info type=%d", v.Regs.R[0])
	}
}

func TestUnknownFunctionIsNotHandled(t *testing.T) {
	s, cpus := newTestVCPUs(t, 1)
	if handled, _ := call(t, s, cpus[0], &hv.RunState{}, FunctionID(0xc4000020)); handled {
		t.Fatalf("unknown function reported as handled")
	}
}

func TestSystemEvents(t *testing.T) {
	s, cpus := newTestVCPUs(t, 1)

	for fid, want := range map[FunctionID]hv.SystemEventType{
		FnSystemOff:   hv.SystemEventShutdown,
		FnSystemReset: hv.SystemEventReset,
	} {
		run := &hv.RunState{}
		handled, outcome := call(t, s, cpus[0], run, fid)
		if !handled || outcome != hv.OutcomeExitToHost {
			t.Fatalf("%s: handled=%t outcome=%s", fid, handled, outcome)
		}
		if run.ExitReason != hv.ExitSystemEvent || run.SystemEvent.Type != want {
			t.Fatalf("%s: run=%+v", fid, run)
		}
	}
}

func TestCPUOnOffAndAffinity(t *testing.T) {
	s, cpus := newTestVCPUs(t, 2)
	boot, secondary := cpus[0], cpus[1]
	secondary.Pause()

	call(t, s, boot, &hv.RunState{}, FnAffinityInfo, secondary.MPIDR(), 0)
	if boot.Regs.R[0] != AffinityOff {
		t.Fatalf("affinity of paused cpu=%d", boot.Regs.R[0])
	}

	call(t, s, boot, &hv.RunState{}, FnCPUOn, secondary.MPIDR(), 0x8000, 0x77)
	if int32(boot.Regs.R[0]) != Success {
		t.Fatalf("cpu_on=%d", int32(boot.Regs.R[0]))
	}
	if secondary.Paused() {
		t.Fatalf("secondary still paused")
	}
	if !secondary.CheckRequest(vcpu.RequestReset) {
		t.Fatalf("secondary has no reset request")
	}
	if err := secondary.ApplyReset(); err != nil {
		t.Fatalf("ApplyReset: %v", err)
	}
	if secondary.Regs.PC() != 0x8000 || secondary.Regs.R[0] != 0x77 {
		t.Fatalf("secondary pc=%#x r0=%#x", secondary.Regs.PC(), secondary.Regs.R[0])
	}

	call(t, s, boot, &hv.RunState{}, FnCPUOn, secondary.MPIDR(), 0x8000, 0)
	if int32(boot.Regs.R[0]) != AlreadyOn {
		t.Fatalf("second cpu_on=%d", int32(boot.Regs.R[0]))
	}

	call(t, s, boot, &hv.RunState{}, FnCPUOn, 0x80000103, 0x8000, 0)
	if int32(boot.Regs.R[0]) != InvalidParameters {
		t.Fatalf("cpu_on unknown mpidr=%d", int32(boot.Regs.R[0]))
	}

	call(t, s, secondary, &hv.RunState{}, FnCPUOff)
	if !secondary.Paused() {
		t.Fatalf("cpu_off did not pause")
	}

	call(t, s, boot, &hv.RunState{}, FnAffinityInfo, secondary.MPIDR(), 1)
	if int32(boot.Regs.R[0]) != InvalidParameters {
		t.Fatalf("affinity level 1=%d", int32(boot.Regs.R[0]))
	}
}

func TestCPUOnOffWithPowerCoordinator(t *testing.T) {
	pm, err := mcpm.New(mcpm.Config{Clusters: 1, CPUsPerCluster: 2}, mcpm.LogPlatform{})
	if err != nil {
		t.Fatalf("mcpm.New: %v", err)
	}

	s, cpus := newTestVCPUs(t, 2)
	s.power = pm
	boot, secondary := cpus[0], cpus[1]
	secondary.Pause()

	call(t, s, boot, &hv.RunState{}, FnCPUOn, secondary.MPIDR(), 0x8000, 0)
	if int32(boot.Regs.R[0]) != Success {
		t.Fatalf("cpu_on=%d", int32(boot.Regs.R[0]))
	}
	if n := pm.UseCount(1, 0); n != 1 {
		t.Fatalf("use count after cpu_on=%d", n)
	}
	if err := s.Online(secondary); err != nil {
		t.Fatalf("Online: %v", err)
	}
	if st := pm.CPUState(1, 0); st != mcpm.CPUUp {
		t.Fatalf("secondary state=%s", st)
	}

	call(t, s, secondary, &hv.RunState{}, FnCPUOff)
	if !secondary.Paused() || pm.CPUState(1, 0) != mcpm.CPUDown {
		t.Fatalf("cpu_off: paused=%t state=%s", secondary.Paused(), pm.CPUState(1, 0))
	}

	call(t, s, boot, &hv.RunState{}, FnCPUOff)
	if pm.ClusterState(0) != mcpm.ClusterDown {
		t.Fatalf("last cpu off left cluster %s", pm.ClusterState(0))
	}
}
