// Package psci implements the PSCI 0.2 firmware interface guests use to
// power vCPUs on and off and to shut the machine down.
package psci

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

// FunctionID is a PSCI function id (SMC32 calling convention), passed in r0.
type FunctionID uint32

const (
	FnVersion         FunctionID = 0x84000000
	FnCPUSuspend      FunctionID = 0x84000001
	FnCPUOff          FunctionID = 0x84000002
	FnCPUOn           FunctionID = 0x84000003
	FnAffinityInfo    FunctionID = 0x84000004
	FnMigrateInfoType FunctionID = 0x84000006
	FnSystemOff       FunctionID = 0x84000008
	FnSystemReset     FunctionID = 0x84000009
	FnFeatures        FunctionID = 0x8400000A
)

func (fid FunctionID) String() string {
	switch fid {
	case FnVersion:
		return "PSCI_VERSION"
	case FnCPUSuspend:
		return "PSCI_CPU_SUSPEND"
	case FnCPUOff:
		return "PSCI_CPU_OFF"
	case FnCPUOn:
		return "PSCI_CPU_ON"
	case FnAffinityInfo:
		return "PSCI_AFFINITY_INFO"
	case FnMigrateInfoType:
		return "PSCI_MIGRATE_INFO_TYPE"
	case FnSystemOff:
		return "PSCI_SYSTEM_OFF"
	case FnSystemReset:
		return "PSCI_SYSTEM_RESET"
	case FnFeatures:
		return "PSCI_FEATURES"
	default:
		return fmt.Sprintf("PSCI_UNKNOWN(0x%x)", uint32(fid))
	}
}

// Return values, as the guest sees them in r0.
const (
	Success           int32 = 0
	NotSupported      int32 = -1
	InvalidParameters int32 = -2
	Denied            int32 = -3
	AlreadyOn         int32 = -4
	OnPending         int32 = -5
	InternalFailure   int32 = -6
	NotPresent        int32 = -7
	Disabled          int32 = -8
)

// Version is PSCI 0.2.
const Version uint32 = 0<<16 | 2

// AFFINITY_INFO states.
const (
	AffinityOn        = 0
	AffinityOff       = 1
	AffinityOnPending = 2
)

// MIGRATE_INFO_TYPE: no trusted OS present.
const migrateTOSNotPresent = 2

const mpidrAffinityMask = 0x00ffffff

// PowerCoordinator sequences CPU power transitions behind CPU_ON and
// CPU_OFF. *mcpm.Manager implements it.
type PowerCoordinator interface {
	PowerUp(cpu, cluster int) error
	PowerDown(cpu, cluster int) (bool, error)
	PoweredUp(cpu, cluster int) error
}

// Option configures a Service.
type Option func(*Service)

// WithPowerCoordinator routes CPU_ON and CPU_OFF through pc.
func WithPowerCoordinator(pc PowerCoordinator) Option {
	return func(s *Service) { s.power = pc }
}

// Service implements trap.HypercallService.
type Service struct {
	power PowerCoordinator

	// onMu serializes CPU_ON so two callers cannot both power up a target.
	onMu sync.Mutex

	mu   sync.Mutex
	cpus []*vcpu.VCPU
}

func New(opts ...Option) *Service {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// affinity splits the MPIDR of v into (cpu, cluster).
func affinity(v *vcpu.VCPU) (cpu, cluster int) {
	mpidr := v.MPIDR()
	return int(mpidr & 0xff), int(mpidr>>8) & 0xff
}

// Online tells the power coordinator that v started executing after a
// CPU_ON. The run loop calls it after applying the reset.
func (s *Service) Online(v *vcpu.VCPU) error {
	if s.power == nil {
		return nil
	}
	cpu, cluster := affinity(v)
	if err := s.power.PoweredUp(cpu, cluster); err != nil {
		return fmt.Errorf("psci: vcpu %d online: %w", v.ID(), err)
	}
	return nil
}

// Attach makes v addressable by CPU_ON and AFFINITY_INFO.
func (s *Service) Attach(v *vcpu.VCPU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpus = append(s.cpus, v)
}

func (s *Service) byMPIDR(mpidr uint32) *vcpu.VCPU {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.cpus {
		if v.MPIDR()&mpidrAffinityMask == mpidr&mpidrAffinityMask {
			return v
		}
	}
	return nil
}

// HandleHypercall dispatches the PSCI call in r0. Unknown function ids are
// reported as not handled.
func (s *Service) HandleHypercall(ctx context.Context, v *vcpu.VCPU, run *hv.RunState) (bool, hv.Outcome, error) {
	fid := FunctionID(v.Regs.R[0])
	slog.Debug("psci call", "vcpu", v.ID(), "fn", fid)

	switch fid {
	case FnVersion:
		v.Regs.R[0] = Version

	case FnCPUSuspend:
		// Only standby is supported; it behaves like WFI.
		if err := v.Block(ctx); err != nil {
			return true, hv.OutcomeExitToHost, fmt.Errorf("psci: vcpu %d: cpu suspend: %w", v.ID(), err)
		}
		setResult(v, Success)

	case FnCPUOff:
		if s.power != nil {
			cpu, cluster := affinity(v)
			down, err := s.power.PowerDown(cpu, cluster)
			if err != nil {
				return true, hv.OutcomeExitToHost, &hv.FatalError{VCPU: v.ID(), Reason: "cpu off", Err: err}
			}
			if !down {
				setResult(v, Denied)
				break
			}
		}
		v.Pause()

	case FnCPUOn:
		setResult(v, s.cpuOn(v, v.Regs.R[1], v.Regs.R[2], v.Regs.R[3]))

	case FnAffinityInfo:
		setResult(v, s.affinityInfo(v.Regs.R[1], v.Regs.R[2]))

	case FnMigrateInfoType:
		v.Regs.R[0] = migrateTOSNotPresent

	case FnSystemOff:
		slog.Info("guest requested power off", "vcpu", v.ID())
		run.ExitReason = hv.ExitSystemEvent
		run.SystemEvent.Type = hv.SystemEventShutdown
		return true, hv.OutcomeExitToHost, nil

	case FnSystemReset:
		slog.Info("guest requested reset", "vcpu", v.ID())
		run.ExitReason = hv.ExitSystemEvent
		run.SystemEvent.Type = hv.SystemEventReset
		return true, hv.OutcomeExitToHost, nil

	case FnFeatures:
		switch FunctionID(v.Regs.R[1]) {
		case FnVersion, FnCPUSuspend, FnCPUOff, FnCPUOn, FnAffinityInfo,
			FnMigrateInfoType, FnSystemOff, FnSystemReset, FnFeatures:
			setResult(v, Success)
		default:
			setResult(v, NotSupported)
		}

	default:
		return false, hv.OutcomeResume, nil
	}

	return true, hv.OutcomeResume, nil
}

func (s *Service) cpuOn(caller *vcpu.VCPU, mpidr, entry, contextID uint32) int32 {
	s.onMu.Lock()
	defer s.onMu.Unlock()

	target := s.byMPIDR(mpidr)
	if target == nil {
		return InvalidParameters
	}
	if target == caller || !target.Paused() {
		return AlreadyOn
	}

	slog.Debug("psci cpu on",
		"vcpu", caller.ID(),
		"target", target.ID(),
		"entry", fmt.Sprintf("%#x", entry),
	)
	if s.power != nil {
		cpu, cluster := affinity(target)
		if err := s.power.PowerUp(cpu, cluster); err != nil {
			slog.Warn("psci cpu on failed", "target", target.ID(), "err", err)
			return InternalFailure
		}
	}
	target.PowerOn(entry, contextID)
	return Success
}

func (s *Service) affinityInfo(mpidr, level uint32) int32 {
	if level != 0 {
		return InvalidParameters
	}
	target := s.byMPIDR(mpidr)
	if target == nil {
		return InvalidParameters
	}
	if target.Paused() {
		return AffinityOff
	}
	return AffinityOn
}

func setResult(v *vcpu.VCPU, ret int32) {
	v.Regs.R[0] = uint32(ret)
}
