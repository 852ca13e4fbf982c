// Package runloop drives vCPUs: it hands the virtual timer to the guest
// around every world switch, routes exits through the trap dispatcher and
// services the exits that reach the VM manager.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/coproc"
	"github.com/tinyrange/armvirt/internal/hv/mmio"
	"github.com/tinyrange/armvirt/internal/hv/psci"
	"github.com/tinyrange/armvirt/internal/hv/trap"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
	"github.com/tinyrange/armvirt/internal/hv/vgic"
	"github.com/tinyrange/armvirt/internal/mcpm"
)

var (
	ErrNoCPUs        = errors.New("runloop: vm needs at least one vcpu")
	ErrInvalidVCPU   = errors.New("runloop: no such vcpu")
	ErrUnhandledMMIO = errors.New("runloop: no device handles mmio")
)

// Guest is the world switch. Enter runs v until it traps and reports the
// hyp exception vector taken, with v.Syndrome and the fault address
// registers describing the trap.
type Guest interface {
	Enter(ctx context.Context, v *vcpu.VCPU) (trap.ExitIndex, error)
}

// Config describes a VM.
type Config struct {
	CPUs   int
	Target vcpu.Target

	// Host is the timer host. When nil the process-wide host registered
	// with archtimer.Init is used.
	Host *archtimer.Host

	// TimerIRQ overrides the target's virtual timer PPI when non-zero.
	TimerIRQ uint32

	// Entry is where the boot vCPU starts. Secondary vCPUs stay off until
	// a PSCI CPU_ON.
	Entry uint32

	// MemoryBase and MemorySize describe guest RAM, emulated in the
	// kernel. MemorySize may be zero.
	MemoryBase uint64
	MemorySize uint64

	// Devices are emulated in the exit path; HostDevices are reached
	// through MMIO exits to the VM manager.
	Devices     []hv.MemoryMappedIODevice
	HostDevices []hv.MemoryMappedIODevice

	Recorder     *exittrace.Recorder
	TimerFactory archtimer.TimerFactory
	Sink         vgic.InterruptSink
}

// VM owns the vCPUs and every per-VM collaborator of the exit path.
type VM struct {
	guest Guest

	host     *archtimer.Host
	timers   *archtimer.VM
	gic      *vgic.Distributor
	psci     *psci.Service
	power    *mcpm.Manager
	ram      *mmio.RAM
	bus      *mmio.Bus
	hostBus  *mmio.Bus
	aborts   *mmio.Handler
	dispatch *trap.Dispatcher
	rec      *exittrace.Recorder

	cpus []*vcpu.VCPU

	killOnce sync.Once
	killErr  atomic.Pointer[error]
}

func NewVM(cfg Config, guest Guest) (*VM, error) {
	if cfg.CPUs <= 0 {
		return nil, ErrNoCPUs
	}
	if guest == nil {
		return nil, fmt.Errorf("runloop: no guest")
	}

	host := cfg.Host
	if host == nil {
		var err error
		host, err = archtimer.Registered()
		if err != nil {
			return nil, fmt.Errorf("runloop: %w", err)
		}
	}

	// MCPM clusters follow the MPIDR affinity the vCPUs report.
	clusters := (cfg.CPUs + vcpu.CPUsPerCluster - 1) / vcpu.CPUsPerCluster
	power, err := mcpm.New(mcpm.Config{Clusters: clusters, CPUsPerCluster: vcpu.CPUsPerCluster}, mcpm.LogPlatform{})
	if err != nil {
		return nil, fmt.Errorf("runloop: %w", err)
	}

	vm := &VM{
		guest:   guest,
		host:    host,
		timers:  host.NewVM(),
		gic:     vgic.New(cfg.CPUs, cfg.Sink),
		psci:    psci.New(psci.WithPowerCoordinator(power)),
		power:   power,
		bus:     mmio.NewBus(),
		hostBus: mmio.NewBus(),
		rec:     cfg.Recorder,
	}
	vm.aborts = mmio.NewHandler(vm.bus)

	if cfg.MemorySize != 0 {
		vm.ram = mmio.NewRAM(cfg.MemoryBase, cfg.MemorySize)
		if err := vm.bus.Register(vm.ram); err != nil {
			return nil, fmt.Errorf("runloop: guest memory: %w", err)
		}
	}
	for _, dev := range cfg.Devices {
		if err := vm.bus.Register(dev); err != nil {
			return nil, fmt.Errorf("runloop: register device: %w", err)
		}
	}
	for _, dev := range cfg.HostDevices {
		if err := vm.hostBus.Register(dev); err != nil {
			return nil, fmt.Errorf("runloop: register host device: %w", err)
		}
	}

	var opts []trap.Option
	if cfg.Recorder != nil {
		opts = append(opts, trap.WithRecorder(cfg.Recorder))
	}
	vm.dispatch = trap.NewDispatcher(trap.Emulators{
		Coproc:    coproc.New(),
		Hypercall: vm.psci,
		Abort:     vm.aborts,
	}, opts...)

	var timerOpts []archtimer.TimerOption
	if cfg.TimerFactory != nil {
		timerOpts = append(timerOpts, archtimer.WithTimerFactory(cfg.TimerFactory))
	}

	for id := 0; id < cfg.CPUs; id++ {
		timer, err := archtimer.NewTimer(host, vm.timers, id, vm.gic, timerOpts...)
		if err != nil {
			vm.destroyAll()
			return nil, fmt.Errorf("runloop: vcpu %d timer: %w", id, err)
		}

		vcfg := vcpu.Config{Timer: timer, Interrupts: vm.gic, TimerIRQ: cfg.TimerIRQ}
		if vm.ram != nil {
			vcfg.Memory = vm.ram
		}
		v, err := vcpu.New(id, vcfg)
		if err != nil {
			timer.Destroy()
			vm.destroyAll()
			return nil, err
		}
		vm.cpus = append(vm.cpus, v)

		if err := v.Init(cfg.Target); err != nil {
			vm.destroyAll()
			return nil, err
		}
		if err := vm.gic.AttachVCPU(id, v); err != nil {
			vm.destroyAll()
			return nil, err
		}
		vm.psci.Attach(v)

		if id == 0 {
			v.PowerOn(cfg.Entry, 0)
		} else {
			v.Pause()
		}
	}

	return vm, nil
}

// VCPU returns vCPU id.
func (vm *VM) VCPU(id int) (*vcpu.VCPU, error) {
	if id < 0 || id >= len(vm.cpus) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVCPU, id)
	}
	return vm.cpus[id], nil
}

func (vm *VM) NumVCPUs() int                   { return len(vm.cpus) }
func (vm *VM) Interrupts() *vgic.Distributor   { return vm.gic }
func (vm *VM) Power() *mcpm.Manager            { return vm.power }
func (vm *VM) Memory() *mmio.RAM               { return vm.ram }
func (vm *VM) TimerVM() *archtimer.VM          { return vm.timers }
func (vm *VM) Recorder() *exittrace.Recorder   { return vm.rec }
func (vm *VM) HypercallService() *psci.Service { return vm.psci }

// RunVCPU runs vCPU id until an exit has to be handled by the VM manager,
// which is then described by run, or until an error. A read left pending
// by the previous MMIO exit is completed from run first.
func (vm *VM) RunVCPU(ctx context.Context, id int, run *hv.RunState) error {
	v, err := vm.VCPU(id)
	if err != nil {
		return err
	}
	if vm.Killed() {
		return vm.killedError()
	}

	if vm.aborts.HasPendingRead(v) {
		if err := vm.aborts.CompleteRead(v, run); err != nil {
			return err
		}
	}
	run.Reset()

	for {
		if err := v.WaitRunnable(ctx); err != nil {
			return vm.exitError(v, err)
		}
		if v.CheckRequest(vcpu.RequestReset) {
			if err := v.ApplyReset(); err != nil {
				return vm.exitError(v, err)
			}
			if err := vm.psci.Online(v); err != nil {
				return vm.exitError(v, err)
			}
		}

		outcome, err := vm.enter(ctx, v, run)
		if err != nil {
			return vm.exitError(v, err)
		}
		if outcome == hv.OutcomeExitToHost {
			return nil
		}
	}
}

// enter performs one world switch and handles the exit.
func (vm *VM) enter(ctx context.Context, v *vcpu.VCPU, run *hv.RunState) (hv.Outcome, error) {
	if err := v.Timer.Flush(); err != nil {
		return hv.OutcomeExitToHost, err
	}

	index, enterErr := vm.guest.Enter(ctx, v)

	// The timer must leave the running state whatever the guest did.
	if err := v.Timer.Sync(); err != nil {
		return hv.OutcomeExitToHost, err
	}
	if enterErr != nil {
		return hv.OutcomeExitToHost, enterErr
	}

	return vm.dispatch.HandleExit(ctx, v, run, index)
}

func (vm *VM) exitError(v *vcpu.VCPU, err error) error {
	if hv.IsFatal(err) {
		vm.Kill(err)
		return err
	}
	if errors.Is(err, vcpu.ErrDestroyed) || errors.Is(err, archtimer.ErrDestroyed) {
		if vm.Killed() {
			return vm.killedError()
		}
	}
	return err
}

// Kill stops the VM after a fatal error: every vCPU is destroyed, which
// tears its timer down synchronously and wakes it if blocked.
func (vm *VM) Kill(cause error) {
	vm.killOnce.Do(func() {
		vm.killErr.Store(&cause)
		slog.Error("killing vm", "error", cause)
		vm.destroyAll()
	})
}

// Killed reports whether Kill has been called.
func (vm *VM) Killed() bool { return vm.killErr.Load() != nil }

func (vm *VM) killedError() error {
	if p := vm.killErr.Load(); p != nil && *p != nil {
		return fmt.Errorf("%w: %w", hv.ErrVMKilled, *p)
	}
	return hv.ErrVMKilled
}

func (vm *VM) destroyAll() {
	for _, v := range vm.cpus {
		v.Destroy()
	}
}

// Close destroys the vCPUs. The timer host is not closed; it may be shared.
func (vm *VM) Close() error {
	vm.destroyAll()
	return nil
}

// Run runs every vCPU on its own locked OS thread and services MMIO and
// system event exits. It returns nil when the guest powers off and
// hv.ErrGuestRequestedReboot when it asks for a reset. The first error from
// any vCPU stops the others.
func (vm *VM) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, v := range vm.cpus {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			slog.Debug("vcpu thread started", "vcpu", v.ID(), "tid", unix.Gettid())
			return vm.serve(ctx, v.ID())
		})
	}

	err := g.Wait()
	if errors.Is(err, hv.ErrVMHalted) {
		return nil
	}
	return err
}

func (vm *VM) serve(ctx context.Context, id int) error {
	run := &hv.RunState{}
	for {
		if err := vm.RunVCPU(ctx, id, run); err != nil {
			return err
		}
		if err := vm.handleHostExit(id, run); err != nil {
			return err
		}
	}
}

func (vm *VM) handleHostExit(id int, run *hv.RunState) error {
	switch run.ExitReason {
	case hv.ExitMMIO:
		return vm.handleHostMMIO(id, &run.MMIO)

	case hv.ExitSystemEvent:
		switch run.SystemEvent.Type {
		case hv.SystemEventShutdown:
			return hv.ErrVMHalted
		case hv.SystemEventReset:
			return hv.ErrGuestRequestedReboot
		default:
			return fmt.Errorf("runloop: vcpu %d exited with system event %d", id, run.SystemEvent.Type)
		}

	case hv.ExitInternalError:
		return fmt.Errorf("runloop: vcpu %d exited with internal error %d (data %v)",
			id, run.InternalError.Suberror, run.InternalError.Data)

	default:
		return fmt.Errorf("runloop: vcpu %d exited with reason %s", id, run.ExitReason)
	}
}

func (vm *VM) handleHostMMIO(id int, exit *hv.MMIOExit) error {
	data := exit.Data[:exit.Len]

	var (
		ok  bool
		err error
	)
	if exit.IsWrite {
		ok, err = vm.hostBus.Write(exit.Addr, data)
	} else {
		ok, err = vm.hostBus.Read(exit.Addr, data)
	}
	if err != nil {
		return fmt.Errorf("runloop: vcpu %d: mmio at %#x: %w", id, exit.Addr, err)
	}
	if !ok {
		return fmt.Errorf("%w at %#x (vcpu %d)", ErrUnhandledMMIO, exit.Addr, id)
	}
	return nil
}
