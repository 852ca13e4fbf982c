package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVMHalted             = errors.New("virtual machine halted")
	ErrGuestRequestedReboot = errors.New("guest requested reboot")
	ErrVMKilled             = errors.New("virtual machine killed")

	// ErrFatalInternal marks a broken hardware/software contract, such as a
	// trap that cannot happen or a soft timer armed twice. A VM that returns
	// it must not be resumed.
	ErrFatalInternal = errors.New("fatal internal consistency error")
)

// FatalError is returned when a vCPU observes an impossible state. It
// unwraps to ErrFatalInternal.
type FatalError struct {
	VCPU   int
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vcpu %d: fatal: %s: %v", e.VCPU, e.Reason, e.Err)
	}
	return fmt.Sprintf("vcpu %d: fatal: %s", e.VCPU, e.Reason)
}

func (e *FatalError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFatalInternal, e.Err}
	}
	return []error{ErrFatalInternal}
}

// Fatalf builds a FatalError for vcpu.
func Fatalf(vcpu int, format string, args ...any) error {
	return &FatalError{VCPU: vcpu, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries ErrFatalInternal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalInternal)
}

// Outcome is the non-error result of handling a guest exit. Errors stand in
// for the negative results of the host return contract.
type Outcome int

const (
	// OutcomeExitToHost returns to the VM manager with RunState.ExitReason set.
	OutcomeExitToHost Outcome = 0
	// OutcomeResume re-enters the guest without leaving the run loop.
	OutcomeResume Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExitToHost:
		return "exit-to-host"
	case OutcomeResume:
		return "resume"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ExitReason is the code handed to the VM manager when a vCPU exits to host
// userspace.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitHypercall     ExitReason = 3
	ExitMMIO          ExitReason = 6
	ExitShutdown      ExitReason = 8
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "unknown"
	case ExitHypercall:
		return "hypercall"
	case ExitMMIO:
		return "mmio"
	case ExitShutdown:
		return "shutdown"
	case ExitInternalError:
		return "internal-error"
	case ExitSystemEvent:
		return "system-event"
	default:
		return fmt.Sprintf("exit-reason(%d)", uint32(r))
	}
}

// InternalErrorSuberror qualifies ExitInternalError.
type InternalErrorSuberror uint32

const (
	SuberrorEmulation         InternalErrorSuberror = 1
	SuberrorSimulEx           InternalErrorSuberror = 2
	SuberrorDeliveryEv        InternalErrorSuberror = 3
	SuberrorUnsupportedExit   InternalErrorSuberror = 4
	SuberrorUnhandledGuestOps InternalErrorSuberror = 5
)

// SystemEventType qualifies ExitSystemEvent.
type SystemEventType uint32

const (
	SystemEventShutdown SystemEventType = 1
	SystemEventReset    SystemEventType = 2
)

// MMIOExit describes an access the kernel side could not emulate.
type MMIOExit struct {
	Addr    uint64
	Data    [8]byte
	Len     uint32
	IsWrite bool
}

// RunState is shared between the run loop and the VM manager. It is filled
// when a vCPU returns OutcomeExitToHost.
type RunState struct {
	ExitReason ExitReason

	InternalError struct {
		Suberror InternalErrorSuberror
		Data     []uint64
	}

	MMIO MMIOExit

	SystemEvent struct {
		Type SystemEventType
	}
}

// Reset clears the exit description before re-entering the guest.
func (r *RunState) Reset() {
	*r = RunState{}
}

// IRQInjector raises or lowers a virtual interrupt line for a vCPU.
type IRQInjector interface {
	InjectIRQ(vcpuID int, irq uint32, level bool) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr, size uint64) bool {
	return addr >= r.Address && addr+size <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
