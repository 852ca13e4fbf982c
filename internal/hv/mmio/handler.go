package mmio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

var (
	ErrNoSyndrome    = errors.New("mmio: data abort without a valid instruction syndrome")
	ErrNoPendingRead = errors.New("mmio: no read pending completion")
	ErrAccessSize    = errors.New("mmio: reserved data abort access size")
)

// DataAbort is the decoded ISS of a data abort with ISV set.
type DataAbort struct {
	Size       int
	Write      bool
	SignExtend bool
	Register   int
}

// DecodeDataAbort decodes a data abort ISS.
func DecodeDataAbort(iss uint32) (DataAbort, error) {
	const (
		isvBit   = 24
		sasShift = 22
		sasMask  = 0x3
		sseBit   = 21
		srtShift = 16
		srtMask  = 0xf
		wnrBit   = 6
	)

	if (iss>>isvBit)&1 == 0 {
		return DataAbort{}, fmt.Errorf("%w (iss=%#x)", ErrNoSyndrome, iss)
	}

	// SAS=3 is reserved: the ISS only describes single register accesses.
	sas := (iss >> sasShift) & sasMask
	if sas == 3 {
		return DataAbort{}, fmt.Errorf("%w (iss=%#x)", ErrAccessSize, iss)
	}

	return DataAbort{
		Size:       1 << sas,
		Write:      (iss>>wnrBit)&1 == 1,
		SignExtend: (iss>>sseBit)&1 == 1,
		Register:   int((iss >> srtShift) & srtMask),
	}, nil
}

// Encode is the inverse of DecodeDataAbort.
func (a DataAbort) Encode() uint32 {
	iss := uint32(1) << 24
	switch a.Size {
	case 2:
		iss |= 1 << 22
	case 4:
		iss |= 2 << 22
	}
	if a.SignExtend {
		iss |= 1 << 21
	}
	iss |= uint32(a.Register&0xf) << 16
	if a.Write {
		iss |= 1 << 6
	}
	return iss
}

type pendingRead struct {
	access DataAbort
	addr   uint64
}

// Handler implements trap.AbortHandler over a Bus.
type Handler struct {
	bus    *Bus
	unimpl *hv.RateLimitedLogger

	mu      sync.Mutex
	pending map[int]pendingRead
}

func NewHandler(bus *Bus) *Handler {
	return &Handler{
		bus:     bus,
		unimpl:  hv.NewRateLimitedLogger(5*time.Second, 10),
		pending: make(map[int]pendingRead),
	}
}

// HandleAbort emulates a stage 2 data abort on an emulated device or exits
// to the VM manager with run.MMIO filled in. Prefetch aborts outside guest
// memory are reflected to the guest.
func (h *Handler) HandleAbort(ctx context.Context, v *vcpu.VCPU, run *hv.RunState, prefetch bool) (hv.Outcome, error) {
	if prefetch {
		h.unimpl.Warn("guest prefetch abort outside memory",
			"vcpu", v.ID(),
			"ipa", fmt.Sprintf("%#x", v.FaultIPA),
		)
		v.InjectPrefetchAbort(v.FaultVA)
		return hv.OutcomeResume, nil
	}

	access, err := DecodeDataAbort(v.Syndrome.ISS())
	if err != nil {
		return hv.OutcomeExitToHost, fmt.Errorf("vcpu %d: abort at ipa %#x: %w", v.ID(), v.FaultIPA, err)
	}

	addr := v.FaultIPA
	buf := make([]byte, access.Size)

	if access.Write {
		putValue(v, buf, v.Regs.R[access.Register])
		ok, err := h.bus.Write(addr, buf)
		if err != nil {
			return hv.OutcomeExitToHost, fmt.Errorf("vcpu %d: mmio write %#x: %w", v.ID(), addr, err)
		}
		if !ok {
			return h.exitToHost(v, run, access, addr, buf)
		}
	} else {
		ok, err := h.bus.Read(addr, buf)
		if err != nil {
			return hv.OutcomeExitToHost, fmt.Errorf("vcpu %d: mmio read %#x: %w", v.ID(), addr, err)
		}
		if !ok {
			return h.exitToHost(v, run, access, addr, buf)
		}
		v.Regs.R[access.Register] = getValue(v, buf, access.SignExtend)
	}

	if err := v.SkipInstruction(v.Syndrome.IL()); err != nil {
		return hv.OutcomeExitToHost, err
	}
	return hv.OutcomeResume, nil
}

func (h *Handler) exitToHost(v *vcpu.VCPU, run *hv.RunState, access DataAbort, addr uint64, buf []byte) (hv.Outcome, error) {
	run.ExitReason = hv.ExitMMIO
	run.MMIO = hv.MMIOExit{Addr: addr, Len: uint32(access.Size), IsWrite: access.Write}
	copy(run.MMIO.Data[:], buf)

	if !access.Write {
		h.mu.Lock()
		h.pending[v.ID()] = pendingRead{access: access, addr: addr}
		h.mu.Unlock()
	}

	slog.Debug("mmio exit", "vcpu", v.ID(), "addr", fmt.Sprintf("%#x", addr), "len", access.Size, "write", access.Write)

	// The access completes in userspace; the guest resumes after it.
	if err := v.SkipInstruction(v.Syndrome.IL()); err != nil {
		return hv.OutcomeExitToHost, err
	}
	return hv.OutcomeExitToHost, nil
}

// CompleteRead loads the data the VM manager placed in run.MMIO into the
// destination register of the pending read. Call it before re-entering the
// guest after an MMIO read exit.
func (h *Handler) CompleteRead(v *vcpu.VCPU, run *hv.RunState) error {
	h.mu.Lock()
	p, ok := h.pending[v.ID()]
	delete(h.pending, v.ID())
	h.mu.Unlock()

	if !ok {
		return ErrNoPendingRead
	}
	if run.MMIO.Addr != p.addr || run.MMIO.IsWrite {
		return fmt.Errorf("%w: run state describes %#x, pending read at %#x", ErrNoPendingRead, run.MMIO.Addr, p.addr)
	}
	v.Regs.R[p.access.Register] = getValue(v, run.MMIO.Data[:p.access.Size], p.access.SignExtend)
	return nil
}

// HasPendingRead reports whether a read exit for v awaits CompleteRead.
func (h *Handler) HasPendingRead(v *vcpu.VCPU) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[v.ID()]
	return ok
}

func byteOrder(v *vcpu.VCPU) binary.ByteOrder {
	if v.Regs.CPSR&vcpu.PSREndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func putValue(v *vcpu.VCPU, buf []byte, val uint32) {
	order := byteOrder(v)
	switch len(buf) {
	case 1:
		buf[0] = byte(val)
	case 2:
		order.PutUint16(buf, uint16(val))
	default:
		order.PutUint32(buf, val)
	}
}

func getValue(v *vcpu.VCPU, buf []byte, signExtend bool) uint32 {
	order := byteOrder(v)
	switch len(buf) {
	case 1:
		if signExtend {
			return uint32(int32(int8(buf[0])))
		}
		return uint32(buf[0])
	case 2:
		val := order.Uint16(buf)
		if signExtend {
			return uint32(int32(int16(val)))
		}
		return uint32(val)
	default:
		return order.Uint32(buf)
	}
}
