// Package coproc emulates trapped CP15 accesses: the generic timer
// registers and the few system registers the exit path owns.
package coproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

// Access is a decoded MCR/MRC or MCRR/MRRC.
type Access struct {
	CRn  uint8
	CRm  uint8
	Opc1 uint8
	Opc2 uint8
	Rt   uint8
	Rt2  uint8
	Read bool
	Wide bool
}

// Decode extracts the access from a CP15 trap ISS. wide selects the
// MCRR/MRRC layout.
func Decode(iss uint32, wide bool) Access {
	a := Access{
		Rt:   uint8((iss >> 5) & 0xf),
		CRm:  uint8((iss >> 1) & 0xf),
		Read: iss&1 != 0,
		Wide: wide,
	}
	if wide {
		a.Opc1 = uint8((iss >> 16) & 0xf)
		a.Rt2 = uint8((iss >> 10) & 0xf)
	} else {
		a.Opc2 = uint8((iss >> 17) & 0x7)
		a.Opc1 = uint8((iss >> 14) & 0x7)
		a.CRn = uint8((iss >> 10) & 0xf)
	}
	return a
}

// Encode is the inverse of Decode.
func (a Access) Encode() uint32 {
	iss := uint32(a.Rt&0xf)<<5 | uint32(a.CRm&0xf)<<1
	if a.Read {
		iss |= 1
	}
	if a.Wide {
		iss |= uint32(a.Opc1&0xf)<<16 | uint32(a.Rt2&0xf)<<10
	} else {
		iss |= uint32(a.Opc2&0x7)<<17 | uint32(a.Opc1&0x7)<<14 | uint32(a.CRn&0xf)<<10
	}
	return iss
}

func (a Access) String() string {
	if a.Wide {
		op := "mcrr"
		if a.Read {
			op = "mrrc"
		}
		return fmt.Sprintf("%s p15, %d, r%d, r%d, c%d", op, a.Opc1, a.Rt, a.Rt2, a.CRm)
	}
	op := "mcr"
	if a.Read {
		op = "mrc"
	}
	return fmt.Sprintf("%s p15, %d, r%d, c%d, c%d, %d", op, a.Opc1, a.Rt, a.CRn, a.CRm, a.Opc2)
}

type regKey struct {
	crn, crm, opc1, opc2 uint8
	wide                 bool
}

func keyOf(a Access) regKey {
	return regKey{crn: a.CRn, crm: a.CRm, opc1: a.Opc1, opc2: a.Opc2, wide: a.Wide}
}

type sysReg struct {
	name  string
	read  func(v *vcpu.VCPU) uint64
	write func(v *vcpu.VCPU, val uint64) // nil for read-only registers
}

var sysRegs = map[regKey]sysReg{
	{crn: 0, crm: 0, opc1: 0, opc2: 5}: {
		name: "MPIDR",
		read: func(v *vcpu.VCPU) uint64 { return uint64(v.Regs.MPIDR) },
	},
	{crn: 1, crm: 0, opc1: 0, opc2: 0}: {
		name:  "SCTLR",
		read:  func(v *vcpu.VCPU) uint64 { return uint64(v.Regs.SCTLR) },
		write: func(v *vcpu.VCPU, val uint64) { v.Regs.SCTLR = uint32(val) },
	},
	{crn: 12, crm: 0, opc1: 0, opc2: 0}: {
		name:  "VBAR",
		read:  func(v *vcpu.VCPU) uint64 { return uint64(v.Regs.VBAR) },
		write: func(v *vcpu.VCPU, val uint64) { v.Regs.VBAR = uint32(val) &^ 0x1f },
	},
	{crn: 14, crm: 0, opc1: 0, opc2: 0}: {
		name: "CNTFRQ",
		read: func(v *vcpu.VCPU) uint64 { return v.Timer.Frequency() },
	},
	{crn: 14, crm: 3, opc1: 0, opc2: 0}: {
		name:  "CNTV_TVAL",
		read:  func(v *vcpu.VCPU) uint64 { return uint64(v.Timer.ReadTval()) },
		write: func(v *vcpu.VCPU, val uint64) { v.Timer.WriteTval(uint32(val)) },
	},
	{crn: 14, crm: 3, opc1: 0, opc2: 1}: {
		name:  "CNTV_CTL",
		read:  func(v *vcpu.VCPU) uint64 { return uint64(v.Timer.ReadCtl()) },
		write: func(v *vcpu.VCPU, val uint64) { v.Timer.WriteCtl(uint32(val)) },
	},
	{crm: 14, opc1: 1, wide: true}: {
		name: "CNTVCT",
		read: func(v *vcpu.VCPU) uint64 { return v.Timer.ReadCount() },
	},
	{crm: 14, opc1: 3, wide: true}: {
		name:  "CNTV_CVAL",
		read:  func(v *vcpu.VCPU) uint64 { return v.Timer.ReadCval() },
		write: func(v *vcpu.VCPU, val uint64) { v.Timer.WriteCval(val) },
	},
}

// RegisterName returns the name of the register a, or "" if it is not
// emulated.
func RegisterName(a Access) string {
	return sysRegs[keyOf(a)].name
}

// LookupRegister returns the access template for the emulated register
// called name. Rt, Rt2 and Read are left for the caller to fill in.
func LookupRegister(name string) (Access, bool) {
	name = strings.ToUpper(name)
	for key, reg := range sysRegs {
		if reg.name == name {
			return Access{CRn: key.crn, CRm: key.crm, Opc1: key.opc1, Opc2: key.opc2, Wide: key.wide}, true
		}
	}
	return Access{}, false
}

// Emulator implements trap.CoprocEmulator.
type Emulator struct {
	unimpl *hv.RateLimitedLogger
}

func New() *Emulator {
	return &Emulator{unimpl: hv.NewRateLimitedLogger(5*time.Second, 10)}
}

// HandleCP15 emulates the access in v's syndrome. Unknown registers and
// writes to read-only registers are undefined for the guest.
func (e *Emulator) HandleCP15(ctx context.Context, v *vcpu.VCPU, run *hv.RunState, wide bool) (hv.Outcome, error) {
	a := Decode(v.Syndrome.ISS(), wide)

	reg, ok := sysRegs[keyOf(a)]
	if !ok || (!a.Read && reg.write == nil) {
		e.unimpl.Warn("unsupported cp15 access",
			"vcpu", v.ID(),
			"access", a.String(),
			"pc", fmt.Sprintf("%#08x", v.Regs.PC()),
		)
		v.InjectUndefined()
		return hv.OutcomeResume, nil
	}

	if a.Read {
		val := reg.read(v)
		if a.Wide {
			setReg(v, a.Rt, uint32(val))
			setReg(v, a.Rt2, uint32(val>>32))
		} else {
			setReg(v, a.Rt, uint32(val))
		}
	} else {
		val := uint64(v.Regs.R[a.Rt])
		if a.Wide {
			val |= uint64(v.Regs.R[a.Rt2]) << 32
		}
		reg.write(v, val)
	}

	slog.Debug("emulated cp15 access", "vcpu", v.ID(), "reg", reg.name, "access", a.String())

	if err := v.SkipInstruction(v.Syndrome.IL()); err != nil {
		return hv.OutcomeExitToHost, err
	}
	return hv.OutcomeResume, nil
}

// setReg writes a core register. An MRC to r15 sets the condition flags.
func setReg(v *vcpu.VCPU, rt uint8, val uint32) {
	if rt == 15 {
		v.Regs.CPSR = v.Regs.CPSR&0x0fffffff | val&0xf0000000
		return
	}
	v.Regs.R[rt] = val
}
