package vcpu

import "github.com/tinyrange/armvirt/internal/hv"

// ccMap has bit n set when the condition passes for NZCV flags n.
var ccMap = [16]uint16{
	0xF0F0, // EQ == Z set
	0x0F0F, // NE
	0xCCCC, // CS == C set
	0x3333, // CC
	0xFF00, // MI == N set
	0x00FF, // PL
	0xAAAA, // VS == V set
	0x5555, // VC
	0x0C0C, // HI == C set && Z clear
	0xF3F3, // LS == C clear || Z set
	0xAA55, // GE == (N==V)
	0x55AA, // LT == (N!=V)
	0x0A05, // GT == (!Z && (N==V))
	0xF5FA, // LE == (Z || (N!=V))
	0xFFFF, // AL always
	0,      // NV
}

// ConditionValid reports whether the trapped instruction would have
// executed. A false result means the trap is spurious and the instruction
// must be skipped.
func (v *VCPU) ConditionValid() bool {
	hsr := v.Syndrome

	// Classes 0x10 and up are unconditional.
	if uint32(hsr)>>30 != 0 {
		return true
	}

	cpsr := v.Regs.CPSR

	var cond uint32
	if hsr.CV() {
		cond = uint32(hsr.Cond())
	} else {
		// The condition comes from the IT block state.
		it := (cpsr>>8)&0xfc | (cpsr>>25)&0x3
		if it == 0 {
			return true
		}
		cond = it >> 4
	}

	return (ccMap[cond]>>(cpsr>>28))&1 != 0
}

// SkipInstruction advances the PC past the trapped instruction and steps
// the IT state. is32 comes from the syndrome IL bit.
func (v *VCPU) SkipInstruction(is32 bool) error {
	if is32 {
		v.Regs.R[15] += 4
	} else {
		v.Regs.R[15] += 2
	}
	return v.advanceITState()
}

// advanceITState performs ITAdvance on the CPSR.
func (v *VCPU) advanceITState() error {
	cpsr := v.Regs.CPSR

	if cpsr&PSRITMask == 0 {
		return nil
	}
	if cpsr&PSRThumb == 0 {
		return hv.Fatalf(v.id, "IT state %#x set in ARM mode", cpsr&PSRITMask)
	}

	cond := (cpsr & 0xe000) >> 13
	itbits := (cpsr & 0x1c00) >> (10 - 2)
	itbits |= (cpsr & (0x3 << 25)) >> 25

	if itbits&0x7 == 0 {
		itbits, cond = 0, 0
	} else {
		itbits = (itbits << 1) & 0x1f
	}

	cpsr &^= PSRITMask
	cpsr |= cond << 13
	cpsr |= (itbits & 0x1c) << (10 - 2)
	cpsr |= (itbits & 0x3) << 25
	v.Regs.CPSR = cpsr
	return nil
}

// Exception vector offsets.
const (
	vectorUndefined     uint32 = 0x04
	vectorPrefetchAbort uint32 = 0x0c
	vectorDataAbort     uint32 = 0x10
)

// abortFSR is the long-descriptor synchronous external abort status.
const abortFSR uint32 = 1<<9 | 0x10

// InjectUndefined delivers an undefined instruction exception to the guest,
// as if the trapped instruction had been undefined.
func (v *VCPU) InjectUndefined() {
	cpsr := v.Regs.CPSR

	returnOffset := uint32(4)
	if cpsr&PSRThumb != 0 {
		returnOffset = 2
	}
	lr := v.Regs.PC() + returnOffset

	v.enterMode(PSRModeUnd, PSRIRQ)
	v.Regs.SPSRUnd = cpsr
	v.Regs.LRUnd = lr
	v.Regs.SetPC(v.vectorBase() + vectorUndefined)
}

// InjectPrefetchAbort delivers a prefetch abort for addr.
func (v *VCPU) InjectPrefetchAbort(addr uint32) {
	v.injectAbort(true, addr)
}

// InjectDataAbort delivers a data abort for addr.
func (v *VCPU) InjectDataAbort(addr uint32) {
	v.injectAbort(false, addr)
}

func (v *VCPU) injectAbort(prefetch bool, addr uint32) {
	cpsr := v.Regs.CPSR

	returnOffset := uint32(8)
	vector := vectorDataAbort
	if prefetch {
		returnOffset = 4
		vector = vectorPrefetchAbort
	}
	lr := v.Regs.PC() + returnOffset

	v.enterMode(PSRModeAbt, PSRIRQ|PSRAbort)
	v.Regs.SPSRAbt = cpsr
	v.Regs.LRAbt = lr

	if prefetch {
		v.Regs.IFAR = addr
		v.Regs.IFSR = abortFSR
	} else {
		v.Regs.DFAR = addr
		v.Regs.DFSR = abortFSR
	}
	v.Regs.SetPC(v.vectorBase() + vector)
}

// enterMode switches the CPSR to an exception mode, applying the SCTLR
// controlled instruction set and endianness.
func (v *VCPU) enterMode(mode, mask uint32) {
	cpsr := v.Regs.CPSR
	cpsr = cpsr&^PSRModeMask | mode
	cpsr |= mask
	cpsr &^= PSRITMask | PSRJazelle | PSREndian | PSRThumb

	if v.Regs.SCTLR&SCTLRTE != 0 {
		cpsr |= PSRThumb
	}
	if v.Regs.SCTLR&SCTLREE != 0 {
		cpsr |= PSREndian
	}
	v.Regs.CPSR = cpsr
}

func (v *VCPU) vectorBase() uint32 {
	if v.Regs.SCTLR&SCTLRHighVectors != 0 {
		return highVectorBase
	}
	return v.Regs.VBAR
}
