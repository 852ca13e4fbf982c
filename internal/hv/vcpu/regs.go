package vcpu

import "fmt"

// CPSR fields.
const (
	PSRModeMask uint32 = 0x1f
	PSRModeUsr  uint32 = 0x10
	PSRModeSvc  uint32 = 0x13
	PSRModeAbt  uint32 = 0x17
	PSRModeUnd  uint32 = 0x1b

	PSRThumb   uint32 = 1 << 5
	PSRFIQ     uint32 = 1 << 6
	PSRIRQ     uint32 = 1 << 7
	PSRAbort   uint32 = 1 << 8
	PSREndian  uint32 = 1 << 9
	PSRJazelle uint32 = 1 << 24

	// PSRITMask covers IT[7:2] (bits 15:10) and IT[1:0] (bits 26:25).
	PSRITMask uint32 = 0x0600fc00
)

// SCTLR fields consulted when injecting exceptions.
const (
	SCTLRHighVectors uint32 = 1 << 13
	SCTLREE          uint32 = 1 << 25
	SCTLRTE          uint32 = 1 << 30
)

// ResetCPSR is SVC mode with asynchronous aborts, IRQ and FIQ masked.
const ResetCPSR = PSRModeSvc | PSRFIQ | PSRIRQ | PSRAbort

const highVectorBase uint32 = 0xffff0000

// Registers is the architectural state visible to exit handlers. Only the
// banked registers of the modes that exceptions are injected into are kept.
type Registers struct {
	// R holds R0-R15 of the current mode. R[15] is the PC.
	R [16]uint32

	CPSR  uint32
	SCTLR uint32
	VBAR  uint32
	MPIDR uint32

	SPSRUnd uint32
	LRUnd   uint32
	SPSRAbt uint32
	LRAbt   uint32

	IFAR uint32
	IFSR uint32
	DFAR uint32
	DFSR uint32
}

func (r *Registers) PC() uint32      { return r.R[15] }
func (r *Registers) SetPC(pc uint32) { r.R[15] = pc }

// Thumb reports whether the guest executes T32 instructions.
func (r *Registers) Thumb() bool { return r.CPSR&PSRThumb != 0 }

// Mode returns the CPSR mode field.
func (r *Registers) Mode() uint32 { return r.CPSR & PSRModeMask }

// Syndrome is the hypervisor syndrome register value latched at the exit.
type Syndrome uint32

const (
	syndromeClassShift = 26
	syndromeIL         = 1 << 25
	syndromeCV         = 1 << 24
	syndromeCondShift  = 20
	syndromeISSMask    = 1<<25 - 1
)

// Class returns the exception class field, HSR[31:26].
func (s Syndrome) Class() uint8 { return uint8(uint32(s) >> syndromeClassShift) }

// IL reports a 32-bit trapped instruction.
func (s Syndrome) IL() bool { return s&syndromeIL != 0 }

// CV reports whether Cond holds a valid condition.
func (s Syndrome) CV() bool { return s&syndromeCV != 0 }

func (s Syndrome) Cond() uint8 { return uint8(uint32(s)>>syndromeCondShift) & 0xf }

// ISS returns the instruction specific syndrome, HSR[24:0].
func (s Syndrome) ISS() uint32 { return uint32(s) & syndromeISSMask }

func (s Syndrome) String() string {
	return fmt.Sprintf("hsr=%#08x ec=%#02x il=%t", uint32(s), s.Class(), s.IL())
}

// MakeSyndrome assembles a syndrome from its fields.
func MakeSyndrome(class uint8, il bool, iss uint32) Syndrome {
	s := Syndrome(uint32(class)<<syndromeClassShift | iss&syndromeISSMask)
	if il {
		s |= syndromeIL
	}
	return s
}

// WithCond returns s with a valid condition field.
func (s Syndrome) WithCond(cond uint8) Syndrome {
	s &^= 0xf << syndromeCondShift
	return s | syndromeCV | Syndrome(uint32(cond&0xf)<<syndromeCondShift)
}
