package trap

import "fmt"

// ExitIndex is the coarse reason the world switch returned to the host:
// the hyp vector that was taken.
type ExitIndex int

const (
	ExitReset ExitIndex = iota
	ExitUndefined
	ExitSoftware
	ExitPrefetchAbort
	ExitDataAbort
	ExitIRQ
	ExitFIQ
	ExitHVC
)

func (i ExitIndex) String() string {
	switch i {
	case ExitReset:
		return "reset"
	case ExitUndefined:
		return "undefined"
	case ExitSoftware:
		return "software"
	case ExitPrefetchAbort:
		return "prefetch-abort"
	case ExitDataAbort:
		return "data-abort"
	case ExitIRQ:
		return "irq"
	case ExitFIQ:
		return "fiq"
	case ExitHVC:
		return "hvc"
	default:
		return fmt.Sprintf("exit-index(%d)", int(i))
	}
}

// ExceptionClass is the HSR.EC field of a trap taken to hyp mode.
type ExceptionClass uint8

const (
	ClassUnknown     ExceptionClass = 0x00
	ClassWFI         ExceptionClass = 0x01
	ClassCP15_32     ExceptionClass = 0x03
	ClassCP15_64     ExceptionClass = 0x04
	ClassCP14_MR     ExceptionClass = 0x05
	ClassCP14_LS     ExceptionClass = 0x06
	ClassCP_0_13     ExceptionClass = 0x07
	ClassCP10_ID     ExceptionClass = 0x08
	ClassJazelle     ExceptionClass = 0x09
	ClassBXJ         ExceptionClass = 0x0a
	ClassCP14_64     ExceptionClass = 0x0c
	ClassSVC_HYP     ExceptionClass = 0x11
	ClassHVC         ExceptionClass = 0x12
	ClassSMC         ExceptionClass = 0x13
	ClassIABT        ExceptionClass = 0x20
	ClassIABT_HYP    ExceptionClass = 0x21
	ClassPCAlignment ExceptionClass = 0x22
	ClassDABT        ExceptionClass = 0x24
	ClassDABT_HYP    ExceptionClass = 0x25

	// NumClasses bounds the handler table.
	NumClasses = 0x26
)

var classNames = map[ExceptionClass]string{
	ClassUnknown:     "UNKNOWN",
	ClassWFI:         "WFI",
	ClassCP15_32:     "CP15_32",
	ClassCP15_64:     "CP15_64",
	ClassCP14_MR:     "CP14_MR",
	ClassCP14_LS:     "CP14_LS",
	ClassCP_0_13:     "CP_0_13",
	ClassCP10_ID:     "CP10_ID",
	ClassJazelle:     "JAZELLE",
	ClassBXJ:         "BXJ",
	ClassCP14_64:     "CP14_64",
	ClassSVC_HYP:     "SVC_HYP",
	ClassHVC:         "HVC",
	ClassSMC:         "SMC",
	ClassIABT:        "IABT",
	ClassIABT_HYP:    "IABT_HYP",
	ClassPCAlignment: "PC_ALIGN",
	ClassDABT:        "DABT",
	ClassDABT_HYP:    "DABT_HYP",
}

func (c ExceptionClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("EC_%#02x", uint8(c))
}
