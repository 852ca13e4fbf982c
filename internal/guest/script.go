// Package guest provides a scripted guest: each vCPU runs a list of
// operations, one per instruction slot, and the world switch turns the
// trapping ones into the syndromes real hardware would report.
package guest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/armvirt/internal/hv/coproc"
	"github.com/tinyrange/armvirt/internal/hv/mmio"
	"github.com/tinyrange/armvirt/internal/hv/psci"
	"github.com/tinyrange/armvirt/internal/hv/trap"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
)

var ErrInvalidOp = errors.New("guest: invalid op")

// OpKind names a script operation.
type OpKind string

const (
	OpCP15Read  OpKind = "cp15-read"
	OpCP15Write OpKind = "cp15-write"
	OpWFI       OpKind = "wfi"
	OpMMIORead  OpKind = "mmio-read"
	OpMMIOWrite OpKind = "mmio-write"
	OpHVC       OpKind = "hvc"
	OpSMC       OpKind = "smc"
	OpUndef     OpKind = "undef"
	OpIRQ       OpKind = "irq"
	OpAck       OpKind = "ack"
	OpDelay     OpKind = "delay"
	OpMov       OpKind = "mov"
	OpCPUOn     OpKind = "cpu-on"
	OpCPUOff    OpKind = "cpu-off"
	OpHalt      OpKind = "halt"
)

// Op is one script instruction as written in a profile.
type Op struct {
	Op OpKind `yaml:"op"`

	// Reg names a CP15 register for cp15-read and cp15-write.
	Reg string `yaml:"reg,omitempty"`
	// Rt is the general register read or written. Wide CP15 accesses use
	// Rt and Rt+1.
	Rt int `yaml:"rt,omitempty"`

	Addr   uint64 `yaml:"addr,omitempty"`
	Size   int    `yaml:"size,omitempty"`
	Signed bool   `yaml:"signed,omitempty"`
	Value  uint64 `yaml:"value,omitempty"`

	// Fn is a PSCI function for hvc, by name ("cpu_on") or number.
	Fn   string   `yaml:"fn,omitempty"`
	Args []uint32 `yaml:"args,omitempty"`

	// Target is the vCPU for cpu-on.
	Target int `yaml:"target,omitempty"`

	// Cond is an ARM condition ("eq", "ne", ...) for trapping ops. A
	// failing condition makes the trap spurious.
	Cond string `yaml:"cond,omitempty"`

	Duration time.Duration `yaml:"duration,omitempty"`
}

var condNames = map[string]uint8{
	"eq": 0x0, "ne": 0x1, "cs": 0x2, "cc": 0x3, "mi": 0x4, "pl": 0x5, "vs": 0x6, "vc": 0x7,
	"hi": 0x8, "ls": 0x9, "ge": 0xa, "lt": 0xb, "gt": 0xc, "le": 0xd, "al": 0xe,
}

var psciNames = map[string]psci.FunctionID{
	"version":           psci.FnVersion,
	"cpu_suspend":       psci.FnCPUSuspend,
	"cpu_off":           psci.FnCPUOff,
	"cpu_on":            psci.FnCPUOn,
	"affinity_info":     psci.FnAffinityInfo,
	"migrate_info_type": psci.FnMigrateInfoType,
	"system_off":        psci.FnSystemOff,
	"system_reset":      psci.FnSystemReset,
	"features":          psci.FnFeatures,
}

// instr is a compiled op.
type instr struct {
	op     Op
	access coproc.Access
	fn     psci.FunctionID
	cond   uint8
	hasCC  bool
}

func compile(op Op, cpus int) (instr, error) {
	in := instr{op: op}

	if op.Rt < 0 || op.Rt > 14 {
		return in, fmt.Errorf("%w: %s: register r%d", ErrInvalidOp, op.Op, op.Rt)
	}
	if op.Cond != "" {
		cc, ok := condNames[strings.ToLower(op.Cond)]
		if !ok {
			return in, fmt.Errorf("%w: %s: condition %q", ErrInvalidOp, op.Op, op.Cond)
		}
		in.cond, in.hasCC = cc, true
	}

	switch op.Op {
	case OpCP15Read, OpCP15Write:
		a, ok := coproc.LookupRegister(op.Reg)
		if !ok {
			return in, fmt.Errorf("%w: %s: unknown register %q", ErrInvalidOp, op.Op, op.Reg)
		}
		a.Rt = uint8(op.Rt)
		a.Rt2 = uint8(op.Rt + 1)
		a.Read = op.Op == OpCP15Read
		if a.Wide && op.Rt > 13 {
			return in, fmt.Errorf("%w: %s: r%d has no pair", ErrInvalidOp, op.Op, op.Rt)
		}
		in.access = a

	case OpMMIORead, OpMMIOWrite:
		switch op.Size {
		case 0:
			in.op.Size = 4
		case 1, 2, 4:
		default:
			return in, fmt.Errorf("%w: %s: size %d", ErrInvalidOp, op.Op, op.Size)
		}

	case OpHVC:
		if op.Fn == "" {
			return in, fmt.Errorf("%w: hvc without fn", ErrInvalidOp)
		}
		fn, ok := psciNames[strings.ToLower(op.Fn)]
		if !ok {
			raw, err := strconv.ParseUint(op.Fn, 0, 32)
			if err != nil {
				return in, fmt.Errorf("%w: hvc: function %q", ErrInvalidOp, op.Fn)
			}
			fn = psci.FunctionID(raw)
		}
		if len(op.Args) > 3 {
			return in, fmt.Errorf("%w: hvc: %d args", ErrInvalidOp, len(op.Args))
		}
		in.fn = fn

	case OpCPUOn:
		if op.Target <= 0 || op.Target >= cpus {
			return in, fmt.Errorf("%w: cpu-on: target %d", ErrInvalidOp, op.Target)
		}

	case OpDelay:
		if op.Duration <= 0 {
			return in, fmt.Errorf("%w: delay without duration", ErrInvalidOp)
		}

	case OpWFI, OpSMC, OpUndef, OpIRQ, OpAck, OpMov, OpCPUOff, OpHalt:

	default:
		return in, fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
	}

	return in, nil
}

// traps reports whether the op leaves the guest.
func (in instr) traps() bool {
	switch in.op.Op {
	case OpAck, OpDelay, OpMov:
		return false
	}
	return true
}

// syndrome builds the HSR for a trapping op.
func (in instr) syndrome() vcpu.Syndrome {
	var s vcpu.Syndrome
	switch in.op.Op {
	case OpCP15Read, OpCP15Write:
		class := trap.ClassCP15_32
		if in.access.Wide {
			class = trap.ClassCP15_64
		}
		s = vcpu.MakeSyndrome(uint8(class), true, in.access.Encode())
	case OpWFI:
		s = vcpu.MakeSyndrome(uint8(trap.ClassWFI), true, 0)
	case OpMMIORead, OpMMIOWrite:
		iss := mmio.DataAbort{
			Size:       in.op.Size,
			Write:      in.op.Op == OpMMIOWrite,
			SignExtend: in.op.Signed,
			Register:   in.op.Rt,
		}.Encode()
		s = vcpu.MakeSyndrome(uint8(trap.ClassDABT), true, iss)
	case OpHVC, OpCPUOn, OpCPUOff, OpHalt:
		s = vcpu.MakeSyndrome(uint8(trap.ClassHVC), true, 0)
	case OpSMC:
		s = vcpu.MakeSyndrome(uint8(trap.ClassSMC), true, 0)
	case OpUndef:
		// A CP14 debug register access, which the exit path refuses.
		s = vcpu.MakeSyndrome(uint8(trap.ClassCP14_MR), true, 0)
	}
	if in.hasCC {
		s = s.WithCond(in.cond)
	}
	return s
}
