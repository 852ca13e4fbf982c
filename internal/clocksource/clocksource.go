// Package clocksource models the physical cycle counter that backs the
// virtual architected timer.
package clocksource

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const nsecPerSec = 1_000_000_000

// Counter is a monotonic hardware cycle counter.
type Counter interface {
	// Read returns the current counter value in cycles.
	Read() uint64
	// CyclesToNs converts a cycle delta to nanoseconds.
	CyclesToNs(cycles uint64) uint64
	// Rate returns the counter frequency in Hz.
	Rate() uint64
}

// CalcMultShift computes a mult/shift pair that converts values counted at
// frequency from into values counted at frequency to, so that
// to = (from * mult) >> shift. maxsec bounds the conversion range in seconds
// the pair must cover without losing the high bits of the product.
func CalcMultShift(from, to uint64, maxsec uint32) (mult, shift uint32) {
	sftacc := uint32(32)

	tmp := (uint64(maxsec) * from) >> 32
	for tmp != 0 {
		tmp >>= 1
		sftacc--
	}

	var sft uint32
	for sft = 32; sft > 0; sft-- {
		tmp = to << sft
		tmp += from / 2
		tmp /= from
		if (tmp >> sftacc) == 0 {
			break
		}
	}

	return uint32(tmp), sft
}

// scale converts cycles to nanoseconds with a 128 bit intermediate product.
// Results that do not fit in 64 bits saturate at math.MaxUint64.
type scale struct {
	rate  uint64
	mult  uint32
	shift uint32
}

func newScale(rate uint64) scale {
	mult, shift := CalcMultShift(rate, nsecPerSec, 600)
	return scale{rate: rate, mult: mult, shift: shift}
}

func (s scale) cyclesToNs(cycles uint64) uint64 {
	hi, lo := bits.Mul64(cycles, uint64(s.mult))
	if hi>>s.shift != 0 {
		return math.MaxUint64
	}
	if s.shift == 0 {
		return lo
	}
	return (lo >> s.shift) | (hi << (64 - s.shift))
}

// Monotonic derives a cycle counter running at a fixed rate from the host's
// CLOCK_MONOTONIC.
type Monotonic struct {
	scale
}

// NewMonotonic returns a counter ticking at rate Hz.
func NewMonotonic(rate uint64) (*Monotonic, error) {
	if rate == 0 {
		return nil, fmt.Errorf("clocksource: rate must be non-zero")
	}
	return &Monotonic{scale: newScale(rate)}, nil
}

// Read implements [Counter].
func (m *Monotonic) Read() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on the supported hosts.
		panic(fmt.Sprintf("clocksource: clock_gettime: %v", err))
	}
	ns := uint64(ts.Nano())

	hi, lo := bits.Mul64(ns, m.rate)
	cycles, _ := bits.Div64(hi, lo, nsecPerSec)
	return cycles
}

// CyclesToNs implements [Counter].
func (m *Monotonic) CyclesToNs(cycles uint64) uint64 { return m.cyclesToNs(cycles) }

// Rate implements [Counter].
func (m *Monotonic) Rate() uint64 { return m.rate }

// Manual is a counter that only moves when told to. It is used by tests and
// by scripted simulations.
type Manual struct {
	scale
	value atomic.Uint64
}

// NewManual returns a manual counter at rate Hz starting at zero.
func NewManual(rate uint64) *Manual {
	if rate == 0 {
		rate = 1
	}
	return &Manual{scale: newScale(rate)}
}

// Read implements [Counter].
func (m *Manual) Read() uint64 { return m.value.Load() }

// CyclesToNs implements [Counter].
func (m *Manual) CyclesToNs(cycles uint64) uint64 { return m.cyclesToNs(cycles) }

// Rate implements [Counter].
func (m *Manual) Rate() uint64 { return m.rate }

// Set moves the counter to an absolute value.
func (m *Manual) Set(v uint64) { m.value.Store(v) }

// Advance moves the counter forward and returns the new value.
func (m *Manual) Advance(cycles uint64) uint64 { return m.value.Add(cycles) }

var (
	_ Counter = &Monotonic{}
	_ Counter = &Manual{}
)
