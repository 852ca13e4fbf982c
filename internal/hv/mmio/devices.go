package mmio

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/armvirt/internal/hv"
)

// RAM is plain memory mapped on the bus. It doubles as the guest memory
// view used for diagnostics.
type RAM struct {
	base uint64

	mu   sync.RWMutex
	data []byte
}

func NewRAM(base, size uint64) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

func (r *RAM) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: r.base, Size: uint64(len(r.data))}}
}

func (r *RAM) ReadMMIO(addr uint64, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(data, r.data[off:])
	return nil
}

func (r *RAM) WriteMMIO(addr uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[off:], data)
	return nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (r *RAM) ReadAt(p []byte, addr int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr < 0 || uint64(addr) < r.base || uint64(addr)-r.base >= uint64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[uint64(addr)-r.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load copies data into memory at addr.
func (r *RAM) Load(addr uint64, data []byte) error {
	return r.WriteMMIO(addr, data)
}

func (r *RAM) offset(addr uint64, n int) (uint64, error) {
	if addr < r.base || addr-r.base+uint64(n) > uint64(len(r.data)) {
		return 0, fmt.Errorf("mmio: ram access [%#x, +%d) out of range", addr, n)
	}
	return addr - r.base, nil
}

// Sink accepts writes and reads as zero, counting both. It stands in for
// devices whose side effects do not matter.
type Sink struct {
	region hv.MMIORegion

	reads  atomic.Uint64
	writes atomic.Uint64
}

func NewSink(base, size uint64) *Sink {
	return &Sink{region: hv.MMIORegion{Address: base, Size: size}}
}

func (s *Sink) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{s.region} }

func (s *Sink) ReadMMIO(addr uint64, data []byte) error {
	s.reads.Add(1)
	clear(data)
	return nil
}

func (s *Sink) WriteMMIO(addr uint64, data []byte) error {
	s.writes.Add(1)
	return nil
}

func (s *Sink) Reads() uint64  { return s.reads.Load() }
func (s *Sink) Writes() uint64 { return s.writes.Load() }

var (
	_ hv.MemoryMappedIODevice = (*RAM)(nil)
	_ hv.MemoryMappedIODevice = (*Sink)(nil)
	_ io.ReaderAt             = (*RAM)(nil)
)
