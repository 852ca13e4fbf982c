// Package mmio resolves guest data aborts against emulated devices and
// hands the rest to the VM manager as MMIO exits.
package mmio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/armvirt/internal/hv"
)

var (
	ErrOverlap     = errors.New("mmio: region overlaps an existing device")
	ErrEmptyRegion = errors.New("mmio: empty region")
)

type busEntry struct {
	region hv.MMIORegion
	dev    hv.MemoryMappedIODevice
}

func lessEntry(a, b busEntry) bool {
	return a.region.Address < b.region.Address
}

// Bus maps guest physical ranges to devices.
type Bus struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[busEntry]
}

func NewBus() *Bus {
	return &Bus{tree: btree.NewG(8, lessEntry)}
}

// Register adds every region of dev. Nothing is registered if any region
// overlaps a device already on the bus.
func (b *Bus) Register(dev hv.MemoryMappedIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	regions := dev.MMIORegions()
	for i, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("%w at %#x", ErrEmptyRegion, r.Address)
		}
		if b.overlapsLocked(r) {
			return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, r.Address, r.Address+r.Size)
		}
		for _, other := range regions[:i] {
			if r.Address < other.Address+other.Size && other.Address < r.Address+r.Size {
				return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, r.Address, r.Address+r.Size)
			}
		}
	}

	for _, r := range regions {
		b.tree.ReplaceOrInsert(busEntry{region: r, dev: dev})
	}
	return nil
}

func (b *Bus) overlapsLocked(r hv.MMIORegion) bool {
	overlap := false
	b.tree.DescendLessOrEqual(busEntry{region: r}, func(e busEntry) bool {
		overlap = e.region.Address+e.region.Size > r.Address
		return false
	})
	if overlap {
		return true
	}
	b.tree.AscendGreaterOrEqual(busEntry{region: r}, func(e busEntry) bool {
		overlap = e.region.Address < r.Address+r.Size
		return false
	})
	return overlap
}

// Find returns the device whose region contains [addr, addr+size).
func (b *Bus) Find(addr, size uint64) (hv.MemoryMappedIODevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var found hv.MemoryMappedIODevice
	b.tree.DescendLessOrEqual(busEntry{region: hv.MMIORegion{Address: addr}}, func(e busEntry) bool {
		if e.region.Contains(addr, size) {
			found = e.dev
		}
		return false
	})
	return found, found != nil
}

// Len returns the number of registered regions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}

// Read performs a device read. ok is false when no device claims the range.
func (b *Bus) Read(addr uint64, data []byte) (ok bool, err error) {
	dev, ok := b.Find(addr, uint64(len(data)))
	if !ok {
		return false, nil
	}
	return true, dev.ReadMMIO(addr, data)
}

// Write performs a device write. ok is false when no device claims the
// range.
func (b *Bus) Write(addr uint64, data []byte) (ok bool, err error) {
	dev, ok := b.Find(addr, uint64(len(data)))
	if !ok {
		return false, nil
	}
	return true, dev.WriteMMIO(addr, data)
}
