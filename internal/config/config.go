// Package config loads machine profiles: the vCPU count and model, the
// timer wiring, the MMIO map and the guest scripts to run.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/exittrace"
	"github.com/tinyrange/armvirt/internal/guest"
	"github.com/tinyrange/armvirt/internal/hv"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/mmio"
	"github.com/tinyrange/armvirt/internal/hv/runloop"
	"github.com/tinyrange/armvirt/internal/hv/vcpu"
	"github.com/tinyrange/armvirt/internal/hv/vgic"
)

const (
	CurrentVersion   = 1
	DefaultFrequency = 24_000_000
	DefaultTarget    = "cortex-a15"

	// MaxCPUs bounds the vCPU count of a profile.
	MaxCPUs = 16
)

var ErrInvalidProfile = errors.New("config: invalid profile")

// DeviceKind selects the emulation behind a device region.
type DeviceKind string

const (
	KindRAM  DeviceKind = "ram"
	KindSink DeviceKind = "sink"
)

// Profile describes a machine.
type Profile struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	CPUs   int    `yaml:"cpus"`
	Target string `yaml:"target,omitempty"`

	Timer   TimerConfig  `yaml:"timer"`
	Memory  MemoryConfig `yaml:"memory,omitempty"`
	Devices []Device     `yaml:"devices,omitempty"`

	Guest GuestConfig `yaml:"guest"`
}

type TimerConfig struct {
	// Frequency is the counter rate in Hz.
	Frequency uint64 `yaml:"frequency,omitempty"`
	HostIRQ   uint32 `yaml:"hostIRQ,omitempty"`
	// VirtualIRQ overrides the target's virtual timer PPI.
	VirtualIRQ uint32 `yaml:"virtualIRQ,omitempty"`
}

type MemoryConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	Size uint64 `yaml:"size,omitempty"`
}

type Device struct {
	Name string     `yaml:"name"`
	Kind DeviceKind `yaml:"kind"`
	Base uint64     `yaml:"base"`
	Size uint64     `yaml:"size"`
	// Host devices are served by the VM manager after an MMIO exit rather
	// than in the exit path.
	Host bool `yaml:"host,omitempty"`
}

type GuestConfig struct {
	// Base is where the first script is placed. Zero selects
	// guest.DefaultBase.
	Base  uint32      `yaml:"base,omitempty"`
	VCPUs []VCPUGuest `yaml:"vcpus"`
}

type VCPUGuest struct {
	Script []guest.Op `yaml:"script"`
}

func (p *Profile) normalize() {
	if p.Version == 0 {
		p.Version = CurrentVersion
	}
	if p.CPUs == 0 {
		p.CPUs = max(1, len(p.Guest.VCPUs))
	}
	if p.Target == "" {
		p.Target = DefaultTarget
	}
	if p.Timer.Frequency == 0 {
		p.Timer.Frequency = DefaultFrequency
	}
	if p.Guest.Base == 0 {
		p.Guest.Base = guest.DefaultBase
	}
}

// Validate checks the profile without building anything that runs.
func (p *Profile) Validate() error {
	if p.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidProfile, p.Version)
	}
	if p.CPUs < 1 || p.CPUs > MaxCPUs {
		return fmt.Errorf("%w: cpus %d not in [1, %d]", ErrInvalidProfile, p.CPUs, MaxCPUs)
	}
	if _, err := vcpu.ParseTarget(p.Target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	if irq := p.Timer.VirtualIRQ; irq != 0 && (irq < vgic.FirstPPI || irq >= vgic.FirstSPI) {
		return fmt.Errorf("%w: virtual timer irq %d is not a PPI", ErrInvalidProfile, irq)
	}
	if len(p.Guest.VCPUs) > p.CPUs {
		return fmt.Errorf("%w: %d scripts for %d cpus", ErrInvalidProfile, len(p.Guest.VCPUs), p.CPUs)
	}

	if _, _, err := p.devices(); err != nil {
		return err
	}
	if _, err := p.newGuest(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	return nil
}

// devices builds the device models and checks the memory map on a scratch
// bus.
func (p *Profile) devices() (kernel, host []hv.MemoryMappedIODevice, err error) {
	bus := mmio.NewBus()
	if p.Memory.Size != 0 {
		if err := bus.Register(mmio.NewRAM(p.Memory.Base, p.Memory.Size)); err != nil {
			return nil, nil, fmt.Errorf("%w: memory: %w", ErrInvalidProfile, err)
		}
	}

	seen := make(map[string]bool)
	for i, d := range p.Devices {
		if d.Name == "" {
			return nil, nil, fmt.Errorf("%w: device %d has no name", ErrInvalidProfile, i)
		}
		if seen[d.Name] {
			return nil, nil, fmt.Errorf("%w: duplicate device %q", ErrInvalidProfile, d.Name)
		}
		seen[d.Name] = true

		var dev hv.MemoryMappedIODevice
		switch d.Kind {
		case KindRAM:
			dev = mmio.NewRAM(d.Base, d.Size)
		case KindSink:
			dev = mmio.NewSink(d.Base, d.Size)
		default:
			return nil, nil, fmt.Errorf("%w: device %q: unknown kind %q", ErrInvalidProfile, d.Name, d.Kind)
		}
		if err := bus.Register(dev); err != nil {
			return nil, nil, fmt.Errorf("%w: device %q: %w", ErrInvalidProfile, d.Name, err)
		}
		if d.Host {
			host = append(host, dev)
		} else {
			kernel = append(kernel, dev)
		}
	}
	return kernel, host, nil
}

func (p *Profile) newGuest() (*guest.Guest, error) {
	scripts := make([][]guest.Op, p.CPUs)
	for i, vc := range p.Guest.VCPUs {
		scripts[i] = vc.Script
	}
	return guest.New(p.Guest.Base, scripts)
}

// TimerHost returns the timer host configuration: a monotonic counter at
// the profile's frequency and its host interrupt.
func (p *Profile) TimerHost() (archtimer.Config, error) {
	counter, err := clocksource.NewMonotonic(p.Timer.Frequency)
	if err != nil {
		return archtimer.Config{}, fmt.Errorf("config: timer: %w", err)
	}
	return archtimer.Config{Counter: counter, HostIRQ: p.Timer.HostIRQ}, nil
}

// Machine is a built profile.
type Machine struct {
	VM    *runloop.VM
	Guest *guest.Guest

	// Devices maps device names to their models.
	Devices map[string]hv.MemoryMappedIODevice
}

// Build creates the VM described by the profile. host may be nil to use
// the registered timer host; rec may be nil.
func (p *Profile) Build(host *archtimer.Host, rec *exittrace.Recorder) (*Machine, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	target, _ := vcpu.ParseTarget(p.Target)

	kernel, hostDevs, err := p.devices()
	if err != nil {
		return nil, err
	}
	g, err := p.newGuest()
	if err != nil {
		return nil, err
	}

	vm, err := runloop.NewVM(runloop.Config{
		CPUs:        p.CPUs,
		Target:      target,
		Host:        host,
		TimerIRQ:    p.Timer.VirtualIRQ,
		Entry:       g.Entry(0),
		MemoryBase:  p.Memory.Base,
		MemorySize:  p.Memory.Size,
		Devices:     kernel,
		HostDevices: hostDevs,
		Recorder:    rec,
	}, g)
	if err != nil {
		return nil, err
	}
	g.AttachInterrupts(vm.Interrupts())

	m := &Machine{VM: vm, Guest: g, Devices: make(map[string]hv.MemoryMappedIODevice)}
	// devices() returns models in profile order with host ones split out.
	var ki, hi int
	for _, d := range p.Devices {
		if d.Host {
			m.Devices[d.Name] = hostDevs[hi]
			hi++
		} else {
			m.Devices[d.Name] = kernel[ki]
			ki++
		}
	}
	return m, nil
}

// Parse decodes and validates a YAML profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Load reads the profile at path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Write encodes p as YAML at path.
func Write(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close profile: %w", err)
	}
	return nil
}
