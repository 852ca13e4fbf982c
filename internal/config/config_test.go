package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/armvirt/internal/clocksource"
	"github.com/tinyrange/armvirt/internal/guest"
	"github.com/tinyrange/armvirt/internal/hv/archtimer"
	"github.com/tinyrange/armvirt/internal/hv/mmio"
)

const sampleProfile = `version: 1
name: timer-smoke
description: "One vCPU arms its timer and waits for it"
cpus: 2
target: cortex-a7
timer:
  frequency: 1000000
  hostIRQ: 26
  virtualIRQ: 27
memory:
  base: 0x40000000
  size: 0x10000
devices:
  - name: uart
    kind: sink
    base: 0x09000000
    size: 0x1000
    host: true
  - name: scratch
    kind: ram
    base: 0x0a000000
    size: 0x100
guest:
  vcpus:
    - script:
        - op: cp15-write
          reg: CNTV_TVAL
          value: 1000
        - op: cp15-write
          reg: CNTV_CTL
          value: 1
        - op: wfi
        - op: ack
        - op: mmio-write
          addr: 0x09000000
          value: 0x41
        - op: mmio-read
          addr: 0x0a000000
          rt: 3
        - op: delay
          duration: 1ms
        - op: halt
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if p.Name != "timer-smoke" {
		t.Errorf("Name = %q, want %q", p.Name, "timer-smoke")
	}
	if p.CPUs != 2 {
		t.Errorf("CPUs = %d, want 2", p.CPUs)
	}
	if p.Target != "cortex-a7" {
		t.Errorf("Target = %q, want cortex-a7", p.Target)
	}
	if p.Timer.Frequency != 1_000_000 || p.Timer.HostIRQ != 26 || p.Timer.VirtualIRQ != 27 {
		t.Errorf("Timer = %+v", p.Timer)
	}
	if p.Memory.Base != 0x4000_0000 || p.Memory.Size != 0x10000 {
		t.Errorf("Memory = %+v", p.Memory)
	}
	if len(p.Devices) != 2 || !p.Devices[0].Host || p.Devices[1].Kind != KindRAM {
		t.Errorf("Devices = %+v", p.Devices)
	}
	if p.Guest.Base != guest.DefaultBase {
		t.Errorf("Guest.Base = %#x, want default", p.Guest.Base)
	}
	script := p.Guest.VCPUs[0].Script
	if len(script) != 8 {
		t.Fatalf("script length = %d, want 8", len(script))
	}
	if script[6].Duration != time.Millisecond {
		t.Errorf("delay duration = %v", script[6].Duration)
	}
	if script[5].Rt != 3 || script[5].Addr != 0x0a00_0000 {
		t.Errorf("mmio-read op = %+v", script[5])
	}
}

func TestParseDefaults(t *testing.T) {
	p, err := Parse([]byte("name: minimal\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Version != CurrentVersion || p.CPUs != 1 || p.Target != DefaultTarget {
		t.Errorf("defaults = version %d cpus %d target %q", p.Version, p.CPUs, p.Target)
	}
	if p.Timer.Frequency != DefaultFrequency {
		t.Errorf("Frequency = %d, want %d", p.Timer.Frequency, DefaultFrequency)
	}
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"version", "version: 9\n"},
		{"cpus", "cpus: 99\n"},
		{"target", "target: cortex-m0\n"},
		{"virtual irq", "timer:\n  virtualIRQ: 40\n"},
		{"scripts", "cpus: 1\nguest:\n  vcpus:\n    - script: []\n    - script: []\n"},
		{"device kind", "devices:\n  - name: x\n    kind: gpu\n    base: 0x1000\n    size: 0x10\n"},
		{"device name", "devices:\n  - kind: ram\n    base: 0x1000\n    size: 0x10\n"},
		{"device size", "devices:\n  - name: x\n    kind: ram\n    base: 0x1000\n"},
		{"duplicate", "devices:\n  - {name: x, kind: ram, base: 0x1000, size: 0x10}\n  - {name: x, kind: ram, base: 0x2000, size: 0x10}\n"},
		{"overlap", "memory: {base: 0x1000, size: 0x1000}\ndevices:\n  - {name: x, kind: sink, base: 0x1800, size: 0x10}\n"},
		{"op", "guest:\n  vcpus:\n    - script:\n        - op: teleport\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); !errors.Is(err, ErrInvalidProfile) {
				t.Fatalf("Parse = %v, want ErrInvalidProfile", err)
			}
		})
	}

	if _, err := Parse([]byte("cpus: [")); err == nil {
		t.Fatalf("Parse accepted malformed yaml")
	}
}

func TestLoadAndWrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(src, []byte(sampleProfile), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	p, err := Load(src)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	dst := filepath.Join(dir, "copy.yaml")
	if err := Write(dst, p); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	again, err := Load(dst)
	if err != nil {
		t.Fatalf("Load of written profile failed: %v", err)
	}
	if again.Name != p.Name || len(again.Guest.VCPUs[0].Script) != len(p.Guest.VCPUs[0].Script) {
		t.Errorf("written profile differs: %+v", again)
	}
	if d := again.Guest.VCPUs[0].Script[6].Duration; d != time.Millisecond {
		t.Errorf("delay duration after write = %v", d)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestTimerHost(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := p.TimerHost()
	if err != nil {
		t.Fatalf("TimerHost failed: %v", err)
	}
	if cfg.HostIRQ != 26 || cfg.Counter.Rate() != 1_000_000 {
		t.Errorf("TimerHost = irq %d rate %d", cfg.HostIRQ, cfg.Counter.Rate())
	}
}

func TestBuildRunsProfile(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	host, err := archtimer.NewHost(archtimer.Config{Counter: clocksource.NewManual(p.Timer.Frequency)})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	defer host.Close()

	m, err := p.Build(host, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer m.VM.Close()

	if m.VM.NumVCPUs() != 2 {
		t.Fatalf("NumVCPUs = %d", m.VM.NumVCPUs())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.VM.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	uart, ok := m.Devices["uart"].(*mmio.Sink)
	if !ok {
		t.Fatalf("uart device = %T", m.Devices["uart"])
	}
	if uart.Writes() != 1 {
		t.Errorf("uart writes = %d, want 1", uart.Writes())
	}
	if st := m.Guest.Stats(0); st.Acked[27] != 1 {
		t.Errorf("acked = %v", st.Acked)
	}
}
