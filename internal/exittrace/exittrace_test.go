package exittrace

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	kindWFI  = RegisterKind("test_wfi")
	kindMMIO = RegisterKind("test_mmio")
)

func TestRecorderStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder()
	if err := r.StartStream(&buf); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := r.StartStream(&buf); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second StartStream=%v", err)
	}

	r.Record(0, kindWFI, 100*time.Microsecond)
	r.Record(3, kindMMIO, 2*time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("second Close=%v", err)
	}

	// Records after Close are only counted.
	r.Record(1, kindWFI, time.Microsecond)

	var got []Event
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(ev Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	want := []Event{
		{VCPU: 0, Kind: "test_wfi", Duration: 100 * time.Microsecond},
		{VCPU: 3, Kind: "test_mmio", Duration: 2 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	if n := r.Count(kindWFI); n != 2 {
		t.Fatalf("count(wfi)=%d, want 2", n)
	}
	if diff := cmp.Diff(map[string]uint64{"test_wfi": 2, "test_mmio": 1}, r.Counts()); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
}

func TestReadAllRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	if err := ReadAll(bytes.NewReader(data), func(Event) error { return nil }); err == nil {
		t.Fatalf("ReadAll accepted a zero header")
	}
}

func TestNilRecorderDiscards(t *testing.T) {
	var r *Recorder
	r.Record(0, kindWFI, time.Second)
	if n := r.Count(kindWFI); n != 0 {
		t.Fatalf("count=%d", n)
	}
	if len(r.Counts()) != 0 {
		t.Fatalf("nil recorder has counts")
	}
}

func TestKindString(t *testing.T) {
	if s := kindMMIO.String(); s != "test_mmio" {
		t.Fatalf("String()=%q", s)
	}
	if s := Kind(1 << 30).String(); s != "kind(1073741824)" {
		t.Fatalf("String()=%q", s)
	}
}
