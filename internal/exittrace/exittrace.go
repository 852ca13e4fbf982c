// Package exittrace records guest exits: how often each kind happens and,
// optionally, a binary stream of (vcpu, kind, duration) records.
package exittrace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x58545243 // "XTRC"
	Version uint32 = 1
)

const blockSize = 4096

var (
	ErrAlreadyStreaming = errors.New("exittrace: already streaming")
	ErrNotStreaming     = errors.New("exittrace: not streaming")
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a class of exit.
type Kind uint32

const InvalidKind = Kind(0)

var (
	kindsMu sync.Mutex
	kinds   = make(map[Kind]string)
)

// RegisterKind allocates a Kind. It is meant for package level variables.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := Kind(len(kinds) + 1)
	kinds[id] = name
	return id
}

func (k Kind) String() string {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if name, ok := kinds[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

type record struct {
	Kind     uint32
	VCPU     uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type stream struct {
	w        io.Writer
	records  chan record
	complete chan error
}

func (s *stream) run() {
	var buf [blockSize]byte
	off := 0

	for rec := range s.records {
		if off+recordSize > len(buf) {
			if _, err := s.w.Write(buf[:off]); err != nil {
				s.complete <- err
				// keep draining so senders never block
				for range s.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], rec.Kind)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.VCPU)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := s.w.Write(buf[:off]); err != nil {
			s.complete <- err
			return
		}
	}
	s.complete <- nil
}

// Recorder counts exits and forwards them to an optional stream. A nil
// *Recorder discards everything.
type Recorder struct {
	mu     sync.RWMutex
	counts map[Kind]uint64
	stream *stream
}

func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[Kind]uint64)}
}

// Record notes one exit of kind on vcpu that took d to handle.
func (r *Recorder) Record(vcpu int, kind Kind, d time.Duration) {
	if r == nil {
		return
	}

	r.mu.Lock()
	r.counts[kind]++
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stream != nil {
		r.stream.records <- record{Kind: uint32(kind), VCPU: uint32(vcpu), Duration: d.Nanoseconds()}
	}
}

// Count returns how many exits of kind were recorded.
func (r *Recorder) Count(kind Kind) uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[kind]
}

// Counts returns the exit counts keyed by kind name.
func (r *Recorder) Counts() map[string]uint64 {
	out := make(map[string]uint64)
	if r == nil {
		return out
	}
	r.mu.RLock()
	counts := maps.Clone(r.counts)
	r.mu.RUnlock()

	for kind, n := range counts {
		out[kind.String()] = n
	}
	return out
}

// StartStream writes the header and kind table to w and streams every later
// record to it until Close.
func (r *Recorder) StartStream(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return ErrAlreadyStreaming
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return fmt.Errorf("exittrace: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return fmt.Errorf("exittrace: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return fmt.Errorf("exittrace: write kinds: %w", err)
	}

	// pad so that records start block aligned
	off := binary.Size(header{}) + len(table)
	if off%blockSize != 0 {
		if _, err := w.Write(make([]byte, blockSize-off%blockSize)); err != nil {
			return fmt.Errorf("exittrace: write padding: %w", err)
		}
	}

	r.stream = &stream{
		w:        w,
		records:  make(chan record, blockSize),
		complete: make(chan error, 1),
	}
	go r.stream.run()
	return nil
}

// Close flushes and stops the stream.
func (r *Recorder) Close() error {
	r.mu.Lock()
	s := r.stream
	r.stream = nil
	r.mu.Unlock()

	if s == nil {
		return ErrNotStreaming
	}
	close(s.records)
	if err := <-s.complete; err != nil {
		return fmt.Errorf("exittrace: write records: %w", err)
	}
	return nil
}

// Event is one decoded record.
type Event struct {
	VCPU     int
	Kind     string
	Duration time.Duration
}

// ReadAll decodes a stream written by StartStream.
func ReadAll(r io.Reader, fn func(Event) error) error {
	buf := bufio.NewReaderSize(r, blockSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("exittrace: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("exittrace: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("exittrace: unsupported version %d", hdr.Version)
	}

	var table map[Kind]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("exittrace: decode kinds: %w", err)
	}

	off := binary.Size(hdr) + int(hdr.KindsLength)
	if off%blockSize != 0 {
		if _, err := buf.Discard(blockSize - off%blockSize); err != nil {
			return fmt.Errorf("exittrace: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("exittrace: read record: %w", err)
		}
		name, ok := table[Kind(rec.Kind)]
		if !ok {
			return fmt.Errorf("exittrace: unknown kind %d", rec.Kind)
		}
		if err := fn(Event{VCPU: int(rec.VCPU), Kind: name, Duration: time.Duration(rec.Duration)}); err != nil {
			return err
		}
	}
}
