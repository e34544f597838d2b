// Package trace is an append-only binary event log used to reconstruct the
// exact order of kernel table writes and mappings after a dump run.
//
// Each record is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// Writers reserve their region by atomically advancing the file offset, so
// records from concurrent goroutines never overlap.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	// KindMessage carries a free-form UTF-8 message.
	KindMessage
	// KindWord carries an 8-byte kernel address followed by an 8-byte value.
	KindWord
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindWord:
		return "word"
	default:
		return "invalid"
	}
}

// Sink is where records are written.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Sink
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Uint64
)

// OpenFile truncates filename and starts recording into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts recording into w. A non-nil error means a previous sink was
// still open and has been discarded without being closed.
func Open(w Sink) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return fmt.Errorf("trace: already open, discarded old sink")
	}
	return nil
}

// Close stops recording and closes the active sink.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s != nil {
		return s.w.Close()
	}
	return nil
}

// Enabled reports whether a sink is open.
func Enabled() bool {
	return current.Load() != nil
}

func encodeHeader(kind Kind, source string, payload []byte, ts int64) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts))
	return header
}

func decodeHeader(header [headerSize]byte) (kind Kind, sourceLength uint16, payloadLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	payloadLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func record(kind Kind, source string, payload []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	buf := make([]byte, 0, headerSize+len(source)+len(payload))
	buf = append(buf, encodeHeader(kind, source, payload, time.Now().UnixNano())...)
	buf = append(buf, source...)
	buf = append(buf, payload...)

	size := uint64(len(buf))
	off := offset.Add(size) - size
	// Trace loss is not worth failing a dump for; drop the record.
	_, _ = s.w.WriteAt(buf, int64(off))
}

func Message(source, msg string) {
	record(KindMessage, source, []byte(msg))
}

func Messagef(source, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	record(KindMessage, source, fmt.Appendf(nil, format, args...))
}

// Word records a kernel word access.
func Word(source string, addr, value uint64) {
	var payload [16]byte
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	binary.LittleEndian.PutUint64(payload[8:16], value)
	record(KindWord, source, payload[:])
}

// DecodeWord splits a KindWord payload.
func DecodeWord(payload []byte) (addr, value uint64, err error) {
	if len(payload) != 16 {
		return 0, 0, fmt.Errorf("trace: word payload is %d bytes, want 16", len(payload))
	}
	return binary.LittleEndian.Uint64(payload[0:8]), binary.LittleEndian.Uint64(payload[8:16]), nil
}

// Source records under one fixed source name.
type Source string

func (s Source) Message(msg string)                  { Message(string(s), msg) }
func (s Source) Messagef(format string, args ...any) { Messagef(string(s), format, args...) }
func (s Source) Word(addr, value uint64)             { Word(string(s), addr, value) }

// Memory is an in-memory Sink. It is safe for concurrent WriteAt calls.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything recorded so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

type Entry struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Payload []byte
}

type SearchOptions struct {
	Start time.Time
	End   time.Time

	// Limit keeps only the first Limit entries, or the last Limit entries if
	// Tail is set.
	Limit int
	Tail  bool

	Sources []string
}

type indexEntry struct {
	offset   int64
	unixNano int64
}

type Reader struct {
	r io.ReaderAt

	index   map[uint64][]indexEntry
	sources map[uint64]string
	order   []uint64

	earliest int64
	latest   int64

	hash hash.Hash64
}

func (r *Reader) hashString(s string) uint64 {
	r.hash.Reset()
	r.hash.Write([]byte(s))
	return r.hash.Sum64()
}

func (r *Reader) indexAll(rd io.Reader) error {
	br := bufio.NewReaderSize(rd, 1<<20)

	var off int64
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header @%d: %w", off, err)
		}
		kind, sourceLength, payloadLength, ts := decodeHeader(header)
		if kind == KindInvalid {
			// A zeroed header means a reserved but never-written record, which
			// happens when the process died mid-write.
			return nil
		}

		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("read source @%d: %w", off, err)
		}
		if _, err := br.Discard(int(payloadLength)); err != nil {
			return fmt.Errorf("skip payload @%d: %w", off, err)
		}

		h := r.hashString(string(source))
		if _, ok := r.sources[h]; !ok {
			r.sources[h] = string(source)
			r.order = append(r.order, h)
		}
		r.index[h] = append(r.index[h], indexEntry{offset: off, unixNano: ts})

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}

		off += headerSize + int64(sourceLength) + int64(payloadLength)
	}
}

// NewReader indexes every record in r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{
		r:       r,
		index:   make(map[uint64][]indexEntry),
		sources: make(map[uint64]string),
		hash:    fnv.New64a(),
	}
	if err := ret.indexAll(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("index trace: %w", err)
	}
	return ret, nil
}

func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat trace: %w", err)
	}
	r, err := NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// Sources returns source names in first-seen order.
func (r *Reader) Sources() []string {
	ret := make([]string, 0, len(r.order))
	for _, h := range r.order {
		ret = append(ret, r.sources[h])
	}
	return ret
}

func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

type sourceEntry struct {
	source string
	entry  indexEntry
}

func (r *Reader) collect(opts SearchOptions) []sourceEntry {
	filter := make(map[uint64]struct{})
	for _, s := range opts.Sources {
		filter[r.hashString(s)] = struct{}{}
	}

	var entries []sourceEntry
	for h, list := range r.index {
		if len(filter) > 0 {
			if _, ok := filter[h]; !ok {
				continue
			}
		}
		for _, ie := range list {
			ts := time.Unix(0, ie.unixNano)
			if !opts.Start.IsZero() && ts.Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && ts.After(opts.End) {
				continue
			}
			entries = append(entries, sourceEntry{source: r.sources[h], entry: ie})
		}
	}

	// File offset is the true write order; timestamps can tie.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.offset < entries[j].entry.offset
	})

	if opts.Limit > 0 && len(entries) > opts.Limit {
		if opts.Tail {
			entries = entries[len(entries)-opts.Limit:]
		} else {
			entries = entries[:opts.Limit]
		}
	}
	return entries
}

// Search calls fn for every matching entry in write order.
func (r *Reader) Search(opts SearchOptions, fn func(e Entry) error) error {
	for _, se := range r.collect(opts) {
		var header [headerSize]byte
		if _, err := r.r.ReadAt(header[:], se.entry.offset); err != nil {
			return err
		}
		kind, sourceLength, payloadLength, _ := decodeHeader(header)

		payload := make([]byte, payloadLength)
		if _, err := r.r.ReadAt(payload, se.entry.offset+headerSize+int64(sourceLength)); err != nil {
			return err
		}
		if err := fn(Entry{
			Time:    time.Unix(0, se.entry.unixNano),
			Kind:    kind,
			Source:  se.source,
			Payload: payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) Count(opts SearchOptions) int {
	return len(r.collect(opts))
}

func (r *Reader) Each(fn func(e Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}
