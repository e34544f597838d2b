// Package mmantest provides an in-memory mman.Mapper.
package mmantest

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/selfdump/internal/mman"
)

// Request describes one Mmap call.
type Request struct {
	Fd     int
	Offset int64
	Length int
	Prot   int
	Flags  int
}

// Mapper serves file mappings from Serve and anonymous mappings from the Go
// heap, tracking every live mapping and pin.
type Mapper struct {
	// Serve produces the contents of a file mapping. It must return exactly
	// req.Length bytes.
	Serve func(req Request) ([]byte, error)

	// FailAnonymous makes Anonymous fail.
	FailAnonymous bool

	// FailLock, when set, decides whether Mlock fails for a mapping.
	FailLock func(b []byte) error

	mu       sync.Mutex
	live     map[*byte]int
	locked   map[*byte]int
	requests []Request
	anon     int
}

func (m *Mapper) track(b []byte) {
	if m.live == nil {
		m.live = make(map[*byte]int)
		m.locked = make(map[*byte]int)
	}
	m.live[unsafe.SliceData(b)] = len(b)
}

// Mmap implements mman.Mapper.
func (m *Mapper) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	req := Request{Fd: fd, Offset: offset, Length: length, Prot: prot, Flags: flags}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	serve := m.Serve
	m.mu.Unlock()

	if serve == nil {
		return nil, errors.New("mmantest: no Serve function")
	}
	if length <= 0 {
		return nil, fmt.Errorf("mmantest: invalid length %d", length)
	}

	data, err := serve(req)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, fmt.Errorf("mmantest: served %d bytes, want %d", len(data), length)
	}

	mem := append([]byte(nil), data...)
	m.mu.Lock()
	m.track(mem)
	m.mu.Unlock()
	return mem, nil
}

// Anonymous implements mman.Mapper.
func (m *Mapper) Anonymous(length int) ([]byte, error) {
	if m.FailAnonymous {
		return nil, errors.New("mmantest: anonymous mapping refused")
	}
	if length <= 0 {
		return nil, fmt.Errorf("mmantest: invalid length %d", length)
	}
	mem := make([]byte, length)
	m.mu.Lock()
	m.anon++
	m.track(mem)
	m.mu.Unlock()
	return mem, nil
}

// Munmap implements mman.Mapper.
func (m *Mapper) Munmap(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := unsafe.SliceData(b)
	n, ok := m.live[key]
	if !ok || n != len(b) {
		return fmt.Errorf("mmantest: munmap of unknown mapping (len %d)", len(b))
	}
	delete(m.live, key)
	delete(m.locked, key)
	return nil
}

// Mlock implements mman.Mapper.
func (m *Mapper) Mlock(b []byte) error {
	if m.FailLock != nil {
		if err := m.FailLock(b); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := unsafe.SliceData(b)
	if _, ok := m.live[key]; !ok {
		return errors.New("mmantest: mlock of unknown mapping")
	}
	m.locked[key] = len(b)
	return nil
}

// Munlock implements mman.Mapper.
func (m *Mapper) Munlock(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := unsafe.SliceData(b)
	if _, ok := m.locked[key]; !ok {
		return errors.New("mmantest: munlock of unlocked mapping")
	}
	delete(m.locked, key)
	return nil
}

// Live returns the number of mappings not yet unmapped.
func (m *Mapper) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Locked returns the number of mappings still pinned.
func (m *Mapper) Locked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locked)
}

// AnonymousCount returns how many anonymous mappings were handed out.
func (m *Mapper) AnonymousCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anon
}

// Requests returns every Mmap request in call order.
func (m *Mapper) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

var (
	_ mman.Mapper = &Mapper{}
)
