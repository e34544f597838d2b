// Package kerneltest provides a simulated kernel for exercising code that
// patches kernel memory through a kernel.Accessor.
package kerneltest

import (
	"fmt"
	"sync"

	"github.com/tinyrange/selfdump/internal/kernel"
)

// Access is one recorded kernel access.
type Access struct {
	Write bool
	Addr  uint64
	Value uint64
}

// Memory is a sparse, word-addressed simulated kernel.
type Memory struct {
	mu       sync.Mutex
	words    map[uint64]uint64
	firmware uint32
	log      []Access

	// OnWrite runs after every successful write, outside the lock. Tests use
	// it to inject scheduling points inside a caller's critical section.
	OnWrite func(addr, value uint64)

	// FailWrite, when set, makes writes to matching addresses fail.
	FailWrite func(addr, value uint64) error
}

func New(firmware uint32) *Memory {
	return &Memory{
		words:    make(map[uint64]uint64),
		firmware: firmware,
	}
}

// Set stores a word without recording an access.
func (m *Memory) Set(addr, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = value
}

// Get loads a word without recording an access.
func (m *Memory) Get(addr uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr]
}

// Accesses returns a copy of every recorded access in order.
func (m *Memory) Accesses() []Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Access(nil), m.log...)
}

// Writes returns only the recorded writes.
func (m *Memory) Writes() []Access {
	var ret []Access
	for _, a := range m.Accesses() {
		if a.Write {
			ret = append(ret, a)
		}
	}
	return ret
}

// ReadWord implements kernel.Accessor.
func (m *Memory) ReadWord(addr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr%kernel.WordSize != 0 {
		return 0, &kernel.AddressError{Op: "read", Addr: addr, Err: fmt.Errorf("unaligned")}
	}
	m.log = append(m.log, Access{Addr: addr, Value: m.words[addr]})
	return m.words[addr], nil
}

// WriteWord implements kernel.Accessor.
func (m *Memory) WriteWord(addr uint64, value uint64) error {
	if m.FailWrite != nil {
		if err := m.FailWrite(addr, value); err != nil {
			return &kernel.AddressError{Op: "write", Addr: addr, Err: err}
		}
	}

	m.mu.Lock()
	if addr%kernel.WordSize != 0 {
		m.mu.Unlock()
		return &kernel.AddressError{Op: "write", Addr: addr, Err: fmt.Errorf("unaligned")}
	}
	m.words[addr] = value
	m.log = append(m.log, Access{Write: true, Addr: addr, Value: value})
	m.mu.Unlock()

	if m.OnWrite != nil {
		m.OnWrite(addr, value)
	}
	return nil
}

// FirmwareVersion implements kernel.Accessor.
func (m *Memory) FirmwareVersion() (uint32, error) {
	return m.firmware, nil
}

var (
	_ kernel.Accessor = &Memory{}
)
