// Package mman wraps the memory-mapping syscalls the decryptor needs so the
// mapping layer can be substituted in tests.
package mman

import (
	"fmt"
	"math/bits"
)

// Protection and sharing bits shared by Linux and the BSDs.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2

	MapPrivate = 0x2
)

// Mapper creates and releases memory mappings.
type Mapper interface {
	// Mmap maps length bytes of fd starting at offset.
	Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error)
	Munmap(b []byte) error

	// Mlock pins the pages backing b; Munlock releases the pin.
	Mlock(b []byte) error
	Munlock(b []byte) error

	// Anonymous returns a private, zero-filled, read-write mapping.
	Anonymous(length int) ([]byte, error)
}

// Aligned returns the mmap flag bits requesting a mapping aligned to align
// bytes. align must be zero or a power of two; zero requests no alignment.
func Aligned(align uint64) (int, error) {
	if align == 0 {
		return 0, nil
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	return alignedFlag(bits.TrailingZeros64(align)), nil
}
