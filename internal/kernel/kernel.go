// Package kernel describes the privileged kernel-memory capability the
// decryptor is built on. The capability itself comes from the environment
// (a jailbroken kernel R/W primitive, a kmem device, or a simulator in tests).
package kernel

import (
	"errors"
	"fmt"
)

// WordSize is the size of one kernel word in bytes.
const WordSize = 8

var ErrFirmwareUnknown = errors.New("firmware version unknown")

// Accessor reads and writes 64-bit kernel words and reports the running
// firmware version.
//
// The firmware version uses the platform encoding: the major.minor pair sits
// in the upper 16 bits (0x09000000 is 9.00).
type Accessor interface {
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr uint64, value uint64) error
	FirmwareVersion() (uint32, error)
}

// AddressError reports a failed access to a kernel address.
type AddressError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("kernel %s %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}
