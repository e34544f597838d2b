//go:build unix

package kernel

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Device is an Accessor over a kernel-memory character device where the file
// offset is the kernel virtual address (FreeBSD /dev/kmem semantics).
type Device struct {
	f        *os.File
	firmware uint32
}

// OpenDevice opens path read-write. If firmware is zero the version is queried
// from the running system on first use.
func OpenDevice(path string, firmware uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open kernel device: %w", err)
	}
	return &Device{f: f, firmware: firmware}, nil
}

func (d *Device) Close() error {
	return d.f.Close()
}

// Kernel addresses are negative as an off_t; character devices accept that.

// ReadWord implements Accessor.
func (d *Device) ReadWord(addr uint64) (uint64, error) {
	var buf [WordSize]byte
	n, err := unix.Pread(int(d.f.Fd()), buf[:], int64(addr))
	if err != nil {
		return 0, &AddressError{Op: "read", Addr: addr, Err: err}
	}
	if n != WordSize {
		return 0, &AddressError{Op: "read", Addr: addr, Err: io.ErrUnexpectedEOF}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteWord implements Accessor.
func (d *Device) WriteWord(addr uint64, value uint64) error {
	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(int(d.f.Fd()), buf[:], int64(addr))
	if err != nil {
		return &AddressError{Op: "write", Addr: addr, Err: err}
	}
	if n != WordSize {
		return &AddressError{Op: "write", Addr: addr, Err: io.ErrShortWrite}
	}
	return nil
}

// FirmwareVersion implements Accessor.
func (d *Device) FirmwareVersion() (uint32, error) {
	if d.firmware != 0 {
		return d.firmware, nil
	}
	v, err := systemFirmwareVersion()
	if err != nil {
		return 0, err
	}
	d.firmware = v
	return v, nil
}

var (
	_ Accessor = &Device{}
)
