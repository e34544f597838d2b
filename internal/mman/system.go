//go:build unix

package mman

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// System is the Mapper backed by the host kernel.
type System struct{}

func (System) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	mem, err := unix.Mmap(fd, offset, length, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d @%#x len %#x: %w", fd, offset, length, err)
	}
	return mem, nil
}

func (System) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (System) Mlock(b []byte) error {
	return unix.Mlock(b)
}

func (System) Munlock(b []byte) error {
	return unix.Munlock(b)
}

func (System) Anonymous(length int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous len %#x: %w", length, err)
	}
	return mem, nil
}

var (
	_ Mapper = System{}
)
