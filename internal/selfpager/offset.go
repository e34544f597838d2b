package selfpager

import "github.com/tinyrange/selfdump/internal/firmware"

// SuperpageSize is the window granularity the SELF pager uses to locate a
// segment's pages.
const SuperpageSize = 0x200000

// WindowedOffsetVersion is the first firmware whose SELF pager expects the
// superpage window of the segment in the low offset bits.
const WindowedOffsetVersion firmware.Version = 0x900

// EncodeOffset builds the mmap offset the SELF pager decodes: the segment
// index in the upper 32 bits and, from WindowedOffsetVersion on, the
// alignment-truncated virtual address within its superpage in the low bits.
//
// For a segment at vaddr 0xedf7e10 with align 0x4000 the low bits are
// 0x1f4000; older pagers want zero there.
func EncodeOffset(fw firmware.Version, index int, vaddr, align uint64) int64 {
	off := uint64(uint32(index)) << 32
	if fw >= WindowedOffsetVersion {
		off |= (vaddr &^ (align - 1)) & (SuperpageSize - 1)
	}
	return int64(off)
}

// DecodeOffset splits an offset built by EncodeOffset.
func DecodeOffset(off int64) (index int, window uint64) {
	return int(uint64(off) >> 32), uint64(off) & 0xffffffff
}
