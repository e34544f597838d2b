//go:build freebsd

package mman

// MAP_ALIGNED(n) from sys/mman.h.
const mapAlignmentShift = 24

func alignedFlag(log2 int) int {
	return log2 << mapAlignmentShift
}
