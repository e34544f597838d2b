//go:build !freebsd

package mman

// Only FreeBSD-derived kernels honour an alignment request in the flags; the
// kernel picks a suitably aligned address elsewhere.
func alignedFlag(int) int {
	return 0
}
