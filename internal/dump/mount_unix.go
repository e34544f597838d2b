//go:build unix

package dump

import "golang.org/x/sys/unix"

// mountedApart reports whether child lives on a different device than
// parent, i.e. something is mounted there.
func mountedApart(parent, child string) bool {
	var p, c unix.Stat_t
	if err := unix.Stat(parent, &p); err != nil {
		return false
	}
	if err := unix.Stat(child, &c); err != nil {
		return false
	}
	return p.Dev != c.Dev
}
