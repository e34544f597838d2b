//go:build freebsd

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func systemFirmwareVersion() (uint32, error) {
	v, err := unix.SysctlUint32("kern.sdk_version")
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.sdk_version: %w", err)
	}
	return v, nil
}
