//go:build unix && !freebsd

package kernel

import "fmt"

func systemFirmwareVersion() (uint32, error) {
	return 0, fmt.Errorf("%w: no system query on this platform, pass the version explicitly", ErrFirmwareUnknown)
}
