package dump

const (
	USBOutput  = "/mnt/usb0/dump"
	DataOutput = "/data/dump"
)

// OutputBase picks the default output directory: the first USB drive when
// one is mounted, the internal data partition otherwise.
func OutputBase() string {
	if mountedApart("/mnt", "/mnt/usb0") {
		return USBOutput
	}
	return DataOutput
}
