// Package self parses signed ELF containers (SELF) and rebuilds the plain ELF
// image from them with the kernel's help.
package self

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicOrbis    uint32 = 0x1D3D154F
	MagicProspero uint32 = 0xEEF51454
)

// Platform specific program header types.
const (
	PT_SCE_DYNLIBDATA elf.ProgType = 0x61000000
	PT_SCE_RELRO      elf.ProgType = 0x61000010
	PT_SCE_COMMENT    elf.ProgType = 0x6FFFFF00
	PT_SCE_VERSION    elf.ProgType = 0x6FFFFF01
)

const (
	HeaderSize        = 0x20
	SegmentHeaderSize = 0x20
	ELFHeaderSize     = 0x40
	ProgHeaderSize    = 0x38
)

// Header is the fixed container header at offset 0.
type Header struct {
	Magic        uint32
	Version      uint8
	Mode         uint8
	Endian       uint8
	Attributes   uint8
	KeyType      uint32
	HeaderSize   uint16
	MetadataSize uint16
	FileSize     uint64
	SegmentCount uint16
	Flags        uint16
	_            [4]byte
}

// SegmentHeader describes one encrypted block of the container. Geometry of
// the rebuilt image comes from the ELF program headers instead.
type SegmentHeader struct {
	Flags            uint64
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
}

func (h *Header) Recognized() bool {
	return h.Magic == MagicOrbis || h.Magic == MagicProspero
}

func (h *Header) Family() string {
	switch h.Magic {
	case MagicOrbis:
		return "orbis"
	case MagicProspero:
		return "prospero"
	default:
		return "unknown"
	}
}

// Decryptable reports whether segments of type t are served by the SELF
// pager. The version segment is not; it is stored in the clear.
func Decryptable(t elf.ProgType) bool {
	switch t {
	case elf.PT_LOAD, PT_SCE_DYNLIBDATA, PT_SCE_RELRO, PT_SCE_COMMENT:
		return true
	}
	return false
}

// Container is a parsed container with its embedded ELF headers.
type Container struct {
	Header   Header
	Segments []SegmentHeader

	// ELFOffset is where the embedded ELF header sits in the file.
	ELFOffset int64
	ELF       elf.Header64
	Progs     []elf.Prog64

	// ImageSize is the size of the rebuilt ELF: the furthest end of any
	// program header's file range.
	ImageSize uint64

	// VersionIndex is the index of the PT_SCE_VERSION header, or -1.
	VersionIndex int

	// The header bytes exactly as read, copied verbatim into the image.
	rawELF   []byte
	rawProgs []byte
}

// ReadHeader reads the container header. A file too short to hold one, or
// one with an unknown magic, yields ErrNotSELF.
func ReadHeader(r io.ReaderAt) (Header, error) {
	var buf [HeaderSize]byte
	n, err := r.ReadAt(buf[:], 0)
	if n < HeaderSize {
		if err != nil && !errors.Is(err, io.EOF) {
			return Header{}, newError(KindIO, "read header", err)
		}
		return Header{}, newError(KindNotSELF, "read header", fmt.Errorf("file is %d bytes, header is %d", n, HeaderSize))
	}

	var h Header
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &h); err != nil {
		return Header{}, newError(KindInternal, "decode header", err)
	}
	if !h.Recognized() {
		return Header{}, newError(KindNotSELF, "read header", fmt.Errorf("magic %#08x", h.Magic))
	}
	return h, nil
}

// Probe reports whether r starts with a recognized container header.
func Probe(r io.ReaderAt) (bool, error) {
	_, err := ReadHeader(r)
	if errors.Is(err, ErrNotSELF) {
		return false, nil
	}
	return err == nil, err
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Parse reads the container header, the segment headers and the embedded ELF
// and program headers, and computes the rebuilt image size.
func Parse(r io.ReaderAt) (*Container, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	c := &Container{Header: h, VersionIndex: -1}

	segs := make([]byte, int(h.SegmentCount)*SegmentHeaderSize)
	if err := readFull(r, segs, HeaderSize); err != nil {
		return nil, newError(KindIO, "read segment headers", err)
	}
	c.Segments = make([]SegmentHeader, h.SegmentCount)
	if err := binary.Read(bytes.NewReader(segs), binary.LittleEndian, c.Segments); err != nil {
		return nil, newError(KindInternal, "decode segment headers", err)
	}

	c.ELFOffset = HeaderSize + int64(h.SegmentCount)*SegmentHeaderSize
	c.rawELF = make([]byte, ELFHeaderSize)
	if err := readFull(r, c.rawELF, c.ELFOffset); err != nil {
		return nil, newError(KindIO, "read ELF header", err)
	}
	if !bytes.Equal(c.rawELF[:4], []byte(elf.ELFMAG)) {
		return nil, newError(KindFormat, "read ELF header", fmt.Errorf("no ELF magic at %#x", c.ELFOffset))
	}
	if err := binary.Read(bytes.NewReader(c.rawELF), binary.LittleEndian, &c.ELF); err != nil {
		return nil, newError(KindInternal, "decode ELF header", err)
	}

	// The program headers directly follow the ELF header regardless of
	// e_phoff, and are always 64-bit sized.
	c.rawProgs = make([]byte, int(c.ELF.Phnum)*ProgHeaderSize)
	if err := readFull(r, c.rawProgs, c.ELFOffset+ELFHeaderSize); err != nil {
		return nil, newError(KindIO, "read program headers", err)
	}
	c.Progs = make([]elf.Prog64, c.ELF.Phnum)
	if err := binary.Read(bytes.NewReader(c.rawProgs), binary.LittleEndian, c.Progs); err != nil {
		return nil, newError(KindInternal, "decode program headers", err)
	}

	for i, p := range c.Progs {
		end := p.Off + p.Filesz
		if end < p.Off {
			return nil, segmentError(KindFormat, "program headers", i, fmt.Errorf("file range %#x+%#x overflows", p.Off, p.Filesz))
		}
		if end > c.ImageSize {
			c.ImageSize = end
		}
		if elf.ProgType(p.Type) == PT_SCE_VERSION {
			c.VersionIndex = i
		}
	}

	if c.ImageSize == 0 {
		return nil, newError(KindFormat, "program headers", errors.New("image size is zero"))
	}
	if need := uint64(ELFHeaderSize + len(c.rawProgs)); c.ImageSize < need {
		return nil, newError(KindFormat, "program headers", fmt.Errorf("image size %#x cannot hold %#x header bytes", c.ImageSize, need))
	}
	return c, nil
}

// RawHeaders returns the embedded ELF header and program header table bytes
// as found in the container.
func (c *Container) RawHeaders() (ehdr, phdrs []byte) {
	return c.rawELF, c.rawProgs
}
