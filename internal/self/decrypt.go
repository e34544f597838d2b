package self

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/tinyrange/selfdump/internal/mman"
	"github.com/tinyrange/selfdump/internal/selfpager"
)

// Source is an open container file.
type Source interface {
	io.ReaderAt
	Fd() uintptr
	Stat() (os.FileInfo, error)
}

// SegmentMapper maps the decrypted contents of one program header.
type SegmentMapper interface {
	MapSegment(fd int, prog *elf.Prog64, index int) ([]byte, error)
}

type Decrypter struct {
	pager  SegmentMapper
	mapper mman.Mapper
	logger *slog.Logger
}

// NewDecrypter returns a Decrypter that obtains plaintext through pager and
// allocates images and pins segments through mapper. A nil logger means
// slog.Default().
func NewDecrypter(pager SegmentMapper, mapper mman.Mapper, logger *slog.Logger) *Decrypter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decrypter{pager: pager, mapper: mapper, logger: logger}
}

// Decrypt rebuilds the plain ELF image of src. On success the caller owns the
// returned Image and must Release it.
func (d *Decrypter) Decrypt(src Source) (*Image, error) {
	c, err := Parse(src)
	if err != nil {
		if !errors.Is(err, ErrNotSELF) {
			d.logger.Error("parse SELF", "err", err)
		}
		return nil, err
	}
	return d.DecryptContainer(src, c)
}

// DecryptContainer rebuilds the image of an already parsed container.
func (d *Decrypter) DecryptContainer(src Source, c *Container) (*Image, error) {
	if c.ImageSize > math.MaxInt {
		return nil, newError(KindInternal, "allocate image", fmt.Errorf("image size %#x exceeds address space", c.ImageSize))
	}
	buf, err := d.mapper.Anonymous(int(c.ImageSize))
	if err != nil {
		d.logger.Error("allocate image", "size", c.ImageSize, "err", err)
		return nil, newError(KindInternal, "allocate image", err)
	}
	img := &Image{data: buf, mapper: d.mapper}

	if err := d.fill(src, c, buf); err != nil {
		if rerr := img.Release(); rerr != nil {
			d.logger.Error("release image", "err", rerr)
		}
		return nil, err
	}
	return img, nil
}

func (d *Decrypter) fill(src Source, c *Container, buf []byte) error {
	fd := int(src.Fd())

	for i := range c.Progs {
		prog := &c.Progs[i]
		if !Decryptable(elf.ProgType(prog.Type)) || prog.Filesz == 0 {
			continue
		}
		if err := d.copySegment(fd, prog, i, buf); err != nil {
			return err
		}
	}

	if c.VersionIndex >= 0 {
		if err := d.copyVersionSegment(src, &c.Progs[c.VersionIndex], c.VersionIndex, buf); err != nil {
			return err
		}
	}

	// The parsed headers are authoritative over whatever the segments held.
	ehdr, phdrs := c.RawHeaders()
	copy(buf, ehdr)
	copy(buf[len(ehdr):], phdrs)
	return nil
}

// copySegment maps one segment through the SELF pager, pins it so the kernel
// decrypts every page, and copies it into place. The mapping lives only for
// the duration of the copy.
func (d *Decrypter) copySegment(fd int, prog *elf.Prog64, index int, buf []byte) error {
	mem, err := d.pager.MapSegment(fd, prog, index)
	if err != nil {
		if errors.Is(err, selfpager.ErrUnsupportedFirmware) {
			d.logger.Error("unsupported firmware version", "err", err)
			return segmentError(KindUnsupportedFirmware, "map segment", index, err)
		}
		d.logger.Error("map segment through self pager", "segment", index, "err", err)
		return segmentError(KindInternal, "map segment", index, err)
	}
	defer func() {
		if err := d.mapper.Munmap(mem); err != nil {
			d.logger.Error("unmap segment", "segment", index, "err", err)
		}
	}()

	if uint64(len(mem)) != prog.Filesz {
		return segmentError(KindInternal, "map segment", index, fmt.Errorf("mapped %#x bytes, want %#x", len(mem), prog.Filesz))
	}

	if err := d.mapper.Mlock(mem); err != nil {
		d.logger.Error("decrypt segment data", "segment", index, "err", err)
		return segmentError(KindDecryptionRefused, "lock segment", index, err)
	}
	copy(buf[prog.Off:prog.Off+prog.Filesz], mem)
	if err := d.mapper.Munlock(mem); err != nil {
		d.logger.Warn("unlock segment", "segment", index, "err", err)
	}

	d.logger.Debug("decrypted segment",
		"segment", index,
		"type", fmt.Sprintf("%#x", prog.Type),
		"offset", fmt.Sprintf("%#x", prog.Off),
		"size", fmt.Sprintf("%#x", prog.Filesz),
	)
	return nil
}

// copyVersionSegment reads the version segment, which is stored unencrypted
// as the last p_filesz bytes of the container rather than at the offset its
// segment header names.
func (d *Decrypter) copyVersionSegment(src Source, prog *elf.Prog64, index int, buf []byte) error {
	fi, err := src.Stat()
	if err != nil {
		d.logger.Error("stat input file", "err", err)
		return segmentError(KindIO, "stat input", index, err)
	}
	size := uint64(fi.Size())
	if prog.Filesz > size {
		return segmentError(KindIO, "read version segment", index, fmt.Errorf("segment size %#x exceeds file size %#x", prog.Filesz, size))
	}

	if err := readFull(src, buf[prog.Off:prog.Off+prog.Filesz], int64(size-prog.Filesz)); err != nil {
		d.logger.Error("read version segment from input file", "err", err)
		return segmentError(KindIO, "read version segment", index, err)
	}
	return nil
}
