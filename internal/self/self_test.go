package self

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/selfdump/internal/firmware"
	"github.com/tinyrange/selfdump/internal/kernel/kerneltest"
	"github.com/tinyrange/selfdump/internal/mman/mmantest"
	"github.com/tinyrange/selfdump/internal/selfpager"
)

const (
	testDataBase = 0xffffffff82000000
	testVnodeOps = 0xffffffff83110000
	testSelfOps  = 0xffffffff83220000
)

type testProg struct {
	typ    elf.ProgType
	off    uint64
	vaddr  uint64
	filesz uint64
	align  uint64
}

type testContainer struct {
	magic    uint32
	segments int
	progs    []testProg
	// tail is appended as the last bytes of the file.
	tail []byte
	// badELFMagic corrupts the embedded ELF magic.
	badELFMagic bool
}

func (tc testContainer) bytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	magic := tc.magic
	if magic == 0 {
		magic = MagicProspero
	}
	hdr := Header{
		Magic:        magic,
		Version:      0,
		Mode:         1,
		Endian:       1,
		Attributes:   0x12,
		KeyType:      0x101,
		HeaderSize:   HeaderSize,
		MetadataSize: 0x100,
		SegmentCount: uint16(tc.segments),
	}
	binary.Write(&buf, binary.LittleEndian, hdr)
	for i := range tc.segments {
		binary.Write(&buf, binary.LittleEndian, SegmentHeader{
			Flags:  uint64(i)<<20 | 0x800,
			Offset: uint64(0x1000 * (i + 1)),
		})
	}

	ehdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x1234,
		Phoff:     ELFHeaderSize,
		Ehsize:    ELFHeaderSize,
		Phentsize: ProgHeaderSize,
		Phnum:     uint16(len(tc.progs)),
	}
	copy(ehdr.Ident[:], elf.ELFMAG)
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if tc.badELFMagic {
		ehdr.Ident[1] = 'X'
	}
	binary.Write(&buf, binary.LittleEndian, ehdr)

	for _, p := range tc.progs {
		binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(p.typ),
			Flags:  uint32(elf.PF_R),
			Off:    p.off,
			Vaddr:  p.vaddr,
			Paddr:  p.vaddr,
			Filesz: p.filesz,
			Memsz:  p.filesz,
			Align:  p.align,
		})
	}

	// Ciphertext stand-in; it must never show up in a rebuilt image.
	buf.Write(bytes.Repeat([]byte{0xEE}, 0x200))
	buf.Write(tc.tail)
	return buf.Bytes()
}

func (tc testContainer) file(t *testing.T) *os.File {
	t.Helper()
	return writeTestFile(t, tc.bytes(t))
}

func writeTestFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eboot.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write container: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// plaintext is what the simulated SELF pager "decrypts" segment index to.
func plaintext(index int, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(index*31 + i*7 + 1)
	}
	return out
}

func referenceBlock(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(0xA0 ^ i)
	}
	return out
}

type rig struct {
	kmem   *kerneltest.Memory
	mapper *mmantest.Mapper
	pager  *selfpager.Pager
	dec    *Decrypter
	slot   uint64
}

func newRig(t *testing.T, fw firmware.Version) *rig {
	t.Helper()
	r := &rig{
		kmem:   kerneltest.New(uint32(fw) << 16),
		mapper: &mmantest.Mapper{},
	}
	if off, err := firmware.Lookup(fw); err == nil {
		table := testDataBase + off
		r.slot = table + firmware.VnodePagerOpsOffset
		r.kmem.Set(r.slot, testVnodeOps)
		r.kmem.Set(table+firmware.SelfPagerOpsOffset, testSelfOps)
	}
	r.mapper.Serve = func(req mmantest.Request) ([]byte, error) {
		if got := r.kmem.Get(r.slot); got != testSelfOps {
			return nil, fmt.Errorf("mmap without self pager redirect (slot=%#x)", got)
		}
		index, _ := selfpager.DecodeOffset(req.Offset)
		return plaintext(index, req.Length), nil
	}
	r.pager = selfpager.New(selfpager.Config{
		Kernel:   r.kmem,
		DataBase: testDataBase,
		Mapper:   r.mapper,
	})
	r.dec = NewDecrypter(r.pager, r.mapper, nil)
	return r
}

func scenario() testContainer {
	return testContainer{
		segments: 1,
		progs: []testProg{
			{typ: elf.PT_LOAD, off: 0x1000, vaddr: 0x0, filesz: 0x2000, align: 0x4000},
			{typ: PT_SCE_VERSION, off: 0x100, filesz: 0x40},
		},
		tail: referenceBlock(0x40),
	}
}

func TestDecryptEndToEnd(t *testing.T) {
	r := newRig(t, 0x900)
	tc := scenario()
	raw := tc.bytes(t)
	f := writeTestFile(t, raw)

	img, err := r.dec.Decrypt(f)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer img.Release()

	out := img.Bytes()
	if len(out) != 0x3000 {
		t.Fatalf("image size = %#x, want 0x3000", len(out))
	}

	if !bytes.Equal(out[0x1000:0x3000], plaintext(0, 0x2000)) {
		t.Fatal("loadable segment bytes differ from the decrypted plaintext")
	}
	if !bytes.Equal(out[0x100:0x140], raw[len(raw)-0x40:]) {
		t.Fatal("version segment does not match the file tail")
	}

	// Headers are copied verbatim from the container.
	ehdrOff := HeaderSize + SegmentHeaderSize
	headerLen := ELFHeaderSize + 2*ProgHeaderSize
	if !bytes.Equal(out[:headerLen], raw[ehdrOff:ehdrOff+headerLen]) {
		t.Fatal("ELF and program headers differ from the container")
	}

	if _, err := elf.NewFile(bytes.NewReader(out)); err != nil {
		t.Fatalf("rebuilt image is not a parseable ELF: %v", err)
	}

	if got := r.kmem.Get(r.slot); got != testVnodeOps {
		t.Fatalf("pager slot after Decrypt = %#x", got)
	}
	if n := r.mapper.Live(); n != 1 {
		t.Fatalf("expected only the image to stay mapped, %d live", n)
	}
	if n := r.mapper.Locked(); n != 0 {
		t.Fatalf("%d segments still pinned", n)
	}

	if err := img.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := img.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if n := r.mapper.Live(); n != 0 {
		t.Fatalf("%d mappings live after Release", n)
	}
}

func TestRigFirmwareVersions(t *testing.T) {
	supported := []firmware.Version{0x860, 0x900}
	for _, v := range supported {
		if _, err := firmware.Lookup(v); err != nil {
			t.Errorf("test firmware %s is not in the table: %v", v, err)
		}
	}
	if _, err := firmware.Lookup(0x1150); err == nil {
		t.Error("11.50 is expected to be unsupported")
	}
}

func TestImageSizeIsMaxExtent(t *testing.T) {
	r := newRig(t, 0x860)
	tc := testContainer{
		magic:    MagicOrbis,
		segments: 3,
		progs: []testProg{
			{typ: elf.PT_LOAD, off: 0x4000, vaddr: 0x0, filesz: 0x1000, align: 0x4000},
			{typ: PT_SCE_RELRO, off: 0x8000, vaddr: 0x8000, filesz: 0x800, align: 0x4000},
			{typ: PT_SCE_DYNLIBDATA, off: 0xC000, filesz: 0x10, align: 0x10},
			{typ: elf.PT_DYNAMIC, off: 0x8100, vaddr: 0x8100, filesz: 0x100, align: 8},
			{typ: PT_SCE_COMMENT, off: 0xD000, filesz: 0x20, align: 1},
		},
	}
	img, err := r.dec.Decrypt(tc.file(t))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer img.Release()

	if img.Size() != 0xD020 {
		t.Fatalf("image size = %#x, want 0xd020", img.Size())
	}

	// PT_DYNAMIC lies inside the RELRO segment and is not mapped itself.
	reqs := r.mapper.Requests()
	if len(reqs) != 4 {
		t.Fatalf("expected 4 mmaps, got %d", len(reqs))
	}
	for i, want := range []int{0, 1, 2, 4} {
		index, window := selfpager.DecodeOffset(reqs[i].Offset)
		if index != want {
			t.Errorf("mmap %d for segment %d, want %d", i, index, want)
		}
		if window != 0 {
			t.Errorf("mmap %d: window %#x on pre-9.00 firmware", i, window)
		}
	}

	out := img.Bytes()
	if !bytes.Equal(out[0xD000:0xD020], plaintext(4, 0x20)) {
		t.Fatal("comment segment bytes differ")
	}
}

func TestDecryptSkipsEmptyAndForeignSegments(t *testing.T) {
	r := newRig(t, 0x900)
	tc := testContainer{
		segments: 1,
		progs: []testProg{
			{typ: elf.PT_LOAD, off: 0x1000, filesz: 0, align: 0x4000},
			{typ: elf.PT_NOTE, off: 0x1000, filesz: 0x100, align: 4},
			{typ: elf.PT_LOAD, off: 0x2000, vaddr: 0x4567000, filesz: 0x100, align: 0x4000},
		},
	}
	img, err := r.dec.Decrypt(tc.file(t))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer img.Release()

	reqs := r.mapper.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 mmap, got %d", len(reqs))
	}
	index, window := selfpager.DecodeOffset(reqs[0].Offset)
	if index != 2 || window != 0x164000 {
		t.Fatalf("offset %#x decodes to segment %d window %#x", reqs[0].Offset, index, window)
	}
	// The note range was never filled.
	out := img.Bytes()
	if !bytes.Equal(out[0x1000:0x1100], make([]byte, 0x100)) {
		t.Fatal("note range should stay zero")
	}
}

func TestNotSELF(t *testing.T) {
	elfHeader := testContainer{segments: 0, progs: []testProg{{typ: elf.PT_LOAD, off: 0, filesz: 0x100}}}.bytes(t)[HeaderSize:]

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x4F, 0x15, 0x3D, 0x1D, 0, 0}},
		{"header minus one", make([]byte, HeaderSize-1)},
		{"plain elf", elfHeader},
		{"zeros", make([]byte, 0x1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 0x900)
			img, err := r.dec.Decrypt(writeTestFile(t, tt.data))
			if !errors.Is(err, ErrNotSELF) {
				t.Fatalf("expected ErrNotSELF, got %v", err)
			}
			if img != nil {
				t.Fatal("expected no image")
			}
			if n := r.mapper.AnonymousCount(); n != 0 {
				t.Fatalf("allocated %d buffers", n)
			}
			if n := len(r.kmem.Accesses()); n != 0 {
				t.Fatalf("kernel touched %d times", n)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	ok, err := Probe(scenario().file(t))
	if err != nil || !ok {
		t.Fatalf("Probe(container) = %v, %v", ok, err)
	}
	ok, err = Probe(writeTestFile(t, []byte("#!/bin/sh\necho hi\n0123456789abcdef")))
	if err != nil || ok {
		t.Fatalf("Probe(script) = %v, %v", ok, err)
	}
}

func TestDecryptFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		tc   testContainer
	}{
		{"bad elf magic", testContainer{segments: 2, badELFMagic: true, progs: []testProg{{typ: elf.PT_LOAD, off: 0x1000, filesz: 0x10}}}},
		{"zero image size", testContainer{segments: 1, progs: []testProg{{typ: elf.PT_LOAD}, {typ: PT_SCE_VERSION}}}},
		{"no program headers", testContainer{segments: 1}},
		{"image smaller than headers", testContainer{segments: 1, progs: []testProg{{typ: elf.PT_LOAD, off: 0, filesz: 0x10}}}},
		{"overflowing range", testContainer{segments: 1, progs: []testProg{{typ: elf.PT_LOAD, off: ^uint64(0) - 4, filesz: 0x10}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 0x900)
			_, err := r.dec.Decrypt(tt.tc.file(t))
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("expected ErrFormat, got %v", err)
			}
			if KindOf(err) != KindFormat {
				t.Fatalf("KindOf = %v", KindOf(err))
			}
			if n := r.mapper.AnonymousCount(); n != 0 {
				t.Fatalf("allocated %d buffers", n)
			}
		})
	}
}

func TestDecryptTruncatedHeaders(t *testing.T) {
	raw := scenario().bytes(t)
	ehdrOff := HeaderSize + SegmentHeaderSize

	tests := []struct {
		name string
		data []byte
	}{
		{"segment headers", raw[:HeaderSize+4]},
		{"elf header", raw[:ehdrOff+0x20]},
		{"program headers", raw[:ehdrOff+ELFHeaderSize+ProgHeaderSize+3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 0x900)
			_, err := r.dec.Decrypt(writeTestFile(t, tt.data))
			if !errors.Is(err, ErrIO) {
				t.Fatalf("expected ErrIO, got %v", err)
			}
		})
	}
}

func TestDecryptMapFailure(t *testing.T) {
	r := newRig(t, 0x900)
	r.mapper.Serve = func(req mmantest.Request) ([]byte, error) {
		return nil, errors.New("ENOMEM")
	}

	_, err := r.dec.Decrypt(scenario().file(t))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Segment != 0 {
		t.Fatalf("expected segment 0 in error, got %v", err)
	}
	if n := r.mapper.Live(); n != 0 {
		t.Fatalf("%d mappings leaked", n)
	}
	if got := r.kmem.Get(r.slot); got != testVnodeOps {
		t.Fatalf("pager slot = %#x", got)
	}
}

func TestDecryptRefused(t *testing.T) {
	r := newRig(t, 0x900)
	r.mapper.FailLock = func(b []byte) error {
		return errors.New("EIO")
	}

	_, err := r.dec.Decrypt(scenario().file(t))
	if !errors.Is(err, ErrDecryptionRefused) {
		t.Fatalf("expected ErrDecryptionRefused, got %v", err)
	}
	if KindOf(err).Code() != -6 {
		t.Fatalf("Code = %d", KindOf(err).Code())
	}
	if n := r.mapper.Live(); n != 0 {
		t.Fatalf("%d mappings leaked", n)
	}
}

func TestDecryptUnsupportedFirmware(t *testing.T) {
	r := newRig(t, 0x1150)

	for range 2 {
		_, err := r.dec.Decrypt(scenario().file(t))
		if !errors.Is(err, ErrUnsupportedFirmware) {
			t.Fatalf("expected ErrUnsupportedFirmware, got %v", err)
		}
	}
	if n := len(r.kmem.Accesses()); n != 0 {
		t.Fatalf("kernel touched %d times", n)
	}
	if n := r.mapper.Live(); n != 0 {
		t.Fatalf("%d mappings leaked", n)
	}
}

func TestDecryptAllocationFailure(t *testing.T) {
	r := newRig(t, 0x900)
	r.mapper.FailAnonymous = true

	_, err := r.dec.Decrypt(scenario().file(t))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if n := len(r.mapper.Requests()); n != 0 {
		t.Fatalf("expected no segment mappings, got %d", n)
	}
}

func TestDecryptVersionSegmentLargerThanFile(t *testing.T) {
	r := newRig(t, 0x900)
	tc := scenario()
	tc.progs[1].filesz = 0x100000
	tc.progs[1].off = 0x3000

	_, err := r.dec.Decrypt(tc.file(t))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if n := r.mapper.Live(); n != 0 {
		t.Fatalf("%d mappings leaked", n)
	}
}

func TestDecryptReusesResolvedPager(t *testing.T) {
	r := newRig(t, 0x900)
	for range 3 {
		img, err := r.dec.Decrypt(scenario().file(t))
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		img.Release()
	}
	reads := 0
	for _, a := range r.kmem.Accesses() {
		if !a.Write {
			reads++
		}
	}
	if reads != 2 {
		t.Fatalf("expected the pager table to be read twice in total, got %d", reads)
	}
}

func TestImageWriteTo(t *testing.T) {
	r := newRig(t, 0x900)
	img, err := r.dec.Decrypt(scenario().file(t))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	if err != nil || n != int64(img.Size()) {
		t.Fatalf("WriteTo = %d, %v", n, err)
	}
	if !bytes.Equal(buf.Bytes(), img.Bytes()) {
		t.Fatal("written bytes differ")
	}

	img.Release()
	if _, err := img.WriteTo(&buf); err == nil {
		t.Fatal("expected error after Release")
	}
}

func TestDescribe(t *testing.T) {
	c, err := Parse(scenario().file(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.VersionIndex != 1 || c.ImageSize != 0x3000 || len(c.Segments) != 1 {
		t.Fatalf("unexpected container %+v", c)
	}

	var buf bytes.Buffer
	if err := c.Describe(&buf); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"prospero", "SCE_VERSION", "trailer", "pager", "PT_LOAD"} {
		if !strings.Contains(out, want) {
			t.Errorf("Describe output missing %q:\n%s", want, out)
		}
	}
}
