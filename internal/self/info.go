package self

import (
	"debug/elf"
	"fmt"
	"io"
	"text/tabwriter"
)

func progTypeName(t elf.ProgType) string {
	switch t {
	case PT_SCE_DYNLIBDATA:
		return "SCE_DYNLIBDATA"
	case PT_SCE_RELRO:
		return "SCE_RELRO"
	case PT_SCE_COMMENT:
		return "SCE_COMMENT"
	case PT_SCE_VERSION:
		return "SCE_VERSION"
	}
	return t.String()
}

// Describe writes a human readable summary of c.
func (c *Container) Describe(w io.Writer) error {
	h := c.Header
	fmt.Fprintf(w, "family:    %s (magic %#08x)\n", h.Family(), h.Magic)
	fmt.Fprintf(w, "version:   %d mode %d endian %d attributes %#x\n", h.Version, h.Mode, h.Endian, h.Attributes)
	fmt.Fprintf(w, "key type:  %#x\n", h.KeyType)
	fmt.Fprintf(w, "file size: %#x (metadata %#x)\n", h.FileSize, h.MetadataSize)
	fmt.Fprintf(w, "segments:  %d\n", h.SegmentCount)
	fmt.Fprintf(w, "elf:       @%#x type %s machine %s entry %#x\n",
		c.ELFOffset, elf.Type(c.ELF.Type), elf.Machine(c.ELF.Machine), c.ELF.Entry)
	fmt.Fprintf(w, "image:     %#x bytes\n\n", c.ImageSize)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTYPE\tOFFSET\tVADDR\tFILESZ\tMEMSZ\tALIGN\tPATH")
	for i, p := range c.Progs {
		path := "-"
		switch {
		case elf.ProgType(p.Type) == PT_SCE_VERSION:
			path = "trailer"
		case Decryptable(elf.ProgType(p.Type)) && p.Filesz > 0:
			path = "pager"
		}
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%#x\t%#x\t%#x\t%#x\t%s\n",
			i, progTypeName(elf.ProgType(p.Type)), p.Off, p.Vaddr, p.Filesz, p.Memsz, p.Align, path)
	}
	return tw.Flush()
}
