// Package firmware maps platform firmware versions to the location of the
// kernel pager table.
package firmware

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupported = errors.New("unsupported firmware version")

// Version is a major.minor firmware version with each half stored as two
// BCD digits: 0x0900 is 9.00 and 0x1001 is 10.01.
type Version uint16

// FromKernel extracts the version from the value reported by the kernel,
// which carries it in the upper 16 bits.
func FromKernel(raw uint32) Version {
	return Version(raw >> 16)
}

func (v Version) Major() uint8 { return uint8(v >> 8) }
func (v Version) Minor() uint8 { return uint8(v) }

func (v Version) String() string {
	return fmt.Sprintf("%x.%02x", v.Major(), v.Minor())
}

// ParseVersion parses "9.00" or "10.01".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || major == "" || len(minor) != 2 {
		return 0, fmt.Errorf("invalid firmware version %q: want MAJOR.MM", s)
	}
	hi, err := parseBCD(major)
	if err != nil {
		return 0, fmt.Errorf("invalid firmware version %q: %w", s, err)
	}
	lo, err := parseBCD(minor)
	if err != nil {
		return 0, fmt.Errorf("invalid firmware version %q: %w", s, err)
	}
	return Version(uint16(hi)<<8 | uint16(lo)), nil
}

func parseBCD(s string) (uint8, error) {
	if len(s) > 2 {
		return 0, fmt.Errorf("%q has more than two digits", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%q is not decimal", s)
		}
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// Pager table layout: an array of pointers to pager operation sets.
const (
	PagerOpsEntrySize   = 8
	VnodePagerOpsIndex  = 2
	SelfPagerOpsIndex   = 7
	VnodePagerOpsOffset = VnodePagerOpsIndex * PagerOpsEntrySize
	SelfPagerOpsOffset  = SelfPagerOpsIndex * PagerOpsEntrySize
)

type offset uint64

func (o *offset) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid offset %q: %w", node.Line, node.Value, err)
	}
	*o = offset(v)
	return nil
}

type tableDocument struct {
	Version int `yaml:"version"`
	Tables  []struct {
		Offset   offset   `yaml:"offset"`
		Versions []string `yaml:"versions"`
	} `yaml:"tables"`
}

// Table is an immutable version to pager-table-offset mapping.
type Table struct {
	offsets map[Version]uint64
}

// LoadTable parses a table document. Every version may appear only once.
func LoadTable(data []byte) (*Table, error) {
	var doc tableDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse firmware table: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("firmware table version %d not supported", doc.Version)
	}

	t := &Table{offsets: make(map[Version]uint64)}
	for _, group := range doc.Tables {
		if group.Offset == 0 {
			return nil, fmt.Errorf("firmware table: zero offset for %v", group.Versions)
		}
		for _, s := range group.Versions {
			v, err := ParseVersion(s)
			if err != nil {
				return nil, fmt.Errorf("firmware table: %w", err)
			}
			if _, dup := t.offsets[v]; dup {
				return nil, fmt.Errorf("firmware table: duplicate version %s", v)
			}
			t.offsets[v] = uint64(group.Offset)
		}
	}
	return t, nil
}

// Lookup returns the pager table offset from the kernel data base. Only
// exact matches are returned; a neighbouring version is never substituted.
func (t *Table) Lookup(v Version) (uint64, error) {
	off, ok := t.offsets[v]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, v)
	}
	return off, nil
}

// Versions returns every supported version in ascending order.
func (t *Table) Versions() []Version {
	ret := make([]Version, 0, len(t.offsets))
	for v := range t.offsets {
		ret = append(ret, v)
	}
	slices.Sort(ret)
	return ret
}

//go:embed pagertab.yaml
var builtinTable []byte

var defaultTable = mustLoad(builtinTable)

func mustLoad(data []byte) *Table {
	t, err := LoadTable(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the built-in table.
func Default() *Table { return defaultTable }

func Lookup(v Version) (uint64, error) { return defaultTable.Lookup(v) }

func Versions() []Version { return defaultTable.Versions() }

// PagerTableAddress returns the absolute kernel address of the pager table.
func (t *Table) PagerTableAddress(dataBase uint64, v Version) (uint64, error) {
	off, err := t.Lookup(v)
	if err != nil {
		return 0, err
	}
	return dataBase + off, nil
}
