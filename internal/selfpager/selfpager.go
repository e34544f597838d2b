// Package selfpager maps file ranges through the kernel's SELF pager so that
// the kernel decrypts container segments while faulting them in.
//
// It works by pointing the vnode pager entry of the kernel pager table at the
// SELF pager's operations for the duration of a single mmap call. The entry is
// global kernel state: while it is redirected every vnode mapping created
// anywhere in the system goes through the SELF pager. All redirections made by
// one Pager are therefore serialized, and the entry is restored before Map
// returns on every path.
package selfpager

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tinyrange/selfdump/internal/firmware"
	"github.com/tinyrange/selfdump/internal/kernel"
	"github.com/tinyrange/selfdump/internal/mman"
	"github.com/tinyrange/selfdump/internal/trace"
)

var (
	ErrUnsupportedFirmware = errors.New("selfpager: unsupported firmware")
	ErrInvalidPagerTable   = errors.New("selfpager: pager table entries look invalid")
)

var traceSource = trace.Source("selfpager")

// redirectMu covers the redirect, the mmap and the restore as one unit. The
// pager table is global kernel state, so it is shared by every Pager in the
// process.
var redirectMu sync.Mutex

type Config struct {
	Kernel kernel.Accessor
	// DataBase is the runtime address of the kernel data segment.
	DataBase uint64
	Mapper   mman.Mapper
	// Table defaults to firmware.Default().
	Table  *firmware.Table
	Logger *slog.Logger
}

// state is the pager table location resolved for the running kernel.
type state struct {
	firmware  firmware.Version
	table     uint64
	vnodeSlot uint64
	vnodeOps  uint64
	selfOps   uint64
}

type Pager struct {
	kernel   kernel.Accessor
	dataBase uint64
	mapper   mman.Mapper
	table    *firmware.Table
	logger   *slog.Logger

	resolveOnce sync.Once
	resolved    *state
	resolveErr  error
}

func New(cfg Config) *Pager {
	p := &Pager{
		kernel:   cfg.Kernel,
		dataBase: cfg.DataBase,
		mapper:   cfg.Mapper,
		table:    cfg.Table,
		logger:   cfg.Logger,
	}
	if p.table == nil {
		p.table = firmware.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

func (p *Pager) resolve() (*state, error) {
	p.resolveOnce.Do(func() {
		p.resolved, p.resolveErr = p.doResolve()
		if p.resolveErr != nil {
			p.logger.Error("resolve pager table", "err", p.resolveErr)
		}
	})
	return p.resolved, p.resolveErr
}

func (p *Pager) doResolve() (*state, error) {
	raw, err := p.kernel.FirmwareVersion()
	if err != nil {
		return nil, fmt.Errorf("read firmware version: %w", err)
	}
	fw := firmware.FromKernel(raw)

	table, err := p.table.PagerTableAddress(p.dataBase, fw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFirmware, err)
	}

	st := &state{
		firmware:  fw,
		table:     table,
		vnodeSlot: table + firmware.VnodePagerOpsOffset,
	}
	if st.vnodeOps, err = p.kernel.ReadWord(st.vnodeSlot); err != nil {
		return nil, fmt.Errorf("read vnode pager ops: %w", err)
	}
	if st.selfOps, err = p.kernel.ReadWord(table + firmware.SelfPagerOpsOffset); err != nil {
		return nil, fmt.Errorf("read self pager ops: %w", err)
	}
	// Equal pointers mean the table was left redirected by an earlier run;
	// restoring to that value would be wrong.
	if st.vnodeOps == 0 || st.selfOps == 0 || st.vnodeOps == st.selfOps {
		return nil, fmt.Errorf("%w: vnode=%#x self=%#x", ErrInvalidPagerTable, st.vnodeOps, st.selfOps)
	}

	p.logger.Debug("resolved pager table",
		slog.String("firmware", fw.String()),
		slog.String("table", fmt.Sprintf("%#x", table)),
		slog.String("vnode_ops", fmt.Sprintf("%#x", st.vnodeOps)),
		slog.String("self_ops", fmt.Sprintf("%#x", st.selfOps)),
	)
	traceSource.Messagef("resolved table=%#x firmware=%s", table, fw)
	return st, nil
}

// Firmware returns the firmware version of the running kernel, resolving the
// pager table on first use.
func (p *Pager) Firmware() (firmware.Version, error) {
	st, err := p.resolve()
	if err != nil {
		return 0, err
	}
	return st.firmware, nil
}

// Redirect runs fn with the vnode pager entry pointing at the SELF pager and
// restores the entry afterwards, including when fn fails or panics. Redirects
// never overlap, across all Pagers. The lock is not reentrant: fn must not
// call Redirect, Map or MapSegment.
func (p *Pager) Redirect(fn func() error) (err error) {
	st, err := p.resolve()
	if err != nil {
		return err
	}

	redirectMu.Lock()
	defer redirectMu.Unlock()

	if err := p.kernel.WriteWord(st.vnodeSlot, st.selfOps); err != nil {
		// Put the saved entry back in case the write partially landed.
		if rerr := p.kernel.WriteWord(st.vnodeSlot, st.vnodeOps); rerr != nil {
			return errors.Join(fmt.Errorf("redirect vnode pager: %w", err), fmt.Errorf("restore vnode pager: %w", rerr))
		}
		return fmt.Errorf("redirect vnode pager: %w", err)
	}
	traceSource.Word(st.vnodeSlot, st.selfOps)

	defer func() {
		if rerr := p.kernel.WriteWord(st.vnodeSlot, st.vnodeOps); rerr != nil {
			p.logger.Error("restore vnode pager failed", "slot", fmt.Sprintf("%#x", st.vnodeSlot), "err", rerr)
			err = errors.Join(err, fmt.Errorf("restore vnode pager: %w", rerr))
			return
		}
		traceSource.Word(st.vnodeSlot, st.vnodeOps)
	}()

	return fn()
}

// Map performs one mmap through the SELF pager. The offset is interpreted by
// the SELF pager, see EncodeOffset.
func (p *Pager) Map(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	var mem []byte
	err := p.Redirect(func() error {
		var err error
		mem, err = p.mapper.Mmap(fd, offset, length, prot, flags)
		traceSource.Messagef("mmap fd=%d offset=%#x len=%#x err=%v", fd, offset, length, err)
		return err
	})
	if err != nil {
		// The mapping can exist when only the restore failed.
		if mem != nil {
			_ = p.mapper.Munmap(mem)
		}
		return nil, err
	}
	return mem, nil
}

// MapSegment maps the decrypted contents of the segment described by prog,
// which is program header number index of the embedded ELF. The mapping is
// read-only and exactly prog.Filesz bytes long.
func (p *Pager) MapSegment(fd int, prog *elf.Prog64, index int) ([]byte, error) {
	fw, err := p.Firmware()
	if err != nil {
		return nil, err
	}
	if prog.Filesz == 0 || prog.Filesz > math.MaxInt {
		return nil, fmt.Errorf("segment %d: invalid file size %#x", index, prog.Filesz)
	}
	aligned, err := mman.Aligned(prog.Align)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", index, err)
	}

	offset := EncodeOffset(fw, index, prog.Vaddr, prog.Align)
	return p.Map(fd, offset, int(prog.Filesz), mman.ProtRead, mman.MapPrivate|aligned)
}
