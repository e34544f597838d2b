//go:build unix

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/tinyrange/selfdump/internal/config"
	"github.com/tinyrange/selfdump/internal/dump"
	"github.com/tinyrange/selfdump/internal/firmware"
	"github.com/tinyrange/selfdump/internal/kernel"
	"github.com/tinyrange/selfdump/internal/mman"
	"github.com/tinyrange/selfdump/internal/self"
	"github.com/tinyrange/selfdump/internal/selfpager"
	"github.com/tinyrange/selfdump/internal/trace"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "selfdump: %v\n", err)
		os.Exit(1)
	}
}

func listFirmware() {
	for _, v := range firmware.Versions() {
		off, _ := firmware.Lookup(v)
		fmt.Printf("%-6s %#x\n", v, off)
	}
}

func describe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	c, err := self.Parse(f)
	if err != nil {
		return err
	}
	return c.Describe(os.Stdout)
}

func run() error {
	configPath := flag.String("config", "", "dump profile (YAML)")
	writeConfig := flag.String("write-config", "", "write the effective profile to this path and exit")
	out := flag.String("out", "", "output directory (default: /mnt/usb0/dump if a USB drive is mounted, else /data/dump)")
	targets := flag.String("target", "", "comma separated built-in targets: "+strings.Join(config.BuiltinNames(), ", "))
	in := flag.String("in", "", "decrypt a single file")
	single := flag.String("o", "", "output path for -in")
	kmem := flag.String("kmem", "", "kernel memory device (default: "+config.DefaultKernelDevice+")")
	dataBase := flag.String("kernel-data-base", "", "runtime address of the kernel data segment")
	fw := flag.String("fw", "", "firmware version override, e.g. 9.00")
	concurrency := flag.Int("concurrency", 0, "files decrypted in parallel")
	debug := flag.Bool("debug", false, "Enable debug logging")
	traceFile := flag.String("trace-file", "", "write a binary trace of pager table writes")
	listFw := flag.Bool("list-firmware", false, "list supported firmware versions and exit")
	info := flag.String("info", "", "print the headers of a SELF and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Decrypt SELF executables and libraries into plain ELF files.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel-data-base 0xffffffff82000000 -target system-common-lib\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config selfdump.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -in /system/vsh/SceShellCore.elf -o /data/SceShellCore.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -info /system/common/lib/libkernel.sprx\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listFw {
		listFirmware()
		return nil
	}
	if *info != "" {
		return describe(*info)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if *out != "" {
		cfg.Output = *out
	}
	if *kmem != "" {
		cfg.KernelDevice = *kmem
	}
	if *dataBase != "" {
		cfg.KernelDataBase = *dataBase
	}
	if *fw != "" {
		cfg.Firmware = *fw
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *targets != "" {
		cfg.Targets = nil
		for _, name := range strings.Split(*targets, ",") {
			ts, err := config.Builtin(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			cfg.Targets = append(cfg.Targets, ts...)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}

	base, err := cfg.DataBase()
	if err != nil {
		return err
	}
	if base == 0 {
		return fmt.Errorf("kernel data base address unknown: set -kernel-data-base or kernelDataBase")
	}

	var raw uint32
	override, ok, err := cfg.FirmwareOverride()
	if err != nil {
		return err
	}
	if ok {
		raw = uint32(override) << 16
	}

	if *traceFile != "" {
		if err := trace.OpenFile(*traceFile); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer trace.Close()
	}

	dev, err := kernel.OpenDevice(cfg.KernelDevice, raw)
	if err != nil {
		return err
	}
	defer dev.Close()

	mapper := mman.System{}
	pager := selfpager.New(selfpager.Config{
		Kernel:   dev,
		DataBase: base,
		Mapper:   mapper,
		Logger:   logger,
	})
	v, err := pager.Firmware()
	if err != nil {
		return err
	}
	logger.Info("kernel pager table resolved", "firmware", v.String())

	runner := &dump.Runner{
		Decrypter:   self.NewDecrypter(pager, mapper, logger),
		Extensions:  cfg.Extensions,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	}
	if !*debug && term.IsTerminal(int(os.Stderr.Fd())) {
		runner.Progress = os.Stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *in != "" {
		dst := *single
		if dst == "" {
			outBase := cfg.Output
			if outBase == "" {
				outBase = dump.OutputBase()
			}
			dst = filepath.Join(outBase, strings.TrimPrefix(filepath.Clean(*in), "/"))
		}
		runner.DecryptFile(*in, dst)
	} else {
		outBase := cfg.Output
		if outBase == "" {
			outBase = dump.OutputBase()
		}
		fmt.Printf("Output base path: %s\n", outBase)
		if err := runner.Run(ctx, outBase, cfg.Targets); err != nil {
			return err
		}
	}

	stats := runner.Stats()
	fmt.Printf("Done. Success: %d, Failed: %d\n", stats.Success, stats.Failed)
	return nil
}
