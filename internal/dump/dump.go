// Package dump decrypts containers in bulk and writes the rebuilt ELF images
// under an output tree mirroring the input.
package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/selfdump/internal/config"
	"github.com/tinyrange/selfdump/internal/self"
	"golang.org/x/sync/errgroup"
)

// SandboxRoot holds the mounted game packages.
const SandboxRoot = "/mnt/sandbox/pfsmnt"

const unionSuffix = "-app0-patch0-union"

// Decrypter rebuilds one container. *self.Decrypter implements it.
type Decrypter interface {
	Decrypt(src self.Source) (*self.Image, error)
}

var _ Decrypter = &self.Decrypter{}

// Stats counts per-file outcomes. Files that turn out not to be containers
// are Skipped and count as neither success nor failure.
type Stats struct {
	Success int
	Failed  int
	Skipped int
}

type Runner struct {
	Decrypter Decrypter

	// Extensions are matched case-insensitively. Empty means
	// config.DefaultExtensions.
	Extensions []string

	// Concurrency bounds the number of files in flight. Values below one
	// mean one.
	Concurrency int

	Logger *slog.Logger

	// Progress receives a progress bar per directory when non-nil.
	Progress io.Writer

	// Sandbox is where union mounts are skipped. Empty means SandboxRoot.
	Sandbox string

	success atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

func (r *Runner) Stats() Stats {
	return Stats{
		Success: int(r.success.Load()),
		Failed:  int(r.failed.Load()),
		Skipped: int(r.skipped.Load()),
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) sandbox() string {
	if r.Sandbox == "" {
		return SandboxRoot
	}
	return r.Sandbox
}

// Allowed reports whether name carries one of the configured extensions.
func (r *Runner) Allowed(name string) bool {
	exts := r.Extensions
	if len(exts) == 0 {
		exts = config.DefaultExtensions
	}
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// DecryptFile decrypts in and writes the image to out, creating parent
// directories as needed. A file that is not a container is skipped and
// yields a nil error.
func (r *Runner) DecryptFile(in, out string) error {
	err := r.decryptFile(in, out)
	switch {
	case err == nil:
		r.success.Add(1)
		r.logger().Info("decrypted", "in", in, "out", out)
	case errors.Is(err, self.ErrNotSELF):
		r.skipped.Add(1)
		r.logger().Debug("not a SELF, skipping", "path", in)
		return nil
	default:
		r.failed.Add(1)
		r.logger().Error("decrypt failed", "path", in, "code", self.KindOf(err).Code(), "err", err)
	}
	return err
}

func (r *Runner) decryptFile(in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	img, err := r.Decrypter.Decrypt(f)
	f.Close()
	if err != nil {
		return err
	}
	defer func() {
		if err := img.Release(); err != nil {
			r.logger().Warn("release image", "path", in, "err", err)
		}
	}()

	return writeImage(img, out)
}

func writeImage(img io.WriterTo, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o777); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if _, err := img.WriteTo(f); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("write output: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

type job struct {
	in  string
	out string
}

// isUnion matches the "<title id>-app0-patch0-union" overlay directories
// below the sandbox; their contents duplicate app0 and patch0.
func isUnion(name string) bool {
	return len(name) == 9+len(unionSuffix) && strings.HasSuffix(name, unionSuffix)
}

func (r *Runner) collect(in, out string, recursive bool) ([]job, error) {
	var jobs []job
	sandbox := filepath.Clean(r.sandbox())

	err := filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == in {
				return err
			}
			r.logger().Warn("walk", "path", path, "err", err)
			return nil
		}

		if d.IsDir() {
			if path == in {
				return nil
			}
			if !recursive {
				return filepath.SkipDir
			}
			parent := filepath.Dir(path)
			if (parent == sandbox || strings.HasPrefix(parent, sandbox+string(filepath.Separator))) && isUnion(d.Name()) {
				r.logger().Debug("skipping union mount", "path", path)
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !r.Allowed(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(in, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{in: path, out: filepath.Join(out, rel)})
		return nil
	})
	return jobs, err
}

// DecryptDir decrypts every matching regular file below in, mirroring the
// layout under out. Per-file failures are counted in Stats rather than
// returned.
func (r *Runner) DecryptDir(ctx context.Context, in, out string, recursive bool) error {
	jobs, err := r.collect(in, out, recursive)
	if err != nil {
		return fmt.Errorf("read input directory %s: %w", in, err)
	}
	r.logger().Debug("collected files", "dir", in, "count", len(jobs))

	var bar *progressbar.ProgressBar
	if r.Progress != nil && len(jobs) > 0 {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetWriter(r.Progress),
			progressbar.OptionSetDescription(in),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}

	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r.DecryptFile(j.in, j.out)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Run processes targets in order with outputs rooted at base.
func (r *Runner) Run(ctx context.Context, base string, targets []config.Target) error {
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := filepath.Join(base, t.Output)
		r.logger().Info("dumping target", "name", t.Name, "path", t.Path, "out", out)

		if t.File {
			r.DecryptFile(t.Path, out)
			continue
		}
		if err := r.DecryptDir(ctx, t.Path, out, t.Recursive); err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.logger().Error("dump target", "name", t.Name, "err", err)
		}
	}
	return nil
}
