// Package config loads dump profiles: which directories to decrypt, where the
// output goes and how to reach the kernel.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/selfdump/internal/firmware"
	"gopkg.in/yaml.v3"
)

const (
	Filename            = "selfdump.yaml"
	DefaultKernelDevice = "/dev/kmem"
)

// DefaultExtensions are the file extensions considered for decryption.
var DefaultExtensions = []string{".elf", ".self", ".prx", ".sprx", ".bin"}

// Config is a dump profile.
type Config struct {
	Version int `yaml:"version"`

	// Output is the base output directory. Empty selects the USB drive when
	// one is mounted and the internal data partition otherwise.
	Output string `yaml:"output,omitempty"`

	// Firmware overrides the version reported by the kernel, e.g. "9.00".
	Firmware       string `yaml:"firmware,omitempty"`
	KernelDevice   string `yaml:"kernelDevice,omitempty"`
	KernelDataBase string `yaml:"kernelDataBase,omitempty"`

	Concurrency int      `yaml:"concurrency,omitempty"`
	Extensions  []string `yaml:"extensions,omitempty"`

	Targets []Target `yaml:"targets"`
}

// Target is one input tree or file.
type Target struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// Output is relative to the base output directory and defaults to Path.
	Output    string `yaml:"output,omitempty"`
	Recursive bool   `yaml:"recursive,omitempty"`
	// File marks Path as a single container rather than a directory.
	File bool `yaml:"file,omitempty"`
}

var builtinTargets = map[string][]Target{
	"system-common-lib": {
		{Name: "system-common-lib", Path: "/system/common/lib"},
	},
	"system": {
		{Name: "system", Path: "/system", Recursive: true},
	},
	"system_ex": {
		{Name: "system_ex", Path: "/system_ex", Recursive: true},
	},
	"full-system": {
		{Name: "system", Path: "/system", Recursive: true},
		{Name: "system_ex", Path: "/system_ex", Recursive: true},
	},
	"shellcore": {
		{Name: "shellcore", Path: "/system/vsh/SceShellCore.elf", File: true},
	},
	"game": {
		{Name: "game", Path: "/mnt/sandbox/pfsmnt", Recursive: true},
	},
}

// Builtin returns the named built-in targets.
func Builtin(name string) ([]Target, error) {
	ts, ok := builtinTargets[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q (known: %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return append([]Target(nil), ts...), nil
}

func BuiltinNames() []string {
	return []string{"system-common-lib", "system", "system_ex", "full-system", "shellcore", "game"}
}

// Default is used when no profile is given.
func Default() Config {
	c := Config{}
	c.Targets, _ = Builtin("system-common-lib")
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.KernelDevice == "" {
		c.KernelDevice = DefaultKernelDevice
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if len(c.Extensions) == 0 {
		c.Extensions = append([]string(nil), DefaultExtensions...)
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Output == "" {
			t.Output = strings.TrimPrefix(filepath.Clean(t.Path), "/")
		}
		if t.Name == "" {
			t.Name = filepath.Base(t.Path)
		}
	}
}

// Validate checks the fields that can be checked without touching the system.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, _, err := c.FirmwareOverride(); err != nil {
		return err
	}
	if _, err := c.DataBase(); err != nil {
		return err
	}
	for _, ext := range c.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}
	for _, t := range c.Targets {
		if t.Path == "" {
			return fmt.Errorf("target %q has no path", t.Name)
		}
		if filepath.IsAbs(t.Output) || strings.HasPrefix(filepath.Clean(t.Output), "..") {
			return fmt.Errorf("target %q: output %q must stay inside the output directory", t.Name, t.Output)
		}
	}
	return nil
}

// FirmwareOverride returns the configured firmware version, if any.
func (c *Config) FirmwareOverride() (firmware.Version, bool, error) {
	if c.Firmware == "" {
		return 0, false, nil
	}
	v, err := firmware.ParseVersion(c.Firmware)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// DataBase parses KernelDataBase. Zero means unset.
func (c *Config) DataBase() (uint64, error) {
	if c.KernelDataBase == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(c.KernelDataBase, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid kernelDataBase %q: %w", c.KernelDataBase, err)
	}
	return v, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
