// Package config loads the boot configuration.
//
// A configuration file is optional. Values it leaves out keep their
// defaults, and command line flags override whatever the file sets.
package config

import (
	"math/bits"
	"os"

	"github.com/evanphx/envos/kernel"
	"github.com/evanphx/envos/memory"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the boot configuration.
type Config struct {
	// Capacity is the number of environment slots. It must be a power of
	// two no larger than 1<<kernel.GenShift.
	// Default: 1024
	Capacity int `yaml:"capacity"`

	// MemoryLimit bounds each address space, in bytes.
	// Default: 64 MiB
	MemoryLimit uint64 `yaml:"memory_limit"`

	// Trace turns on trace logging and the per-instruction step trace.
	Trace bool `yaml:"trace"`

	// Kind is the default kind for images that don't name one.
	// Values: "kernel", "user"
	// Default: kernel
	Kind string `yaml:"kind"`

	// MaxDispatches stops the boot loop after that many dispatches.
	// 0 runs until nothing is runnable.
	MaxDispatches int `yaml:"max_dispatches"`

	// CacheSize bounds the parsed-image cache. 0 disables it.
	CacheSize int `yaml:"cache_size"`

	// Images are created in order at boot.
	Images []Image `yaml:"images"`
}

// Image is one boot image.
type Image struct {
	Path string `yaml:"path"`
	Kind string `yaml:"kind,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Capacity:    kernel.DefaultCapacity,
		MemoryLimit: memory.DefaultLimit,
		Kind:        "kernel",
		CacheSize:   16,
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Capacity <= 0 || c.Capacity > 1<<kernel.GenShift || bits.OnesCount(uint(c.Capacity)) != 1 {
		return errors.Wrapf(kernel.ErrBadCapacity, "capacity %d", c.Capacity)
	}

	if c.MemoryLimit == 0 {
		return errors.New("memory_limit must be positive")
	}

	if c.MaxDispatches < 0 {
		return errors.Errorf("max_dispatches %d is negative", c.MaxDispatches)
	}

	if _, err := kernel.ParseKind(c.Kind); err != nil {
		return err
	}

	for i, img := range c.Images {
		if img.Path == "" {
			return errors.Errorf("image %d has no path", i)
		}

		if _, err := kernel.ParseKind(img.Kind); err != nil {
			return errors.Wrapf(err, "image %s", img.Path)
		}
	}

	return nil
}

// DefaultKind is the kind of images that don't name one.
func (c *Config) DefaultKind() (kernel.Kind, error) {
	return kernel.ParseKind(c.Kind)
}

// ImageKind is the kind img runs as, falling back to the default kind.
func (c *Config) ImageKind(img Image) (kernel.Kind, error) {
	if img.Kind == "" {
		return c.DefaultKind()
	}

	k, err := kernel.ParseKind(img.Kind)
	if err != nil {
		return 0, errors.Wrapf(err, "image %s", img.Path)
	}

	return k, nil
}

// AddImages appends images given by path with the default kind.
func (c *Config) AddImages(paths ...string) {
	for _, p := range paths {
		c.Images = append(c.Images, Image{Path: p})
	}
}
