// Package config holds the allocator's environment-overridable tunables,
// following the shape of the teacher's MMSA{TimeIval, MinPctTotal, ...}
// plus its env() method: a handful of public struct fields with sane
// defaults, overridable by environment variables and validated once at
// construction time.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
)

const (
	// DefaultArenaSize is the unit of carving from the backing region.
	DefaultArenaSize = 2 * 1024 * 1024
	// DefaultCacheCap bounds a slab's ring-buffer free-index cache.
	DefaultCacheCap = 64
	// DefaultIndexCapacity is the SlabIndex's default bucket count - a
	// small prime, per the spec's recommendation.
	DefaultIndexCapacity = 101
	// MaxSizeClass is the largest size class; requests above it fail.
	MaxSizeClass = 4096
	// HardMaxCPUs bounds MaxCPUs regardless of runtime.NumCPU().
	HardMaxCPUs = 1024
)

// Config is read once, at New(), and never mutated afterwards.
type Config struct {
	// ArenaSize is the arena carve unit. Must be a power of two, a
	// multiple of the largest size class, and at least MaxSizeClass.
	ArenaSize int64
	// CacheCap bounds each slab's free-index ring buffer.
	CacheCap int
	// MaxCPUs bounds the PerCpuHeap shard count.
	MaxCPUs int
	// IndexCapacity is the SlabIndex's fixed bucket count.
	IndexCapacity int
}

// Default returns the baseline configuration before env overrides.
func Default() Config {
	return Config{
		ArenaSize:     DefaultArenaSize,
		CacheCap:      DefaultCacheCap,
		MaxCPUs:       runtime.NumCPU(),
		IndexCapacity: DefaultIndexCapacity,
	}
}

// FromEnv starts from Default() and applies NVM_ARENA_SIZE, NVM_CACHE_CAP,
// NVM_MAX_CPUS and NVM_INDEX_CAPACITY overrides, mirroring the teacher's
// MMSA.env() precedence: explicit struct fields set by the caller before
// calling FromEnv are left untouched unless the env var is present.
func (c Config) FromEnv() (Config, error) {
	if v := os.Getenv("NVM_ARENA_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, nvmerr.New(nvmerr.InvalidArgument, "cannot parse NVM_ARENA_SIZE %q: %v", v, err)
		}
		c.ArenaSize = n
	}
	if v := os.Getenv("NVM_CACHE_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, nvmerr.New(nvmerr.InvalidArgument, "cannot parse NVM_CACHE_CAP %q: %v", v, err)
		}
		c.CacheCap = n
	}
	if v := os.Getenv("NVM_MAX_CPUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, nvmerr.New(nvmerr.InvalidArgument, "cannot parse NVM_MAX_CPUS %q: %v", v, err)
		}
		c.MaxCPUs = n
	}
	if v := os.Getenv("NVM_INDEX_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, nvmerr.New(nvmerr.InvalidArgument, "cannot parse NVM_INDEX_CAPACITY %q: %v", v, err)
		}
		c.IndexCapacity = n
	}
	return c, nil
}

// Validate fills in zero-valued fields with defaults and rejects
// structurally impossible configurations.
func (c Config) Validate() (Config, error) {
	if c.ArenaSize == 0 {
		c.ArenaSize = DefaultArenaSize
	}
	if c.CacheCap == 0 {
		c.CacheCap = DefaultCacheCap
	}
	if c.MaxCPUs == 0 {
		c.MaxCPUs = runtime.NumCPU()
	}
	if c.IndexCapacity == 0 {
		c.IndexCapacity = DefaultIndexCapacity
	}

	if c.ArenaSize < MaxSizeClass || c.ArenaSize&(c.ArenaSize-1) != 0 {
		return c, nvmerr.New(nvmerr.InvalidArgument,
			"arena size %d must be a power of two >= %d", c.ArenaSize, MaxSizeClass)
	}
	if c.CacheCap <= 0 || c.CacheCap%2 != 0 {
		return c, nvmerr.New(nvmerr.InvalidArgument, "cache cap %d must be a positive even number", c.CacheCap)
	}
	if c.MaxCPUs <= 0 {
		return c, nvmerr.New(nvmerr.InvalidArgument, "max cpus %d must be positive", c.MaxCPUs)
	}
	if c.MaxCPUs > HardMaxCPUs {
		c.MaxCPUs = HardMaxCPUs
	}
	if c.IndexCapacity <= 0 {
		return c, nvmerr.New(nvmerr.InvalidArgument, "index capacity %d must be positive", c.IndexCapacity)
	}
	return c, nil
}

// BatchSize is half the cache capacity - the amortized refill/drain unit.
func (c Config) BatchSize() int { return c.CacheCap / 2 }

func (c Config) String() string {
	return fmt.Sprintf("arena=%d cache=%d maxcpus=%d index=%d", c.ArenaSize, c.CacheCap, c.MaxCPUs, c.IndexCapacity)
}
