package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
	"github.com/Norgate-AV/kiln/internal/utils"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultEntry        = "main"
	DefaultProfile      = "v1"
	DefaultToolchain    = ToolchainBuiltin
	DefaultStoreBackend = string(cache.BackendFile)
	DefaultCompression  = string(cache.CompressionNone)
	DefaultOutDir       = "build"
	DefaultStrict       = false
	DefaultSortMacros   = false
	DefaultSilent       = false
	DefaultVerbose      = false
)

// Toolchain names
const (
	ToolchainBuiltin = "builtin"
	ToolchainExec    = "exec"
)

// Holds the configuration options for kiln
type Config struct {
	// Include search paths, first match wins
	SearchPaths []string

	// Directory mounted as the embedded-resource store
	EmbeddedDir string

	// Treat a dependency that disappeared as modified
	StrictDependencies bool

	// Path to the persisted cache
	CacheFile string
	// Persistent store backend (file, bolt)
	StoreBackend string
	// Cache file framing (none, lz4, zstd)
	Compression string
	// Compile everything and leave the cache alone
	NoCache bool

	// Sort macros before fingerprinting
	SortMacros bool

	// Toolchain (builtin, exec)
	Toolchain string
	// Path to the external compiler for the exec toolchain
	CompilerPath string
	// Extra arguments passed before the generated ones
	CompilerArgs []string

	// Entry point and target profile
	Entry   string
	Profile string

	// Macro definitions as NAME[=VALUE], in order
	Defines []string

	// Maximum parallel compiles
	Jobs int

	// Directory compiled payloads are written to
	OutDir string

	// Suppress per-file output
	Silent bool

	// Enable verbose output
	Verbose bool
}

func Load() (*Config, error) {
	cfg := &Config{
		SearchPaths:        viper.GetStringSlice("search_paths"),
		EmbeddedDir:        viper.GetString("embedded_dir"),
		StrictDependencies: viper.GetBool("strict_dependencies"),
		CacheFile:          viper.GetString("cache_file"),
		StoreBackend:       viper.GetString("store_backend"),
		Compression:        viper.GetString("compression"),
		NoCache:            viper.GetBool("no_cache"),
		SortMacros:         viper.GetBool("sort_macros"),
		Toolchain:          viper.GetString("toolchain"),
		CompilerPath:       viper.GetString("compiler_path"),
		CompilerArgs:       viper.GetStringSlice("compiler_args"),
		Entry:              viper.GetString("entry"),
		Profile:            viper.GetString("profile"),
		Defines:            viper.GetStringSlice("defines"),
		Jobs:               viper.GetInt("jobs"),
		OutDir:             viper.GetString("out_dir"),
		Silent:             viper.GetBool("silent"),
		Verbose:            viper.GetBool("verbose"),
	}

	// Apply defaults if not set
	if cfg.Entry == "" {
		cfg.Entry = DefaultEntry
	}

	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}

	if cfg.Toolchain == "" {
		cfg.Toolchain = DefaultToolchain
	}

	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := cache.ParseBackend(c.StoreBackend); err != nil {
		return err
	}

	if _, err := cache.ParseCompression(c.Compression); err != nil {
		return err
	}

	switch c.Toolchain {
	case ToolchainBuiltin:
	case ToolchainExec:
		if c.CompilerPath == "" {
			return fmt.Errorf("compiler_path is required for the %s toolchain", ToolchainExec)
		}
	default:
		return fmt.Errorf("unknown toolchain: %q", c.Toolchain)
	}

	if _, err := c.Macros(); err != nil {
		return err
	}

	// Resolve search paths, dropping empty entries
	if len(c.SearchPaths) > 0 {
		paths := make([]string, 0, len(c.SearchPaths))

		for _, dir := range c.SearchPaths {
			if dir == "" {
				continue
			}

			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("invalid search path: %v", err)
			}

			paths = append(paths, abs)
		}

		c.SearchPaths = paths
	}

	// Resolve cache file path
	if c.CacheFile == "" {
		name := cache.DefaultCacheFile
		if c.StoreBackend == string(cache.BackendBolt) {
			name = "cache.db"
		}

		c.CacheFile = filepath.Join(cache.DefaultCacheDir, name)
	}

	abs, err := filepath.Abs(c.CacheFile)
	if err != nil {
		return fmt.Errorf("invalid cache file path: %v", err)
	}

	c.CacheFile = abs

	if c.EmbeddedDir != "" {
		abs, err := filepath.Abs(c.EmbeddedDir)
		if err != nil {
			return fmt.Errorf("invalid embedded directory: %v", err)
		}

		c.EmbeddedDir = abs
	}

	if c.OutDir == "" {
		c.OutDir = DefaultOutDir
	}

	return nil
}

// Macros parses Defines in order
func (c *Config) Macros() ([]fingerprint.Macro, error) {
	return utils.ParseDefines(c.Defines)
}

// Backend returns the parsed store backend
func (c *Config) Backend() cache.Backend {
	b, _ := cache.ParseBackend(c.StoreBackend)
	return b
}

// CompressionMode returns the parsed compression mode
func (c *Config) CompressionMode() cache.Compression {
	m, _ := cache.ParseCompression(c.Compression)
	return m
}

// Embedded returns the embedded-resource store, or nil if none is configured
func (c *Config) Embedded() fs.FS {
	if c.EmbeddedDir == "" {
		return nil
	}

	return os.DirFS(c.EmbeddedDir)
}
