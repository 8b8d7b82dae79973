package config

import (
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags to config keys
var flagKeys = map[string]string{
	"include":     "search_paths",
	"embedded":    "embedded_dir",
	"strict":      "strict_dependencies",
	"cache-file":  "cache_file",
	"store":       "store_backend",
	"compression": "compression",
	"no-cache":    "no_cache",
	"sort-macros": "sort_macros",
	"toolchain":   "toolchain",
	"compiler":    "compiler_path",
	"entry":       "entry",
	"profile":     "profile",
	"define":      "defines",
	"jobs":        "jobs",
	"out":         "out_dir",
	"silent":      "silent",
	"verbose":     "verbose",
}

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadForBuild loads configuration for a command operating on args
func (l *Loader) LoadForBuild(flags *pflag.FlagSet, args []string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()
	l.loadLocalConfig(args)
	l.bindCommandFlags(flags)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("entry", DefaultEntry)
	viper.SetDefault("profile", DefaultProfile)
	viper.SetDefault("toolchain", DefaultToolchain)
	viper.SetDefault("store_backend", DefaultStoreBackend)
	viper.SetDefault("compression", DefaultCompression)
	viper.SetDefault("out_dir", DefaultOutDir)
	viper.SetDefault("strict_dependencies", DefaultStrict)
	viper.SetDefault("sort_macros", DefaultSortMacros)
	viper.SetDefault("silent", DefaultSilent)
	viper.SetDefault("verbose", DefaultVerbose)
}

// loadGlobalConfig loads the user-wide configuration
func (l *Loader) loadGlobalConfig() {
	globalDir := GlobalConfigDir()
	if globalDir == "" {
		return
	}

	for _, ext := range configExts {
		globalPath := filepath.Join(globalDir, "config."+ext)

		viper.SetConfigFile(globalPath)
		if err := viper.MergeInConfig(); err == nil {
			break
		}
	}
}

// loadLocalConfig loads local configuration from the project directory,
// found by walking up from the first argument, or from the working directory
func (l *Loader) loadLocalConfig(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = filepath.Dir(args[0])
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return // silently ignore, config.Load() will handle validation
	}

	localPath := FindLocalConfig(absDir)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(flags *pflag.FlagSet) {
	if flags == nil {
		return
	}

	for flag, key := range flagKeys {
		if f := flags.Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}
