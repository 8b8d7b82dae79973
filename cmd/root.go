package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/Norgate-AV/kiln/internal/codes"
	"github.com/Norgate-AV/kiln/internal/config"
	"github.com/Norgate-AV/kiln/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "kiln",
	Short:        "Incremental compile cache",
	Long:         `Compile source units once and serve them from a persistent, dependency-checked cache afterwards.`,
	RunE:         runBuild,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		code := codes.FromError(err)
		fmt.Fprintf(os.Stderr, "kiln: %s\n", codes.GetErrorMessage(code))
		stop()
		os.Exit(code)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)

	flags := rootCmd.PersistentFlags()
	flags.StringSliceP("include", "I", []string{}, "Include search paths, first match wins")
	flags.String("embedded", "", "Directory served as the embedded resource store")
	flags.Bool("strict", false, "Treat dependencies that can no longer be found as modified")
	flags.String("cache-file", "", "Path to the persisted cache")
	flags.Var(newEnumValue(config.DefaultStoreBackend, "file", "bolt"), "store", "Cache store backend (file, bolt)")
	flags.Var(newEnumValue(config.DefaultCompression, "none", "lz4", "zstd"), "compression", "Cache file compression (none, lz4, zstd)")
	flags.Bool("no-cache", false, "Disable build cache")
	flags.Bool("sort-macros", false, "Sort macro definitions before fingerprinting")
	flags.Var(newEnumValue(config.DefaultToolchain, config.ToolchainBuiltin, config.ToolchainExec), "toolchain", "Toolchain used to compile (builtin, exec)")
	flags.String("compiler", "", "Path to the external compiler for the exec toolchain")
	flags.StringP("entry", "e", "", "Entry point name")
	flags.StringP("profile", "p", "", "Target profile")
	flags.StringArrayP("define", "D", []string{}, "Macro definition NAME[=VALUE], may be repeated")
	flags.IntP("jobs", "j", 0, "Maximum parallel compiles (default: number of CPUs)")
	flags.StringP("out", "o", "", "Output directory for compiled payloads")
	flags.BoolP("silent", "s", false, "Suppress per-file output")
	flags.BoolP("verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(cacheCmd)

	viper.SetDefault("entry", config.DefaultEntry)
	viper.SetDefault("profile", config.DefaultProfile)
	viper.SetDefault("silent", false)
	viper.SetDefault("verbose", false)
}
