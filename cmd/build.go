package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Norgate-AV/kiln/internal/artifact"
	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/compiler"
	"github.com/Norgate-AV/kiln/internal/config"
	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
	"github.com/Norgate-AV/kiln/internal/scheduler"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:          "build [files...]",
	Short:        "Compile source files",
	Long:         `Compile one or more source files, reusing cached results whose dependencies are unchanged.`,
	RunE:         runBuild,
	SilenceUsage: true,
}

func runBuild(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		if !cmd.HasParent() {
			return cmd.Help()
		}

		return fmt.Errorf("requires at least one source file")
	}

	loader := config.NewLoader()
	cfg, err := loader.LoadForBuild(cmd.Flags(), args)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg)

	return build(cmd.Context(), cfg, args, cmd.OutOrStdout(), logger)
}

// build compiles every file in parallel and writes the payloads to cfg.OutDir.
// All files are attempted; the first failure is returned.
func build(ctx context.Context, cfg *config.Config, files []string, out io.Writer, logger *slog.Logger) error {
	macros, err := cfg.Macros()
	if err != nil {
		return err
	}

	sources := make([]string, len(files))
	for i, file := range files {
		if sources[i], err = filepath.Abs(file); err != nil {
			return fmt.Errorf("failed to resolve absolute path: %w", err)
		}
	}

	sched, err := newScheduler(cfg, logger)
	if err != nil {
		return err
	}

	sched.StartLoad()

	runner := artifact.NewRunner(cfg.Jobs)
	artifacts := make([]*artifact.Artifact, len(files))
	tasks := make([]*artifact.Task, len(files))

	for i, source := range sources {
		a := artifact.New(sched)
		a.Configure(scheduler.Request{
			Source:  fingerprint.Source{Path: source},
			Entry:   cfg.Entry,
			Profile: cfg.Profile,
			Macros:  macros,
		})

		artifacts[i] = a
		tasks[i] = a.CompileAsync(ctx, runner)
	}

	_ = runner.Wait()

	var errs []error

	for i, a := range artifacts {
		if err := tasks[i].Wait(); err != nil {
			logger.Error("compile failed", "file", files[i], "error", err)
			errs = append(errs, err)
			continue
		}

		payload, err := a.Payload()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		outPath, err := writeOutput(cfg.OutDir, files[i], cfg.Profile, payload.Bytes())
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if !cfg.Silent {
			_, hit := a.Fingerprint()
			status := "compiled"
			if hit {
				status = "cached"
			}

			fmt.Fprintf(out, "%s -> %s (%s)\n", files[i], outPath, status)
		}
	}

	// A failed flush only costs the next run some recompiles
	_ = sched.Close()

	if cfg.Verbose {
		stats := sched.Index().Stats()
		fmt.Fprintf(out, "Cache: %d entries, %d hits, %d misses, %d stale\n",
			stats.Entries, stats.Hits, stats.Misses, stats.Stale)
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

func newTracker(cfg *config.Config, logger *slog.Logger) *deps.Tracker {
	return deps.NewTracker(deps.Options{
		SearchPaths: cfg.SearchPaths,
		Embedded:    cfg.Embedded(),
		Strict:      cfg.StrictDependencies,
		Logger:      logger,
	})
}

func newScheduler(cfg *config.Config, logger *slog.Logger) (*scheduler.Scheduler, error) {
	tracker := newTracker(cfg, logger)

	builder := fingerprint.NewBuilder(cfg.SortMacros)

	var store cache.Store
	if !cfg.NoCache {
		var err error
		store, err = cache.OpenStore(cfg.Backend(), cfg.CacheFile, cfg.CompressionMode())
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
	}

	return scheduler.New(scheduler.Options{
		Store:     store,
		Tracker:   tracker,
		Toolchain: newToolchain(cfg, logger),
		Builder:   builder,
		NoCache:   cfg.NoCache,
		Logger:    logger,
	})
}

func newToolchain(cfg *config.Config, logger *slog.Logger) compiler.Toolchain {
	if cfg.Toolchain == config.ToolchainExec {
		cb := compiler.NewCommandBuilder(cfg.CompilerPath, cfg.CompilerArgs)
		cb.Logger = logger
		return cb
	}

	return compiler.NewPreprocessor()
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	switch {
	case cfg.Verbose:
		level = slog.LevelDebug
	case cfg.Silent:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// outputPath returns <outDir>/<base>.<profile>.bin for file
func outputPath(outDir, file, profile string) string {
	base := filepath.Base(file)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	return filepath.Join(outDir, base+"."+profile+".bin")
}

func writeOutput(outDir, file, profile string, payload []byte) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := outputPath(outDir, file, profile)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}
