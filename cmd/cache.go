package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/config"
	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the build cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show cache statistics",
	RunE:         runCacheStats,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

var cacheListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List cached entries",
	RunE:         runCacheList,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

var cacheClearCmd = &cobra.Command{
	Use:          "clear",
	Short:        "Delete the persisted cache",
	RunE:         runCacheClear,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
}

func init() {
	cacheListCmd.Flags().Var(newEnumValue("text", "text", "yaml", "json"), "format", "Output format (text, yaml, json)")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// listedEntry is the serialized form of one cache entry
type listedEntry struct {
	Fingerprint  string             `yaml:"fingerprint" json:"fingerprint"`
	Size         int                `yaml:"size" json:"size"`
	Stale        bool               `yaml:"stale" json:"stale"`
	Dependencies []listedDependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

type listedDependency struct {
	Path      string `yaml:"path" json:"path"`
	Timestamp int64  `yaml:"timestamp" json:"timestamp"`
	Modified  bool   `yaml:"modified" json:"modified"`
}

// cacheSummary aggregates a loaded cache
type cacheSummary struct {
	Path         string
	Backend      cache.Backend
	Compression  cache.Compression
	Entries      int
	Stale        int
	PayloadBytes int
	Dependencies int
}

func loadCacheConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadForBuild(cmd.Flags(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, newLogger(cmd.ErrOrStderr(), cfg), nil
}

// loadEntries reads the persisted cache and reports each dependency's state
func loadEntries(cfg *config.Config, logger *slog.Logger) ([]listedEntry, error) {
	store, err := cache.OpenStore(cfg.Backend(), cfg.CacheFile, cfg.CompressionMode())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	tracker := newTracker(cfg, logger)

	ix := cache.NewIndex(tracker)
	if err := ix.Load(store, nil); err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}

	return listEntries(ix.Snapshot(), tracker), nil
}

func listEntries(records []cache.Record, tracker *deps.Tracker) []listedEntry {
	entries := make([]listedEntry, 0, len(records))

	for _, rec := range records {
		entry := listedEntry{
			Fingerprint: rec.Fingerprint.Digest(),
			Size:        rec.Entry.Payload.Len(),
		}

		for _, dep := range rec.Entry.Dependencies {
			modified := tracker.IsModified(dep)
			entry.Stale = entry.Stale || modified
			entry.Dependencies = append(entry.Dependencies, listedDependency{
				Path:      dep.Path,
				Timestamp: dep.Timestamp,
				Modified:  modified,
			})
		}

		entries = append(entries, entry)
	}

	return entries
}

func summarize(cfg *config.Config, entries []listedEntry) cacheSummary {
	s := cacheSummary{
		Path:        cfg.CacheFile,
		Backend:     cfg.Backend(),
		Compression: cfg.CompressionMode(),
		Entries:     len(entries),
	}

	for _, e := range entries {
		s.PayloadBytes += e.Size
		s.Dependencies += len(e.Dependencies)

		if e.Stale {
			s.Stale++
		}
	}

	return s
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadCacheConfig(cmd)
	if err != nil {
		return err
	}

	entries, err := loadEntries(cfg, logger)
	if err != nil {
		return err
	}

	s := summarize(cfg, entries)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", s.Path)
	fmt.Fprintf(w, "Backend:\t%s\n", s.Backend)
	fmt.Fprintf(w, "Compression:\t%s\n", s.Compression)
	fmt.Fprintf(w, "Entries:\t%d\n", s.Entries)
	fmt.Fprintf(w, "Stale:\t%d\n", s.Stale)
	fmt.Fprintf(w, "Dependencies:\t%d\n", s.Dependencies)
	fmt.Fprintf(w, "Payload bytes:\t%d\n", s.PayloadBytes)

	if info, err := os.Stat(s.Path); err == nil {
		fmt.Fprintf(w, "File size:\t%d\n", info.Size())
	}

	return w.Flush()
}

func runCacheList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadCacheConfig(cmd)
	if err != nil {
		return err
	}

	entries, err := loadEntries(cfg, logger)
	if err != nil {
		return err
	}

	format := cmd.Flags().Lookup("format").Value.String()

	return writeEntries(cmd.OutOrStdout(), entries, format)
}

func writeEntries(out io.Writer, entries []listedEntry, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)

		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode entries: %w", err)
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	default:
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tSIZE\tDEPS\tSTALE")

		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", e.Fingerprint, e.Size, len(e.Dependencies), e.Stale)
		}

		return w.Flush()
	}
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadCacheConfig(cmd)
	if err != nil {
		return err
	}

	return clearCache(cfg, cmd.OutOrStdout())
}

func clearCache(cfg *config.Config, out io.Writer) error {
	store, err := cache.OpenStore(cfg.Backend(), cfg.CacheFile, cfg.CompressionMode())
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	remover, ok := store.(cache.Remover)
	if !ok {
		return fmt.Errorf("%s store cannot be removed", cfg.Backend())
	}

	if err := remover.Remove(); err != nil {
		return fmt.Errorf("failed to remove cache: %w", err)
	}

	if !cfg.Silent {
		fmt.Fprintf(out, "Removed %s\n", cfg.CacheFile)
	}

	return nil
}
