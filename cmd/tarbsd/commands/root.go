package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tarbsd/builder/internal/logging"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/pipeline"
)

// unprivileged marks commands that run without root.
const unprivileged = "unprivileged"

var rootCmd = &cobra.Command{
	Use:   "tarbsd",
	Short: "tarBSD builder - small bootable FreeBSD images",
	Long: `Builds a small, read-only FreeBSD image from a project directory holding
tarbsd.yml and an overlay directory. Expensive stages are cached as snapshots
of a working volume and skipped when their inputs are unchanged.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: maintain,
}

// Execute runs the root command and exits non-zero on failure, 130 when a
// build was interrupted.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, pipeline.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// normalizeFlag accepts snake_case spellings of every flag.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	rootCmd.PersistentFlags().String("dir", ".", "Project directory holding tarbsd.yml")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "cli", "Log format (cli, json)")
	rootCmd.PersistentFlags().String("cache-dir", "/var/cache/tarbsd", "Shared cache directory")
	rootCmd.PersistentFlags().String("state-db", "/var/db/tarbsd/state.db", "SQLite state database path")
	rootCmd.PersistentFlags().String("fsm-db-path", "/var/db/tarbsd/fsm", "FSM journal directory")
	rootCmd.PersistentFlags().String("snapshot-backend", "zfs", "Snapshot backend (zfs, thin, dir)")
	rootCmd.PersistentFlags().String("thin-pool", "tarbsd-pool", "devicemapper thin pool for the thin backend")

	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("state-db", rootCmd.PersistentFlags().Lookup("state-db"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("snapshot-backend", rootCmd.PersistentFlags().Lookup("snapshot-backend"))
	viper.BindPFlag("thin-pool", rootCmd.PersistentFlags().Lookup("thin-pool"))
}

func setup(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	levelFlag, _ := flags.GetString("log-level")
	formatFlag, _ := flags.GetString("log-format")

	level, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return err
	}
	mode, err := logging.ParseMode(formatFlag)
	if err != nil {
		return err
	}
	slog.SetDefault(logging.New(mode, os.Stderr, level))

	if needsRoot(cmd) && os.Geteuid() != 0 {
		return errors.Preconditionf("%s needs root privileges", cmd.CommandPath())
	}
	return nil
}

func needsRoot(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion":
			return false
		}
		if c.Annotations[unprivileged] != "" {
			return false
		}
	}
	return true
}

// maintain prunes the compression cache now and then after a successful
// privileged command.
func maintain(cmd *cobra.Command, _ []string) error {
	if !needsRoot(cmd) {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCompressStore(cmd.Context(), cfg)
	if err != nil {
		slog.Warn("compress_cache_open_failed", "error", err)
		return nil
	}
	defer store.Close()

	if _, err := store.MaybePrune(cmd.Context(), cfg.CompressPruneChance, nil); err != nil {
		slog.Warn("compress_cache_prune_failed", "error", err)
	}
	return nil
}
