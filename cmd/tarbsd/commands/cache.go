package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tarbsd/builder/pkg/compress"
	"github.com/tarbsd/builder/pkg/errors"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the shared compression cache",
}

var cacheListCmd = &cobra.Command{
	Use:         "list",
	Short:       "List cached compressed artifacts",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{unprivileged: "true"},
	RunE:        runCacheList,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired cache entries",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCompressStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	printEntries(os.Stdout, entries)
	return nil
}

func printEntries(w io.Writer, entries []compress.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Cache is empty")
		return
	}

	fmt.Fprintf(w, "%-34s %-8s %-10s %-12s %-12s\n", "DIGEST", "BACKEND", "SIZE", "CREATED", "EXPIRES")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------")

	var total int64
	for _, e := range entries {
		total += e.Size
		fmt.Fprintf(w, "%-34s %-8s %-10s %-12s %-12s\n",
			e.Digest, e.Backend, fmt.Sprintf("%dk", e.Size>>10),
			e.CreatedAt.Local().Format("2006-01-02"), e.ExpiresAt.Local().Format("2006-01-02"))
	}
	fmt.Fprintf(w, "%d entries, %dm\n", len(entries), total>>20)
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCompressStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}
	fmt.Printf("removed %d expired entries\n", n)
	return nil
}
