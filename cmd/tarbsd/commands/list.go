package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List recent builds and their status",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{unprivileged: "true"},
	RunE:        runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of builds to show")
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	builds, err := repo.ListBuilds(listLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	printBuilds(os.Stdout, builds)
	return nil
}

func printBuilds(w io.Writer, builds []*db.Build) {
	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds found")
		return
	}

	fmt.Fprintf(w, "%-10s %-12s %-20s %-8s %-9s %-20s %s\n", "ID", "STATUS", "STATE", "SIZE", "DURATION", "STARTED", "DIRECTORY")
	fmt.Fprintln(w, "----------------------------------------------------------------------------------------------------")

	for _, b := range builds {
		size := "-"
		if b.ImageSize > 0 {
			size = fmt.Sprintf("%dm", b.ImageSize>>20)
		}
		duration := "-"
		if d := b.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		id := b.ID
		if len(id) > 8 {
			id = id[:8]
		}

		fmt.Fprintf(w, "%-10s %-12s %-20s %-8s %-9s %-20s %s\n",
			id, b.Status, b.State, size, duration, b.StartedAt.Local().Format("2006-01-02 15:04:05"), b.WorkDir)
		if b.ErrorMessage != "" {
			fmt.Fprintf(w, "%-10s %s: %s\n", "", b.ErrorKind, b.ErrorMessage)
		}
	}
}
