package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tarbsd/builder/internal/config"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/db"
)

// diagnoseTools are the external tools a build may call.
var diagnoseTools = []string{
	"zfs", "zpool", "mdconfig", "dmsetup", "pkg", "makefs", "mkimg", "qemu-img", "zopfli", "ssh-keygen",
}

var diagnoseCmd = &cobra.Command{
	Use:         "diagnose",
	Short:       "Show host details relevant to building images",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{unprivileged: "true"},
	RunE:        runDiagnose,
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}

	runner := command.NewExecRunner()
	w := os.Stdout

	fmt.Fprintf(w, "os:       %s\n", hostDescription())
	fmt.Fprintf(w, "root:     %v\n", os.Geteuid() == 0)
	fmt.Fprintf(w, "backend:  %s\n", cfg.SnapshotBackend)
	fmt.Fprintf(w, "cache:    %s\n", cfg.CacheDir)
	fmt.Fprintln(w)

	printTools(w, runner)
	fmt.Fprintln(w)

	printVolumes(cmd, w, cfg, dir, runner)
	return nil
}

func printTools(w io.Writer, runner command.Runner) {
	fmt.Fprintf(w, "%-12s %s\n", "TOOL", "PATH")
	for _, tool := range diagnoseTools {
		path, err := runner.LookPath(tool)
		if err != nil {
			path = "not found"
		}
		fmt.Fprintf(w, "%-12s %s\n", tool, path)
	}
}

func printVolumes(cmd *cobra.Command, w io.Writer, cfg *config.Config, dir string, runner command.Runner) {
	// the thin backend keeps its devices in the state database
	var repo *db.Repository
	if _, err := os.Stat(cfg.StateDB); err == nil {
		if r, err := db.NewRepository(cfg.StateDB); err == nil {
			repo = r
			defer repo.Close()
		}
	}

	store, err := openStore(cfg, dir, 0, runner, repo)
	if err != nil {
		fmt.Fprintf(w, "volumes:  unavailable (%v)\n", err)
		return
	}
	fmt.Fprintf(w, "project volume: %s\n", store.ID())

	volumes, err := store.Volumes(cmd.Context())
	if err != nil {
		fmt.Fprintf(w, "volumes:  unavailable (%v)\n", err)
		return
	}
	if len(volumes) == 0 {
		fmt.Fprintln(w, "No volumes found")
		return
	}
	fmt.Fprintf(w, "%-18s %-24s %s\n", "VOLUME", "DEVICE", "MOUNTPOINT")
	for _, v := range volumes {
		device := v.Device
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "%-18s %-24s %s\n", v.ID, device, v.Mountpoint)
	}
}
