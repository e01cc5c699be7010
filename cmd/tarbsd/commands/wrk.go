package commands

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
)

var wrkInitCmd = &cobra.Command{
	Use:   "wrk-init <sizeG>",
	Short: "Create the working volume of the project",
	Long: `Creates the copy-on-write volume mounted at <dir>/wrk/root. The size is in
gigabytes, with or without a trailing G.`,
	Args: cobra.ExactArgs(1),
	RunE: runWrkInit,
}

var wrkDestroyCmd = &cobra.Command{
	Use:   "wrk-destroy",
	Short: "Destroy the working volume and every cached snapshot",
	Args:  cobra.NoArgs,
	RunE:  runWrkDestroy,
}

func init() {
	rootCmd.AddCommand(wrkInitCmd)
	rootCmd.AddCommand(wrkDestroyCmd)
}

func parseSize(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.ToUpper(s), "G"))
	if err != nil || n <= 0 {
		return 0, errors.Configf("size", s, "must be a positive number of gigabytes")
	}
	return n, nil
}

func runWrkInit(cmd *cobra.Command, args []string) error {
	size, err := parseSize(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := openStore(cfg, dir, size, command.NewExecRunner(), repo)
	if err != nil {
		return err
	}
	created, err := store.Ensure(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to create working volume")
	}
	if !created {
		fmt.Printf("%s exists already\n", store.ID())
		return nil
	}
	slog.Info("volume_created", "volume", store.ID(), "size_gb", size, "backend", cfg.SnapshotBackend)
	fmt.Printf("%s created, mounted at %s\n", store.ID(), store.Root())
	return nil
}

func runWrkDestroy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := openStore(cfg, dir, 0, command.NewExecRunner(), repo)
	if err != nil {
		return err
	}
	if err := store.Destroy(cmd.Context()); err != nil {
		return errors.Wrap(err, "failed to destroy working volume")
	}
	fmt.Printf("%s destroyed\n", store.ID())
	return nil
}
