package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tarbsd/builder/internal/config"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/compress"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/snapshot"
	"github.com/tarbsd/builder/pkg/storage"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, &errors.ConfigurationError{Reason: err.Error()}
	}
	return cfg, nil
}

// ensureDirectories creates the state and cache directories
func ensureDirectories(cfg *config.Config, withJournal bool) error {
	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM journal is only opened by build
	if withJournal {
		if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	return nil
}

// projectDir resolves --dir to an absolute path.
func projectDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve project directory")
	}
	return abs, nil
}

func wrkDir(dir string) string {
	return filepath.Join(dir, "wrk")
}

func openRepository(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg, false); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.StateDB)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// openStore opens the snapshot store of dir. sizeGB <= 0 uses the
// configured volume size.
func openStore(cfg *config.Config, dir string, sizeGB int, runner command.Runner, repo *db.Repository) (snapshot.Store, error) {
	if sizeGB <= 0 {
		sizeGB = cfg.VolumeSize
	}
	return snapshot.New(wrkDir(dir), snapshot.Options{
		Backend:  cfg.SnapshotBackend,
		SizeGB:   sizeGB,
		Runner:   runner,
		ThinPool: cfg.ThinPool,
		Repo:     repo,
	})
}

// openCompressStore opens the shared compression cache, mirrored to S3
// when a bucket is configured.
func openCompressStore(ctx context.Context, cfg *config.Config) (*compress.LocalStore, error) {
	opts := []compress.StoreOption{compress.WithTTL(cfg.CompressTTL)}
	if cfg.MirrorEnabled() {
		client, err := storage.NewClient(ctx, storage.Options{
			Bucket:   cfg.MirrorBucket,
			Region:   cfg.MirrorRegion,
			Endpoint: cfg.MirrorEndpoint,
		})
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		opts = append(opts, compress.WithMirror(compress.NewS3Mirror(client, cfg.MirrorPrefix)))
	}
	return compress.OpenLocalStore(filepath.Join(cfg.CacheDir, "compress"), opts...)
}
