package commands

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
	"github.com/tarbsd/builder/internal/config"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/compress"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/feature"
	"github.com/tarbsd/builder/pkg/pipeline"
	"github.com/tarbsd/builder/pkg/progress"
	"github.com/tarbsd/builder/pkg/release"
	"github.com/tarbsd/builder/pkg/security"
	"golang.org/x/term"
)

// pkgKeysDir holds the pkg(8) signing keys of the build host.
const pkgKeysDir = "/usr/share/keys/pkg"

var (
	buildDistFiles string
	buildRelease   string
	buildQuick     bool
	buildFormats   []string
	buildVerbose   bool
	buildJournal   bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build wrk/tarbsd.img from the project directory",
	Long: `Builds the image. The base system comes from kernel.txz and base.txz
(--distfiles, or searched in /mnt, /media and /cdrom) or, with a release
descriptor such as 14.2-RELEASE or 15-LATEST, from pkgbase.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVar(&buildDistFiles, "distfiles", "", "Directory holding kernel.txz and base.txz")
	buildCmd.Flags().StringVar(&buildRelease, "release", "", "pkgbase release, overrides tarbsd.yml")
	buildCmd.Flags().BoolVar(&buildQuick, "quick", false, "Skip high-ratio compression for a faster build")
	buildCmd.Flags().StringSliceVar(&buildFormats, "formats", []string{pipeline.FormatRaw}, "Output image formats")
	buildCmd.Flags().BoolVarP(&buildVerbose, "verbose", "v", false, "Show the output of external tools")
	buildCmd.Flags().BoolVar(&buildJournal, "journal", false, "Journal stage transitions with the FSM manager")
	buildCmd.Flags().Int("history-keep", 10, "Build history rows to keep")

	viper.BindPFlag("history-keep", buildCmd.Flags().Lookup("history-keep"))
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}

	project, err := config.LoadProject(dir)
	if err != nil {
		return err
	}
	if buildRelease != "" {
		rel, err := release.Parse(buildRelease)
		if err != nil {
			return err
		}
		project.Release = &rel
	}
	features, err := feature.NewEngine(project.FeatureConfig())
	if err != nil {
		return err
	}

	runner := command.NewExecRunner()
	if err := pipeline.ValidateFormats(buildFormats, runner); err != nil {
		return err
	}

	installer, err := newInstaller(cfg, project, runner)
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg, buildJournal); err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := openStore(cfg, dir, 0, runner, repo)
	if err != nil {
		return err
	}

	cache, err := openCompressStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	var verbose io.Writer
	if buildVerbose {
		verbose = os.Stdout
	}
	console := progress.NewConsole(os.Stdout, verbose, term.IsTerminal(int(os.Stdout.Fd())))
	compressor := compress.NewCompressor(cache, compress.NewZopfli(runner, console), compress.Gzip{})

	var manager *fsm.Manager
	if buildJournal {
		manager, err = fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)
	}

	orchestrator, err := pipeline.New(ctx, pipeline.Options{
		Dir:       dir,
		Store:     store,
		Installer: installer,
		Features:  features,
		Assembler: pipeline.NewMFSAssembler(runner, compressor),
		Runner:    runner,
		Sink:      console,
		Credentials: pipeline.Credentials{
			PasswordHash: project.RootPasswordHash,
			SSHKey:       project.RootSSHKey,
		},
		Backup:      project.Backup,
		Formats:     buildFormats,
		Quick:       buildQuick,
		Repo:        repo,
		HistoryKeep: cfg.HistoryKeep,
		Manager:     manager,
	})
	if err != nil {
		return err
	}

	resp, err := orchestrator.Build(ctx)
	if err != nil {
		return err
	}
	slog.Info("build_completed", "image", resp.ImagePath, "size", resp.ImageSize, "outputs", resp.Outputs)
	return nil
}

func newInstaller(cfg *config.Config, project *config.Project, runner command.Runner) (pipeline.Installer, error) {
	if project.Release != nil {
		prober := release.NewProber(&http.Client{Timeout: cfg.HTTPTimeout})
		return pipeline.NewPkgbaseInstaller(*project.Release, prober, runner, pipeline.DefaultMounter(runner), pkgKeysDir), nil
	}

	dist, err := release.LocateDistFiles(buildDistFiles, release.DefaultSearchRoots)
	if err != nil {
		return nil, err
	}
	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio)
	return pipeline.NewTarballInstaller(dist, validator, release.NewUpdater(runner)), nil
}
