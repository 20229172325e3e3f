package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/config"
	"github.com/PicoPiece/ats-ats-node/internal/executor"
	"github.com/PicoPiece/ats-ats-node/internal/flash"
	"github.com/PicoPiece/ats-ats-node/internal/hardware"
	"github.com/PicoPiece/ats-ats-node/internal/proc"
	"github.com/PicoPiece/ats-ats-node/internal/results"
	"github.com/PicoPiece/ats-ats-node/internal/runner"
	"github.com/PicoPiece/ats-ats-node/internal/store"
	"github.com/PicoPiece/ats-ats-node/internal/ui"
)

func newRunCmd() *cobra.Command {
	var (
		manifestPath string
		resultsDir   string
		workspace    string
		nodeID       string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the test job described by the manifest",
		Long: `Run validates the manifest, resolves the attached device, flashes
the firmware artifact with verification and invokes the test runner.
The exit code reports the outcome: 0 pass, 1 tests failed, 2 manifest
rejected, 3 hardware unavailable, 4 flash failed, 5 runner could not
be launched, 6 internal error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(workspace)
			if workspace != "" {
				cfg.WorkspaceRoot = workspace
			}
			if manifestPath != "" {
				cfg.ManifestPath = manifestPath
			}
			if resultsDir != "" {
				cfg.ResultsDir = resultsDir
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			cfg.Verbose = cfg.Verbose || verbose
			if err := cfg.Finalize(); err != nil {
				return err
			}

			log, err := newLogger(cfg.Verbose)
			if err != nil {
				return err
			}

			code := buildExecutor(cfg, log).Run(cmd.Context())
			log.Sync()
			os.Exit(code)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to the job manifest (default \""+config.DefaultManifestName+"\" in the workspace)")
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "r", "", "directory for result artifacts (default \""+config.DefaultResultsDir+"\" in the workspace)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default current directory)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identity recorded in results (default hostname)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func buildExecutor(cfg config.Config, log *zap.Logger) *executor.Executor {
	opener := hardware.SerialOpener{}
	return executor.New(
		cfg,
		log,
		hardware.NewDiscoverer(hardware.SerialEnumerator{}, log),
		flash.New(opener, log).WithProgress(os.Stdout),
		runner.NewInvoker(proc.ExecLauncher{Log: log}, opener, log),
		results.NewWriter(cfg.ResultsDir, log),
		store.New(filepath.Join(cfg.ResultsDir, ".history")),
		ui.NewReporter(os.Stdout),
		version,
	)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
