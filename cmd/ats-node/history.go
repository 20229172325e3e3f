package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/PicoPiece/ats-ats-node/internal/config"
	"github.com/PicoPiece/ats-ats-node/internal/results"
	"github.com/PicoPiece/ats-ats-node/internal/store"
	"github.com/PicoPiece/ats-ats-node/internal/ui"
)

func newHistoryCmd() *cobra.Command {
	var (
		resultsDir string
		workspace  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show runs recorded on this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(workspace)
			if workspace != "" {
				cfg.WorkspaceRoot = workspace
			}
			if resultsDir != "" {
				cfg.ResultsDir = resultsDir
			}
			if err := cfg.Finalize(); err != nil {
				return err
			}

			runs, err := store.New(filepath.Join(cfg.ResultsDir, ".history")).Runs()
			if err != nil {
				return fmt.Errorf("reading run history: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stdout, ui.DimStyle.Render("no recorded runs"))
				return nil
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[len(runs)-limit:]
			}

			for _, r := range runs {
				verdict := ui.SuccessStyle.Render("PASS")
				if r.Verdict != results.VerdictPass {
					verdict = ui.ErrorStyle.Render("FAIL")
					if r.FailedStage != "" {
						verdict += ui.DimStyle.Render(" (" + r.FailedStage + ")")
					}
				}
				fmt.Fprintf(os.Stdout, "%s  %s  %-14s %-12s build %-6s %s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"),
					verdict,
					r.DeviceTarget,
					r.Port,
					r.BuildNumber,
					ui.DimStyle.Render(r.RunID))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resultsDir, "results-dir", "r", "", "directory holding result artifacts")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default current directory)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the most recent N runs")
	return cmd
}
