package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/model"
)

var runSource string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for a source",
	Long:  "Bootstraps a session, extracts records, fetches discussions, annotates and persists. Exits non-zero when bootstrap fails or nothing was extracted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tag, err := parseSource(runSource)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, envOptions{Source: tag, WithLLM: true})
		if err != nil {
			return err
		}
		defer env.Close()

		summary, runErr := env.Pipeline.Run(ctx, tag)
		if summary != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return eris.Wrap(err, "encode summary")
			}
		}
		return exitStatus(summary, runErr)
	},
}

// errEmptyRun signals a run that extracted nothing.
var errEmptyRun = errors.New("no records extracted")

// exitStatus maps a run outcome to the command's error: failures and empty
// runs are errors, partial runs only warn.
func exitStatus(summary *model.RunSummary, runErr error) error {
	if runErr != nil {
		return eris.Wrap(runErr, "run failed")
	}
	if summary == nil {
		return eris.New("run produced no summary")
	}
	switch summary.Status {
	case model.RunStatusEmpty:
		return errEmptyRun
	case model.RunStatusFailed:
		return eris.Errorf("run failed: %s", summary.Error)
	case model.RunStatusPartial:
		zap.L().Warn("run completed partially",
			zap.String("run_id", summary.ID),
			zap.Int("records", summary.RecordCount),
			zap.Int("persisted", summary.PersistedCount),
			zap.Bool("cancelled", summary.Cancelled),
		)
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "source to run (linuxdo, reddit, heybox)")
	rootCmd.AddCommand(runCmd)
}
