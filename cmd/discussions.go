package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var discussionsCmd = &cobra.Command{
	Use:   "discussions",
	Short: "Maintain companion discussion data",
}

var discussionsBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch replies for stored records that have none",
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		tag, err := parseSource(src)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, envOptions{Source: tag})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.BackfillDiscussions(ctx, tag, limit)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	},
}

func init() {
	discussionsBackfillCmd.Flags().String("source", "linuxdo", "source to backfill (linuxdo, reddit)")
	discussionsBackfillCmd.Flags().Int("limit", 100, "max records to check")

	discussionsCmd.AddCommand(discussionsBackfillCmd)
	rootCmd.AddCommand(discussionsCmd)
}
