package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var diagnoseSource string

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check whether an authenticated session sees personalized content",
	Long:  "Bootstraps an authenticated session and compares its feed with an anonymous baseline. The result is informational only.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tag, err := parseSource(diagnoseSource)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initPipeline(ctx, envOptions{Source: tag, Personalization: true})
		if err != nil {
			return err
		}
		defer env.Close()

		diag, err := env.Pipeline.Diagnose(ctx, tag)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(diag)
	},
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseSource, "source", "heybox", "source to diagnose")
	rootCmd.AddCommand(diagnoseCmd)
}
