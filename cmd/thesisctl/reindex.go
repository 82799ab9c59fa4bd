package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"thesis/api/internal/bootstrap"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every submission to Meilisearch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
			if !rt.Service.SearchHealthy() {
				return fmt.Errorf("meilisearch is not configured or not healthy (MEILI_URL)")
			}
			sent, err := rt.Service.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d submissions\n", sent)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
