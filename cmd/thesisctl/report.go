package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"thesis/api/internal/bootstrap"
	"thesis/api/internal/export"
)

var (
	reportResearch string
	reportFormat   string
	reportOut      string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a research project's progress report to a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
			result, err := rt.Service.ExportProgressReport(cmd.Context(), reportResearch, reportFormat)
			if errors.Is(err, export.ErrPDFDependencyMissing) && result != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "chrome not found, writing HTML instead")
			} else if err != nil {
				return err
			}
			path := reportOut
			if path == "" {
				path = result.Filename
			}
			if err := os.WriteFile(path, result.Data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", path, result.MimeType)
			return nil
		})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportResearch, "research", "", "research project id")
	reportCmd.Flags().StringVar(&reportFormat, "format", "pdf", "pdf or html")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output path (defaults to the generated filename)")
	_ = reportCmd.MarkFlagRequired("research")
	rootCmd.AddCommand(reportCmd)
}
