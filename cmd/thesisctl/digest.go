package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"thesis/api/internal/bootstrap"
	"thesis/api/internal/domain"
	"thesis/api/internal/notify"
)

var (
	digestResearch string
	digestTo       []string
	digestDryRun   bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Mail the deadline digest of one or all research projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
			ctx := cmd.Context()
			var projects []domain.Research
			if digestResearch == "all" {
				all, err := rt.Service.ListResearch(ctx)
				if err != nil {
					return err
				}
				projects = all
			} else {
				research, err := rt.Service.GetResearch(ctx, digestResearch)
				if err != nil {
					return err
				}
				projects = []domain.Research{research}
			}

			cfg := rt.Config
			mailer := notify.NewMailer(notify.Config{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
			})
			out := cmd.OutOrStdout()
			for _, research := range projects {
				snapshot, err := rt.Service.GetProgress(ctx, research.ID)
				if err != nil {
					return err
				}
				digest := notify.Digest{ResearchTitle: research.Title, Snapshot: snapshot}
				if digestDryRun {
					fmt.Fprintf(out, "%s: %s (%d notifications)\n", research.ID, digest.Subject(), len(snapshot.Notifications))
					continue
				}
				if err := mailer.SendDigest(digestTo, digest); err != nil {
					return fmt.Errorf("digest for %s: %w", research.ID, err)
				}
				fmt.Fprintf(out, "%s: sent %d notifications\n", research.ID, len(snapshot.Notifications))
			}
			return nil
		})
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestResearch, "research", "", `research project id, or "all"`)
	digestCmd.Flags().StringSliceVar(&digestTo, "to", nil, "recipient e-mail address (repeatable)")
	digestCmd.Flags().BoolVar(&digestDryRun, "dry-run", false, "print subjects instead of sending")
	_ = digestCmd.MarkFlagRequired("research")
	rootCmd.AddCommand(digestCmd)
}
