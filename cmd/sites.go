package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// newSitesCmd creates the 'sites' subcommand, which prints the site ledger.
func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Show per-site health and relevance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Origin", "Relevance", "OK", "Failed", "Streak", "Robots", "Last visited"})
			for _, site := range appInstance.Sites() {
				t.AppendRow(table.Row{
					site.Origin,
					site.Relevance,
					site.SuccessCount,
					site.FailCount,
					site.ConsecutiveFailures,
					dash(string(site.Robots.Verdict)),
					formatVisited(site.LastVisited),
				})
			}
			t.Render()
			return nil
		},
	}
}

func formatVisited(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
