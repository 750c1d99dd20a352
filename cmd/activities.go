package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/extractor"
)

// newActivitiesCmd creates the 'activities' subcommand, which lists stored
// activity records.
func newActivitiesCmd() *cobra.Command {
	var (
		postcode string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "List stored activities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := ""
			if postcode != "" {
				pc, ok := extractor.CanonicalPostcode(postcode)
				if !ok {
					return fmt.Errorf("invalid postcode %q", postcode)
				}
				filter = pc
			}
			records, err := appInstance.Store().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list activities: %w", err)
			}
			if filter != "" {
				kept := records[:0]
				for _, rec := range records {
					if rec.Postcode == filter {
						kept = append(kept, rec)
					}
				}
				records = kept
			}
			if asJSON {
				return writeActivitiesJSON(cmd.OutOrStdout(), records)
			}
			writeActivitiesTable(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&postcode, "postcode", "", "only list activities at this postcode")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

type activityRow struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Postcode    string    `json:"postcode"`
	SourceURL   string    `json:"source_url"`
	AgeRange    string    `json:"age_range,omitempty"`
	Price       string    `json:"price,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

func newActivityRow(rec crawler.ActivityRecord) activityRow {
	return activityRow{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		Postcode:    rec.Postcode,
		SourceURL:   rec.SourceURL,
		AgeRange:    rec.AgeRange.Text,
		Price:       rec.Price.Text,
		FirstSeen:   rec.FirstSeen,
		LastSeen:    rec.LastSeen,
	}
}

func writeActivitiesJSON(w io.Writer, records []crawler.ActivityRecord) error {
	rows := make([]activityRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, newActivityRow(rec))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("write activities: %w", err)
	}
	return nil
}

func writeActivitiesTable(w io.Writer, records []crawler.ActivityRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Title", "Postcode", "Ages", "Price", "Source"})
	for _, rec := range records {
		row := newActivityRow(rec)
		t.AppendRow(table.Row{truncate(row.Title, 48), row.Postcode, dash(row.AgeRange), dash(row.Price), row.SourceURL})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(records)})
	t.Render()
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
