package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"sitesync/internal/api"
)

// queueTable renders capture records for `queue list`, one row per record in
// the order the daemon returned them.
func queueTable(records []api.CaptureRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Category", "Captured", "Status", "Attempts", "Detail"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Attempts", Align: text.AlignRight},
	})
	for _, record := range records {
		tw.AppendRow(table.Row{
			shortID(record.ClientID),
			record.Category,
			record.CapturedAt.Local().Format("2006-01-02 15:04"),
			record.Status,
			record.AttemptCount,
			describeNext(record),
		})
	}
	return tw.Render()
}
