package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitesync/internal/api"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the capture queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRequeueCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capture records",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/queue"
			if len(statuses) > 0 {
				values := url.Values{}
				for _, status := range statuses {
					values.Add("status", status)
				}
				path += "?" + values.Encode()
			}

			var list api.QueueListResponse
			if err := ctx.getJSON(cmd.Context(), path, &list); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			if len(list.Records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), queueTable(list.Records))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit records as JSON")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <client-id>",
		Short: "Show one capture record in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record api.RecordResponse
			if err := ctx.getJSON(cmd.Context(), "/api/queue/"+url.PathEscape(args[0]), &record); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), record)
			}

			out := cmd.OutOrStdout()
			r := record.Record
			fmt.Fprintf(out, "Client ID:    %s\n", r.ClientID)
			fmt.Fprintf(out, "Category:     %s\n", r.Category)
			fmt.Fprintf(out, "Captured at:  %s\n", r.CapturedAt.Local().Format(time.RFC1123))
			if r.Latitude != nil && r.Longitude != nil {
				fmt.Fprintf(out, "Location:     %.6f, %.6f\n", *r.Latitude, *r.Longitude)
			}
			fmt.Fprintf(out, "Status:       %s\n", r.Status)
			fmt.Fprintf(out, "Attempts:     %d\n", r.AttemptCount)
			if r.NextEligibleAt != nil {
				fmt.Fprintf(out, "Next attempt: %s\n", r.NextEligibleAt.Local().Format(time.RFC1123))
			}
			if r.ServerRef != "" {
				fmt.Fprintf(out, "Server ref:   %s\n", r.ServerRef)
			}
			if r.LastError != "" {
				fmt.Fprintf(out, "Last error:   %s\n", r.LastError)
			}
			if r.Quarantined {
				fmt.Fprintln(out, "Quarantined:  yes (payload failed its integrity check)")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit record as JSON")
	return cmd
}

func newQueueRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <client-id>",
		Short: "Requeue a terminally failed capture as a fresh record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var record api.RecordResponse
			path := "/api/queue/" + url.PathEscape(args[0]) + "/requeue"
			if err := ctx.postJSON(cmd.Context(), path, &record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued as %s\n", record.Record.ClientID)
			return nil
		},
	}
}

func shortID(clientID string) string {
	if len(clientID) <= 8 {
		return clientID
	}
	return clientID[:8]
}

func describeNext(record api.CaptureRecord) string {
	switch record.Status {
	case "failed_retryable":
		if record.NextEligibleAt != nil {
			wait := time.Until(*record.NextEligibleAt).Round(time.Second)
			if wait > 0 {
				return "retry in " + wait.String()
			}
			return "retry due"
		}
	case "failed_terminal":
		return strings.TrimSpace(record.LastError)
	case "succeeded":
		return record.ServerRef
	}
	if record.Quarantined {
		return "quarantined"
	}
	return ""
}
