package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitesync/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, connectivity, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.DaemonStatus
			if err := ctx.getJSON(cmd.Context(), "/api/status", &status); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}

			out := cmd.OutOrStdout()
			colorize := colorTerminal(out)

			lines := []string{sectionTitle("Daemon", colorize)}

			runningTone := toneBad
			if status.Running {
				runningTone = toneGood
			}
			lines = append(lines, fieldLine("Running", yesNo(status.Running), runningTone, colorize))
			lines = append(lines, fieldLine("Connectivity", describeLink(status), linkTone(status.Online), colorize))
			lines = append(lines, fieldLine("In-flight uploads", fmt.Sprintf("%d", status.InFlightAttempts), toneNeutral, colorize))
			lines = append(lines, "")

			queue := status.Queue
			lines = append(lines, sectionTitle("Queue", colorize))
			lines = append(lines, fieldLine("Pending", fmt.Sprintf("%d", queue.Pending), toneNeutral, colorize))
			lines = append(lines, fieldLine("In flight", fmt.Sprintf("%d", queue.InFlight), toneNeutral, colorize))
			lines = append(lines, fieldLine("Succeeded", fmt.Sprintf("%d", queue.Succeeded), toneGood, colorize))
			lines = append(lines, fieldLine("Awaiting retry", fmt.Sprintf("%d", queue.FailedRetryable), countTone(queue.FailedRetryable, toneCaution), colorize))
			lines = append(lines, fieldLine("Needs attention", fmt.Sprintf("%d", queue.FailedTerminal), countTone(queue.FailedTerminal, toneBad), colorize))
			if queue.Quarantined > 0 {
				lines = append(lines, fieldLine("Quarantined", fmt.Sprintf("%d", queue.Quarantined), toneBad, colorize))
			}
			if queue.OldestPendingAt != nil {
				age := time.Since(*queue.OldestPendingAt).Round(time.Minute)
				lines = append(lines, fieldLine("Oldest pending", age.String(), toneNeutral, colorize))
			}

			fmt.Fprintln(out, strings.Join(lines, "\n"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit status as JSON")
	return cmd
}

func describeLink(status api.DaemonStatus) string {
	state := "offline"
	if status.Online {
		state = "online"
	}
	if status.LastLinkChange != nil {
		return fmt.Sprintf("%s (since %s)", state, status.LastLinkChange.Local().Format(time.RFC822))
	}
	return state
}

func linkTone(online bool) tone {
	if online {
		return toneGood
	}
	return toneCaution
}

// countTone keeps zero counts neutral so only real trouble draws the eye.
func countTone(count int, whenNonZero tone) tone {
	if count > 0 {
		return whenNonZero
	}
	return toneNeutral
}
