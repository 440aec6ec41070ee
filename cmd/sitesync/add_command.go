package main

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sitesync/internal/api"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var category string
	var capturedAt string
	var latitude string
	var longitude string

	cmd := &cobra.Command{
		Use:   "add <photo-file>",
		Short: "Capture a photo into the durable queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(args[0])
			payload, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read photo file: %w", err)
			}

			when := time.Now().UTC()
			if trimmed := strings.TrimSpace(capturedAt); trimmed != "" {
				parsed, err := time.Parse(time.RFC3339, trimmed)
				if err != nil {
					return fmt.Errorf("--captured-at must be RFC 3339: %w", err)
				}
				when = parsed.UTC()
			}

			if (latitude == "") != (longitude == "") {
				return fmt.Errorf("--lat and --lon must be supplied together")
			}
			if latitude != "" {
				if _, err := strconv.ParseFloat(latitude, 64); err != nil {
					return fmt.Errorf("invalid --lat: %w", err)
				}
				if _, err := strconv.ParseFloat(longitude, 64); err != nil {
					return fmt.Errorf("invalid --lon: %w", err)
				}
			}

			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			fields := map[string]string{
				"category":    category,
				"captured_at": when.Format(time.RFC3339),
			}
			if latitude != "" {
				fields["latitude"] = latitude
				fields["longitude"] = longitude
			}
			for key, value := range fields {
				if err := writer.WriteField(key, value); err != nil {
					return fmt.Errorf("encode form: %w", err)
				}
			}
			part, err := writer.CreateFormFile("photo", filepath.Base(path))
			if err != nil {
				return fmt.Errorf("encode form: %w", err)
			}
			if _, err := part.Write(payload); err != nil {
				return fmt.Errorf("encode form: %w", err)
			}
			if err := writer.Close(); err != nil {
				return fmt.Errorf("encode form: %w", err)
			}

			var record api.RecordResponse
			if err := ctx.postMultipart(cmd.Context(), "/api/captures", writer.FormDataContentType(), body, &record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s, %d bytes)\n",
				record.Record.ClientID, record.Record.Category, len(payload))
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "during", "Capture category: before, during, after, detail")
	cmd.Flags().StringVar(&capturedAt, "captured-at", "", "Capture timestamp (RFC 3339, default now)")
	cmd.Flags().StringVar(&latitude, "lat", "", "Capture latitude")
	cmd.Flags().StringVar(&longitude, "lon", "", "Capture longitude")
	return cmd
}
