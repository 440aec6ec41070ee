// Package api exposes the daemon's HTTP surface: capture intake, queue
// inspection, requeue of terminal records, status, and manual sync triggers.
// The server binds to loopback by default; the CLI is its primary consumer.
package api
