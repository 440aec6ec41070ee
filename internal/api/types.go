package api

import (
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/engine"
)

// CaptureRecord is the wire representation of a queue record.
type CaptureRecord struct {
	ClientID       string     `json:"client_id"`
	Category       string     `json:"category"`
	CapturedAt     time.Time  `json:"captured_at"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	ServerRef      string     `json:"server_ref,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Quarantined    bool       `json:"quarantined,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FromRecord converts a store record into its wire form.
func FromRecord(record *capture.Record) CaptureRecord {
	out := CaptureRecord{
		ClientID:       record.ClientID,
		Category:       string(record.Category),
		CapturedAt:     record.CapturedAt,
		Status:         string(record.Status),
		AttemptCount:   record.AttemptCount,
		NextEligibleAt: record.NextEligibleAt,
		ServerRef:      record.ServerRef,
		LastError:      record.LastError,
		Quarantined:    record.Quarantined,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	if record.Geolocation != nil {
		lat, lon := record.Geolocation.Latitude, record.Geolocation.Longitude
		out.Latitude = &lat
		out.Longitude = &lon
	}
	return out
}

// FromRecords converts a slice of store records.
func FromRecords(records []*capture.Record) []CaptureRecord {
	out := make([]CaptureRecord, 0, len(records))
	for _, record := range records {
		out = append(out, FromRecord(record))
	}
	return out
}

// QueueSummary mirrors capture.Summary on the wire.
type QueueSummary struct {
	Pending         int        `json:"pending"`
	InFlight        int        `json:"in_flight"`
	Succeeded       int        `json:"succeeded"`
	FailedRetryable int        `json:"failed_retryable"`
	FailedTerminal  int        `json:"failed_terminal"`
	Quarantined     int        `json:"quarantined"`
	Total           int        `json:"total"`
	Unresolved      int        `json:"unresolved"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// DaemonStatus is the response body for GET /api/status.
type DaemonStatus struct {
	Running          bool         `json:"running"`
	Online           bool         `json:"online"`
	LastLinkChange   *time.Time   `json:"last_link_change,omitempty"`
	InFlightAttempts int          `json:"in_flight_attempts"`
	Queue            QueueSummary `json:"queue"`
	QueueDBPath      string       `json:"queue_db_path"`
	LockFilePath     string       `json:"lock_file_path"`
}

// FromSnapshot converts an engine snapshot into its wire form.
func FromSnapshot(snapshot engine.Snapshot) DaemonStatus {
	status := DaemonStatus{
		Running:          snapshot.Running,
		Online:           snapshot.Online,
		InFlightAttempts: snapshot.InFlight,
		Queue: QueueSummary{
			Pending:         snapshot.Queue.Pending,
			InFlight:        snapshot.Queue.InFlight,
			Succeeded:       snapshot.Queue.Succeeded,
			FailedRetryable: snapshot.Queue.FailedRetryable,
			FailedTerminal:  snapshot.Queue.FailedTerminal,
			Quarantined:     snapshot.Queue.Quarantined,
			Total:           snapshot.Queue.Total(),
			Unresolved:      snapshot.Queue.Unresolved(),
			OldestPendingAt: snapshot.Queue.OldestPendingAt,
		},
		QueueDBPath:  snapshot.QueueDBPath,
		LockFilePath: snapshot.LockFilePath,
	}
	if !snapshot.LastChange.IsZero() {
		change := snapshot.LastChange
		status.LastLinkChange = &change
	}
	return status
}

// QueueListResponse is the response body for GET /api/queue.
type QueueListResponse struct {
	Records []CaptureRecord `json:"records"`
}

// RecordResponse wraps a single record.
type RecordResponse struct {
	Record CaptureRecord `json:"record"`
}

// SyncResponse acknowledges a manual sync trigger.
type SyncResponse struct {
	Triggered bool `json:"triggered"`
	Online    bool `json:"online"`
}

// PruneResponse reports how many resolved records were removed.
type PruneResponse struct {
	Pruned int64 `json:"pruned"`
}

// NotifyTestResponse reports the outcome of a test notification.
type NotifyTestResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
