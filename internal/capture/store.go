package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sitesync/internal/config"
	"sitesync/internal/logging"
)

// Store manages capture persistence backed by SQLite plus a payload spool
// directory holding the image bytes.
type Store struct {
	db       *sql.DB
	path     string
	spoolDir string
	logger   *slog.Logger
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the capture database.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "captures.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:       db,
		path:     dbPath,
		spoolDir: cfg.Paths.SpoolDir,
		logger:   logging.NewComponentLogger(logger, "capture-store"),
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// GetByClientID fetches a capture record by identifier.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM capture_records WHERE client_id = ?`, clientID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// List returns records filtered by status set (or all records when no status
// is provided) ordered by capture time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + recordColumns + ` FROM capture_records`
	orderClause := ` ORDER BY captured_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list capture records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// NextEligible returns the oldest record the coordinator may attempt now:
// pending, or failed_retryable whose backoff gate has elapsed. Rows that fail
// to parse are quarantined and skipped rather than aborting the scheduler.
func (s *Store) NextEligible(ctx context.Context, now time.Time) (*Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+recordColumns+` FROM capture_records
         WHERE quarantined = 0
           AND (status = ? OR (status = ? AND next_eligible_at IS NOT NULL AND next_eligible_at <= ?))
         ORDER BY captured_at LIMIT 10`,
		StatusPending,
		StatusFailedRetryable,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr == nil {
			return record, rows.Err()
		}
		var bad badRowError
		if errors.As(scanErr, &bad) {
			s.quarantineRow(ctx, bad)
			continue
		}
		return nil, scanErr
	}
	return nil, rows.Err()
}

// NextRetryWakeAt returns the earliest future backoff deadline among
// failed_retryable records, or nil when none is scheduled.
func (s *Store) NextRetryWakeAt(ctx context.Context, now time.Time) (*time.Time, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT MIN(next_eligible_at) FROM capture_records
         WHERE status = ? AND quarantined = 0 AND next_eligible_at > ?`,
		StatusFailedRetryable,
		formatTime(now),
	)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("query next retry wake: %w", err)
	}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	at, err := parseTimeString(raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse next retry wake: %w", err)
	}
	return &at, nil
}

// Summary aggregates per-status counts plus the oldest unresolved capture time.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, quarantined, COUNT(1) FROM capture_records GROUP BY status, quarantined`)
	if err != nil {
		return Summary{}, fmt.Errorf("summary counts: %w", err)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var (
			status      Status
			quarantined int
			count       int
		)
		if err := rows.Scan(&status, &quarantined, &count); err != nil {
			return Summary{}, err
		}
		if quarantined != 0 {
			summary.Quarantined += count
			continue
		}
		switch status {
		case StatusPending:
			summary.Pending += count
		case StatusInFlight:
			summary.InFlight += count
		case StatusSucceeded:
			summary.Succeeded += count
		case StatusFailedRetryable:
			summary.FailedRetryable += count
		case StatusFailedTerminal:
			summary.FailedTerminal += count
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT MIN(captured_at) FROM capture_records
         WHERE quarantined = 0 AND status IN (?, ?, ?)`,
		StatusPending, StatusInFlight, StatusFailedRetryable)
	var oldest sql.NullString
	if err := row.Scan(&oldest); err != nil {
		return Summary{}, fmt.Errorf("summary oldest: %w", err)
	}
	if oldest.Valid && strings.TrimSpace(oldest.String) != "" {
		if at, err := parseTimeString(oldest.String); err == nil {
			summary.OldestPendingAt = &at
		}
	}
	return summary, nil
}

const recordColumns = "client_id, category, captured_at, latitude, longitude, payload_ref, payload_sha256, status, attempt_count, next_eligible_at, server_ref, last_error, quarantined, created_at, updated_at"

// badRowError carries enough identity to quarantine an unparsable row.
type badRowError struct {
	clientID string
	cause    error
}

func (e badRowError) Error() string {
	return fmt.Sprintf("unparsable capture record %s: %v", e.clientID, e.cause)
}

func (e badRowError) Unwrap() error { return e.cause }

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		clientID    string
		categoryRaw string
		capturedRaw string
		latitude    sql.NullFloat64
		longitude   sql.NullFloat64
		payloadRef  string
		payloadSHA  string
		statusRaw   string
		attempts    int
		eligibleRaw sql.NullString
		serverRef   sql.NullString
		lastError   sql.NullString
		quarantined sql.NullInt64
		createdRaw  string
		updatedRaw  string
	)

	if err := scanner.Scan(
		&clientID,
		&categoryRaw,
		&capturedRaw,
		&latitude,
		&longitude,
		&payloadRef,
		&payloadSHA,
		&statusRaw,
		&attempts,
		&eligibleRaw,
		&serverRef,
		&lastError,
		&quarantined,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	status, ok := ParseStatus(statusRaw)
	if !ok {
		return nil, badRowError{clientID: clientID, cause: fmt.Errorf("unknown status %q", statusRaw)}
	}
	category, ok := ParseCategory(categoryRaw)
	if !ok {
		return nil, badRowError{clientID: clientID, cause: fmt.Errorf("unknown category %q", categoryRaw)}
	}
	capturedAt, err := parseTimeString(capturedRaw)
	if err != nil {
		return nil, badRowError{clientID: clientID, cause: fmt.Errorf("captured_at: %w", err)}
	}

	record := &Record{
		ClientID:      clientID,
		Category:      category,
		CapturedAt:    capturedAt,
		PayloadRef:    payloadRef,
		PayloadSHA256: payloadSHA,
		Status:        status,
		AttemptCount:  attempts,
		ServerRef:     serverRef.String,
		LastError:     lastError.String,
	}
	if latitude.Valid && longitude.Valid {
		record.Geolocation = &Geolocation{Latitude: latitude.Float64, Longitude: longitude.Float64}
	}
	if quarantined.Valid {
		record.Quarantined = quarantined.Int64 != 0
	}
	if eligibleRaw.Valid {
		if at, err := parseTimeString(eligibleRaw.String); err == nil {
			record.NextEligibleAt = &at
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

func (s *Store) quarantineRow(ctx context.Context, bad badRowError) {
	logger := s.logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Warn("quarantining unparsable capture record",
		logging.String(logging.FieldClientID, bad.clientID),
		logging.Error(bad.cause),
		logging.String(logging.FieldEventType, "record_quarantined"),
		logging.String(logging.FieldErrorHint, "inspect the row with 'sitesync queue show'"),
	)
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE capture_records SET quarantined = 1, updated_at = ? WHERE client_id = ?`,
		formatTime(time.Now()),
		bad.clientID,
	); err != nil {
		logger.Error("failed to quarantine record", logging.Error(err))
	}
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// storedTimeLayout is RFC 3339 with a fixed-width nanosecond fraction. The
// TEXT timestamp columns are compared as strings in SQL, so every stored
// value must format to the same width.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(value time.Time) string {
	return value.UTC().Format(storedTimeLayout)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
