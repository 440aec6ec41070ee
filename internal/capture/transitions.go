package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Claim atomically moves a record into in_flight and increments its attempt
// counter. The status guard makes the claim a single step: a second
// coordinator observing the row can never see it half-claimed. Returns false
// when the record was not claimable (already in flight, resolved, or gone).
func (s *Store) Claim(ctx context.Context, clientID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE capture_records
         SET status = ?, attempt_count = attempt_count + 1,
             next_eligible_at = NULL, updated_at = ?
         WHERE client_id = ? AND quarantined = 0 AND status IN (?, ?)`,
		StatusInFlight,
		formatTime(time.Now()),
		clientID,
		StatusPending,
		StatusFailedRetryable,
	)
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkSucceeded resolves an in-flight record with the server's reference.
// last_error is retained for diagnostics even after eventual success.
func (s *Store) MarkSucceeded(ctx context.Context, clientID, serverRef string) error {
	if serverRef == "" {
		return fmt.Errorf("%w: succeeded without server reference", ErrInvalidTransition)
	}
	return s.resolveInFlight(
		ctx,
		clientID,
		`UPDATE capture_records
         SET status = ?, server_ref = ?, next_eligible_at = NULL, updated_at = ?
         WHERE client_id = ? AND status = ?`,
		StatusSucceeded,
		serverRef,
		formatTime(time.Now()),
		clientID,
		StatusInFlight,
	)
}

// MarkRetryable parks an in-flight record behind its backoff gate after a
// transient failure.
func (s *Store) MarkRetryable(ctx context.Context, clientID, cause string, nextEligibleAt time.Time) error {
	return s.resolveInFlight(
		ctx,
		clientID,
		`UPDATE capture_records
         SET status = ?, last_error = ?, next_eligible_at = ?, updated_at = ?
         WHERE client_id = ? AND status = ?`,
		StatusFailedRetryable,
		nullableString(cause),
		formatTime(nextEligibleAt),
		formatTime(time.Now()),
		clientID,
		StatusInFlight,
	)
}

// MarkTerminal parks an in-flight record permanently. Terminal records are
// never retried automatically; Requeue mints a fresh record instead.
func (s *Store) MarkTerminal(ctx context.Context, clientID, cause string) error {
	return s.resolveInFlight(
		ctx,
		clientID,
		`UPDATE capture_records
         SET status = ?, last_error = ?, next_eligible_at = NULL, updated_at = ?
         WHERE client_id = ? AND status = ?`,
		StatusFailedTerminal,
		nullableString(cause),
		formatTime(time.Now()),
		clientID,
		StatusInFlight,
	)
}

func (s *Store) resolveInFlight(ctx context.Context, clientID, query string, args ...any) error {
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolve record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: record %s is not in flight", ErrInvalidTransition, clientID)
	}
	return nil
}

// RecoverInFlight resets records left in_flight by a crashed process back to
// pending. attempt_count stays as-is so the interrupted attempt remains
// visible; the backing service's idempotency by client_id makes a duplicate
// re-send harmless.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE capture_records
         SET status = ?, updated_at = ?
         WHERE status = ?`,
		StatusPending,
		formatTime(time.Now()),
		StatusInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight records: %w", err)
	}
	return res.RowsAffected()
}

// Requeue represents a terminal record as a brand-new capture: a fresh
// client_id pointing at the same spooled payload. The terminal record is kept
// untouched as an audit trail.
func (s *Store) Requeue(ctx context.Context, clientID string) (*Record, error) {
	original, err := s.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusFailedTerminal {
		return nil, fmt.Errorf("%w: requeue requires a terminal record, %s is %s",
			ErrInvalidTransition, clientID, original.Status)
	}

	fresh := uuid.NewString()
	now := formatTime(time.Now())
	var latitude, longitude any
	if original.Geolocation != nil {
		latitude = original.Geolocation.Latitude
		longitude = original.Geolocation.Longitude
	}
	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO capture_records (
            client_id, category, captured_at, latitude, longitude,
            payload_ref, payload_sha256, status, attempt_count,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		fresh,
		original.Category,
		formatTime(original.CapturedAt),
		latitude,
		longitude,
		original.PayloadRef,
		original.PayloadSHA256,
		StatusPending,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("requeue record: %w", err)
	}
	return s.GetByClientID(ctx, fresh)
}

// Quarantine excludes a record from scheduling after its payload proved
// unreadable. The row survives for inspection.
func (s *Store) Quarantine(ctx context.Context, clientID, cause string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE capture_records
         SET quarantined = 1, status = CASE status WHEN ? THEN ? ELSE status END,
             last_error = ?, updated_at = ?
         WHERE client_id = ?`,
		StatusInFlight,
		StatusPending,
		nullableString(cause),
		formatTime(time.Now()),
		clientID,
	)
	if err != nil {
		return fmt.Errorf("quarantine record: %w", err)
	}
	return nil
}

// PruneSucceeded removes succeeded records older than the cutoff. Spooled
// payloads are deleted only when no other record still references them (a
// requeued capture shares its predecessor's payload_ref).
func (s *Store) PruneSucceeded(ctx context.Context, olderThan time.Time) (int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT client_id, payload_ref FROM capture_records
         WHERE status = ? AND updated_at < ?`,
		StatusSucceeded,
		formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("query prunable records: %w", err)
	}
	type prunable struct{ clientID, ref string }
	var victims []prunable
	for rows.Next() {
		var v prunable
		if err := rows.Scan(&v.clientID, &v.ref); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var pruned int64
	for _, v := range victims {
		res, err := s.execWithRetry(ctx, `DELETE FROM capture_records WHERE client_id = ?`, v.clientID)
		if err != nil {
			return pruned, fmt.Errorf("prune record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return pruned, err
		}
		pruned += affected

		var refs int
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM capture_records WHERE payload_ref = ?`, v.ref)
		if err := row.Scan(&refs); err != nil {
			return pruned, err
		}
		if refs == 0 {
			s.removeSpoolFile(v.ref)
		}
	}
	return pruned, nil
}
