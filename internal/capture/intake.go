package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Intake bundles the validation limits applied before a capture is accepted.
type Intake struct {
	store      *Store
	maxPayload int64
}

// NewIntake constructs the capture intake over a store.
func NewIntake(store *Store, maxPayloadBytes int64) *Intake {
	return &Intake{store: store, maxPayload: maxPayloadBytes}
}

// Enqueue validates a freshly captured photograph, spools its bytes, and
// inserts a pending record. The returned client identifier is durable by the
// time this call returns; no network I/O happens here, so enqueue succeeds
// with zero connectivity.
func (i *Intake) Enqueue(ctx context.Context, payload []byte, category Category, capturedAt time.Time, geo *Geolocation) (*Record, error) {
	if _, ok := categorySet[category]; !ok {
		return nil, validationErr("unknown category %q", category)
	}
	if len(payload) == 0 {
		return nil, validationErr("payload is empty")
	}
	if i.maxPayload > 0 && int64(len(payload)) > i.maxPayload {
		return nil, validationErr("payload is %d bytes, limit is %d", len(payload), i.maxPayload)
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	clientID := uuid.NewString()
	ref, digest, err := i.store.writeSpoolFile(clientID, payload)
	if err != nil {
		return nil, err
	}

	record, err := i.store.insertRecord(ctx, clientID, category, capturedAt, geo, ref, digest)
	if err != nil {
		// The record never became visible, so the spooled bytes are orphaned.
		i.store.removeSpoolFile(ref)
		return nil, err
	}
	return record, nil
}

func (s *Store) insertRecord(ctx context.Context, clientID string, category Category, capturedAt time.Time, geo *Geolocation, payloadRef, digest string) (*Record, error) {
	now := time.Now().UTC()
	timestamp := formatTime(now)

	var latitude, longitude any
	if geo != nil {
		latitude = geo.Latitude
		longitude = geo.Longitude
	}

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO capture_records (
            client_id, category, captured_at, latitude, longitude,
            payload_ref, payload_sha256, status, attempt_count,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		clientID,
		category,
		formatTime(capturedAt),
		latitude,
		longitude,
		payloadRef,
		digest,
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert capture record: %w", err)
	}
	return s.GetByClientID(ctx, clientID)
}
