// Package syncer drains the capture queue to the upload service.
//
// The coordinator is the only component that moves records through the
// transmission state machine. It wakes on connectivity edges, steady online
// ticks, retry-gate expirations, and explicit kicks, then claims eligible
// records oldest-first and uploads them with a bounded number of concurrent
// attempts. Backoff after transient failures is written into the record's
// next_eligible_at gate so scheduling survives restarts.
package syncer
