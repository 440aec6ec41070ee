// Package uploader talks to the backing capture upload service. It submits
// one spooled photograph per request, keyed by the record's client identifier
// so retries and crash-recovery re-sends are idempotent, and classifies every
// failure as transient (retry with backoff) or permanent (park the record).
package uploader
