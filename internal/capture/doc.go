// Package capture persists photograph capture records in SQLite and exposes
// the lifecycle transitions the sync coordinator drives.
//
// The Store manages database connections, schema initialization, payload
// spooling, summary queries, crash recovery, and the atomic claim that moves a
// record into in_flight. Records carry a device-generated client identifier
// that doubles as the idempotency key for the backing upload service.
//
// Treat this package as the single source of truth for queue semantics; when
// you add new statuses or fields, update schema.sql and bump queueSchemaVersion.
package capture
