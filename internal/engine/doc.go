// Package engine assembles the capture store, connectivity monitor, sync
// coordinator, notifications, and HTTP API into a single daemon lifecycle
// with flock-based locking to prevent multiple instances from sharing one
// queue database.
package engine
