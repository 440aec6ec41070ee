// Package notifications delivers sync milestones via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when no topic is set.
// Individual event kinds (terminal failures, backlog drained, errors) can be
// toggled independently so a crew lead only hears about what they care about.
//
// Extend this package if you need alternative transports; sync code depends
// only on the Service interface.
package notifications
