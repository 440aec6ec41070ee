// Package logging builds the slog loggers used across sitesync and provides
// shared attribute helpers plus standardized field names so daemon, coordinator,
// and CLI output stay greppable.
package logging
