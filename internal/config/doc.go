// Package config loads, normalizes, and validates sitesync's TOML
// configuration. Defaults live in defaults.go; path fields are expanded to
// absolute paths during Load so downstream code never sees "~".
package config
