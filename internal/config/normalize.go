package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeUpload()
	c.normalizeConnectivity()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SpoolDir) == "" {
		c.Paths.SpoolDir = defaultSpoolDir
	}
	if c.Paths.SpoolDir, err = expandPath(c.Paths.SpoolDir); err != nil {
		return fmt.Errorf("paths.spool_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeUpload() {
	if c.Upload.AuthToken == "" {
		if value, ok := os.LookupEnv("SITESYNC_AUTH_TOKEN"); ok {
			c.Upload.AuthToken = strings.TrimSpace(value)
		}
	}
	c.Upload.Endpoint = strings.TrimRight(strings.TrimSpace(c.Upload.Endpoint), "/")
	if c.Upload.AttemptTimeout <= 0 {
		c.Upload.AttemptTimeout = defaultAttemptTimeout
	}
	if c.Upload.MaxInFlight <= 0 {
		c.Upload.MaxInFlight = defaultMaxInFlight
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = defaultMaxAttempts
	}
	if c.Upload.BackoffBase <= 0 {
		c.Upload.BackoffBase = defaultBackoffBase
	}
	if c.Upload.BackoffCap <= 0 {
		c.Upload.BackoffCap = defaultBackoffCap
	}
	if c.Upload.MaxPayloadMB <= 0 {
		c.Upload.MaxPayloadMB = defaultMaxPayloadMB
	}
}

func (c *Config) normalizeConnectivity() {
	c.Connectivity.ProbeURL = strings.TrimSpace(c.Connectivity.ProbeURL)
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = defaultProbeURL
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = defaultProbeTimeout
	}
	if c.Connectivity.OnlineTickInterval <= 0 {
		c.Connectivity.OnlineTickInterval = defaultOnlineTickInterval
	}
	if c.Connectivity.OfflinePollInterval <= 0 {
		c.Connectivity.OfflinePollInterval = defaultOfflinePollInterval
	}
	if c.Connectivity.DwellSeconds < 0 {
		c.Connectivity.DwellSeconds = defaultDwellSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
