package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateConnectivity(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateUpload() error {
	if strings.TrimSpace(c.Upload.Endpoint) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/sitesync/config.toml"
		}
		return fmt.Errorf("upload.endpoint is required. Edit %s (create with 'sitesync config init')", defaultPath)
	}
	parsed, err := url.Parse(c.Upload.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upload.endpoint %q is not a valid URL", c.Upload.Endpoint)
	}
	if c.Upload.MaxInFlight > 16 {
		return errors.New("upload.max_in_flight must be 16 or fewer to avoid saturating weak links")
	}
	if c.Upload.BackoffCap < c.Upload.BackoffBase {
		return errors.New("upload.backoff_cap must be at least upload.backoff_base")
	}
	return nil
}

func (c *Config) validateConnectivity() error {
	parsed, err := url.Parse(c.Connectivity.ProbeURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("connectivity.probe_url %q is not a valid URL", c.Connectivity.ProbeURL)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
