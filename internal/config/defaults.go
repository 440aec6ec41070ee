package config

const (
	defaultDataDir             = "~/.local/share/sitesync"
	defaultSpoolDir            = "~/.local/share/sitesync/spool"
	defaultLogDir              = "~/.local/share/sitesync/logs"
	defaultAPIBind             = "127.0.0.1:7311"
	defaultAttemptTimeout      = 60
	defaultMaxInFlight         = 3
	defaultMaxAttempts         = 8
	defaultBackoffBase         = 2
	defaultBackoffCap          = 300
	defaultMaxPayloadMB        = 32
	defaultProbeURL            = "http://connectivity-check.ubuntu.com"
	defaultProbeTimeout        = 5
	defaultOnlineTickInterval  = 30
	defaultOfflinePollInterval = 10
	defaultDwellSeconds        = 5
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			SpoolDir: defaultSpoolDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Upload: Upload{
			AttemptTimeout: defaultAttemptTimeout,
			MaxInFlight:    defaultMaxInFlight,
			MaxAttempts:    defaultMaxAttempts,
			BackoffBase:    defaultBackoffBase,
			BackoffCap:     defaultBackoffCap,
			MaxPayloadMB:   defaultMaxPayloadMB,
		},
		Connectivity: Connectivity{
			ProbeURL:            defaultProbeURL,
			ProbeTimeout:        defaultProbeTimeout,
			OnlineTickInterval:  defaultOnlineTickInterval,
			OfflinePollInterval: defaultOfflinePollInterval,
			DwellSeconds:        defaultDwellSeconds,
			NetlinkEvents:       true,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			TerminalFails:  true,
			BacklogDrained: true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
