package config

import (
	"os"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.NodeName == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.NodeName = hostname
		} else {
			cfg.NodeName = "localhost"
		}
	}

	applyLoggingDefaults(&cfg.Logging)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Maintenance.PurgeRetention == 0 {
		cfg.Maintenance.PurgeRetention = 30 * 24 * time.Hour
	}

	for i := range cfg.Listeners {
		applyListenerDefaults(&cfg.Listeners[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyListenerDefaults sets per-listener defaults and normalizes the
// server id to uppercase, the canonical form for PI_04 matching.
func applyListenerDefaults(l *ListenerConfig) {
	l.ServerID = strings.ToUpper(l.ServerID)

	if l.ProtocolVersion == 0 {
		l.ProtocolVersion = 2
	}
	if l.MaxConnections == 0 {
		l.MaxConnections = 64
	}
	if l.ConnectionTimeout == 0 {
		l.ConnectionTimeout = 30 * time.Second
	}
	if l.ReadTimeout == 0 {
		l.ReadTimeout = 5 * time.Minute
	}
	if l.MaxEntitySize == 0 {
		l.MaxEntitySize = 32 * 1024
	}
	if l.SyncIntervalKB == 0 {
		l.SyncIntervalKB = 64
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 3
	}
}

// GetDefaultConfig returns a Config with all default values applied
// and one example listener. Used by 'pesitd init' to generate the
// initial configuration file.
func GetDefaultConfig() *Config {
	cfg := &Config{
		DataDir: "/var/lib/pesitd",
		Listeners: []ListenerConfig{
			{
				ServerID:           "PESIT01",
				Port:               7234,
				ReceiveDirectory:   "/var/lib/pesitd/in",
				SendDirectory:      "/var/lib/pesitd/out",
				SyncPointsEnabled:  true,
				ResyncEnabled:      true,
				StrictPartnerCheck: true,
				StrictFileCheck:    false,
				AutoStart:          true,
			},
		},
		Partners: []PartnerConfig{
			{
				ID:      "PARTNER1",
				Enabled: true,
				Access:  AccessBoth,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
