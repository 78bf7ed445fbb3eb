package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the pesitd configuration.
//
// This structure captures the static configuration of the server:
//   - Logging configuration
//   - Data directory (transfer journal and audit stores)
//   - Listeners (named PeSIT server instances)
//   - Partners and logical files
//   - Metrics, cluster, secrets and maintenance settings
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PESITD_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// NodeName identifies this node on journal records and in the
	// cluster. Defaults to the hostname.
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// DataDir holds the transfer journal and the audit store.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cluster controls fleet coordination. Disabled means standalone:
	// this node is always leader and owns every listener it starts.
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`

	// Secrets configures at-rest encryption of partner passwords and
	// TLS key passwords.
	Secrets SecretsConfig `mapstructure:"secrets" yaml:"secrets"`

	// Audit configures the audit event store.
	Audit AuditConfig `mapstructure:"audit" yaml:"audit"`

	// Maintenance configures the background journal purge job.
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`

	// Listeners are the PeSIT server instances managed by the
	// supervisor. Each binds its own port under its own server id.
	Listeners []ListenerConfig `mapstructure:"listeners" validate:"dive" yaml:"listeners"`

	// Partners are the remote partner records checked at CONNECT time.
	Partners []PartnerConfig `mapstructure:"partners" validate:"dive" yaml:"partners"`

	// Files are the logical file records checked at CREATE/SELECT time.
	Files []FileConfig `mapstructure:"files" validate:"dive" yaml:"files"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics server is started.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ClusterConfig controls fleet coordination.
type ClusterConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SecretsConfig configures at-rest secret encryption.
type SecretsConfig struct {
	// MasterKey derives the AES-256-GCM key used for AES:v2: values.
	// Required once any stored password carries an encryption prefix.
	MasterKey string `mapstructure:"master_key" yaml:"master_key,omitempty"`
}

// AuditConfig configures the audit event store.
type AuditConfig struct {
	// Retention is how long audit events are kept. Zero keeps them
	// forever.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// MaintenanceConfig configures background jobs.
type MaintenanceConfig struct {
	// PurgeSchedule is a cron expression for the journal purge job.
	// Empty disables purging.
	PurgeSchedule string `mapstructure:"purge_schedule" yaml:"purge_schedule"`

	// PurgeRetention is how long terminal transfer records are kept
	// before the purge job removes them.
	PurgeRetention time.Duration `mapstructure:"purge_retention" yaml:"purge_retention"`
}

// TLSConfig enables TLS on a listener.
type TLSConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// CertFile and KeyFile hold the server certificate and private key
	// in PEM format.
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`

	// ClientAuth requires and verifies a client certificate against
	// TrustFile (mutual TLS).
	ClientAuth bool   `mapstructure:"client_auth" yaml:"client_auth"`
	TrustFile  string `mapstructure:"trust_file" yaml:"trust_file,omitempty"`

	// KeyPassword optionally decrypts an encrypted private key. It may
	// be stored in any scheme the secrets service understands.
	KeyPassword string `mapstructure:"key_password" yaml:"key_password,omitempty"`
}

// ListenerConfig is one named PeSIT server instance.
type ListenerConfig struct {
	// ServerID is the identifier clients address in PI_04: at most 8
	// characters, uppercase alphanumerics, matched case-insensitively.
	ServerID string `mapstructure:"server_id" validate:"required,max=8,alphanum" yaml:"server_id"`

	// Port is the TCP port the listener binds
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// BindAddress is the local address to bind. Empty binds all.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address,omitempty"`

	// ProtocolVersion is the highest PeSIT version accepted in PI_06.
	// Default: 2
	ProtocolVersion int `mapstructure:"protocol_version" validate:"omitempty,min=1" yaml:"protocol_version"`

	// MaxConnections caps concurrent sessions on this listener.
	MaxConnections int `mapstructure:"max_connections" validate:"omitempty,min=1" yaml:"max_connections"`

	// ConnectionTimeout bounds the wait for the first CONNECT.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// ReadTimeout bounds each subsequent frame read.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// ReceiveDirectory is where incoming files land. Must exist and be
	// writable, checked at listener start.
	ReceiveDirectory string `mapstructure:"receive_directory" validate:"required" yaml:"receive_directory"`

	// SendDirectory is where outgoing files are read from.
	SendDirectory string `mapstructure:"send_directory" validate:"required" yaml:"send_directory"`

	// MaxEntitySize caps the DTF payload size negotiated in PI_25.
	MaxEntitySize int `mapstructure:"max_entity_size" validate:"omitempty,min=1" yaml:"max_entity_size"`

	// SyncPointsEnabled advertises synchronization point support.
	SyncPointsEnabled bool `mapstructure:"sync_points_enabled" yaml:"sync_points_enabled"`

	// SyncIntervalKB is the negotiated sync point interval (PI_07).
	SyncIntervalKB int `mapstructure:"sync_interval_kb" validate:"omitempty,min=1" yaml:"sync_interval_kb"`

	// ResyncEnabled accepts mid-transfer resynchronization (PI_23).
	ResyncEnabled bool `mapstructure:"resync_enabled" yaml:"resync_enabled"`

	// StrictPartnerCheck refuses partners absent from the partner
	// configuration. When false, unknown partners connect without
	// credential checks.
	StrictPartnerCheck bool `mapstructure:"strict_partner_check" yaml:"strict_partner_check"`

	// StrictFileCheck refuses CREATE/SELECT of filenames absent from
	// the logical file configuration.
	StrictFileCheck bool `mapstructure:"strict_file_check" yaml:"strict_file_check"`

	// AutoStart starts the listener when the supervisor boots (or when
	// this node becomes leader).
	AutoStart bool `mapstructure:"auto_start" yaml:"auto_start"`

	// PreConnection tolerates a short unrecognized preamble before the
	// first CONNECT, as sent by some mainframe gateways.
	PreConnection bool `mapstructure:"pre_connection" yaml:"pre_connection"`

	// MaxRetries is inherited by transfer records created on this
	// listener and bounds the automatic retry chain.
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0" yaml:"max_retries"`

	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// Access describes the transfer directions granted to a partner, from
// the partner's point of view: "write" lets the partner send files to
// us, "read" lets it fetch files from us.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
	AccessBoth  Access = "both"
)

// PartnerConfig is one remote partner record.
type PartnerConfig struct {
	// ID is the partner identifier presented in PI_03, matched
	// case-insensitively.
	ID string `mapstructure:"id" validate:"required,max=24" yaml:"id"`

	// Password is compared against PI_05. Empty means no password is
	// required. Values may be stored encrypted (AES:v2:..., vault:...).
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Enabled gates the partner without deleting its record.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Access grants transfer directions: read, write or both.
	Access Access `mapstructure:"access" validate:"required,oneof=read write both" yaml:"access"`
}

// Allows reports whether this partner's access grant covers the PI_22
// access type requested at connection time (0 read, 1 write, 2 mixed).
func (p PartnerConfig) Allows(accessType uint8) bool {
	switch accessType {
	case 0:
		return p.Access == AccessRead || p.Access == AccessBoth
	case 1:
		return p.Access == AccessWrite || p.Access == AccessBoth
	case 2:
		return p.Access == AccessBoth
	default:
		return false
	}
}

// FileConfig is one logical file record. A record matches a transfer
// when its Filename equals PI_12 exactly, or failing that, when its
// Pattern matches (path.Match syntax). Exact matches win.
type FileConfig struct {
	Filename string `mapstructure:"filename" yaml:"filename,omitempty"`
	Pattern  string `mapstructure:"pattern" yaml:"pattern,omitempty"`

	// FileType is the virtual file type announced in PI_11.
	FileType int `mapstructure:"file_type" yaml:"file_type"`

	// RecordFormat: 0 fixed, 1 variable (PI_31).
	RecordFormat int `mapstructure:"record_format" validate:"oneof=0 1" yaml:"record_format"`

	// RecordLength is the record length in bytes (PI_32).
	RecordLength int `mapstructure:"record_length" validate:"omitempty,min=0" yaml:"record_length"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PESITD_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  pesitd init\n\n"+
				"Or specify a custom config file:\n"+
				"  pesitd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  pesitd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in
// YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold partner passwords and key passwords.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and config file
// search. Environment variables use the PESITD_ prefix, for example
// PESITD_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PESITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// whether a file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m", "1h" to
// time.Duration. Raw integers are taken as nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pesitd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "pesitd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
