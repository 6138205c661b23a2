package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Shelly Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Shelly    ShellyConfig    `yaml:"shelly"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ShellyConfig contains device discovery and transport settings.
type ShellyConfig struct {
	// Username and Password are the default device credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DataPath is the directory holding one JSON snapshot per device.
	DataPath string `yaml:"data_path"`

	// Interface names the network interface used for multicast.
	Interface string `yaml:"interface"`

	// Address is the IPv4 address devices should reach us on. It is
	// compared with each device's outbound websocket target.
	Address string `yaml:"address"`

	// IPv6 enables mDNS on ff02::fb.
	IPv6 bool `yaml:"ipv6"`

	// PollInterval is the device poll period in seconds.
	PollInterval int `yaml:"poll_interval"`

	// RequestTimeout bounds HTTP/RPC calls, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// MDNSQueryInterval is the mDNS query period in seconds.
	MDNSQueryInterval int `yaml:"mdns_query_interval"`

	EnableMDNS     bool `yaml:"enable_mdns"`
	EnableCoIoT    bool `yaml:"enable_coiot"`
	EnableWsServer bool `yaml:"enable_ws_server"`

	// WsServerPort is the port of the inbound websocket server.
	WsServerPort int `yaml:"ws_server_port"`

	// Hosts are added at start in addition to discovered devices.
	// Entries are addresses or fixture file paths ending in ".json".
	Hosts []string `yaml:"hosts"`
}

// WebSocketConfig contains inbound WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// APIConfig contains local HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHELLYCORE_SECTION_KEY
// For example: SHELLYCORE_DATABASE_PATH, SHELLYCORE_SHELLY_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration with environment overrides
// applied, for running without a config file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Shelly: ShellyConfig{
			Username:          "admin",
			DataPath:          "./data/devices",
			PollInterval:      60,
			RequestTimeout:    20,
			MDNSQueryInterval: 60,
			EnableMDNS:        true,
			EnableCoIoT:       true,
			EnableWsServer:    true,
			WsServerPort:      8485,
		},
		WebSocket: WebSocketConfig{
			Path:           "/",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8480,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  120,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/shellycore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "shelly-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "shellycore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHELLYCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Shelly
	if v := os.Getenv("SHELLYCORE_SHELLY_USERNAME"); v != "" {
		cfg.Shelly.Username = v
	}
	if v := os.Getenv("SHELLYCORE_SHELLY_PASSWORD"); v != "" {
		cfg.Shelly.Password = v
	}
	if v := os.Getenv("SHELLYCORE_SHELLY_DATA_PATH"); v != "" {
		cfg.Shelly.DataPath = v
	}
	if v := os.Getenv("SHELLYCORE_SHELLY_INTERFACE"); v != "" {
		cfg.Shelly.Interface = v
	}
	if v := os.Getenv("SHELLYCORE_SHELLY_ADDRESS"); v != "" {
		cfg.Shelly.Address = v
	}
	if v := os.Getenv("SHELLYCORE_SHELLY_WS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Shelly.WsServerPort = port
		}
	}

	// API
	if v := os.Getenv("SHELLYCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SHELLYCORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Database
	if v := os.Getenv("SHELLYCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SHELLYCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SHELLYCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SHELLYCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("SHELLYCORE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Shelly validation
	if c.Shelly.DataPath == "" {
		errs = append(errs, "shelly.data_path is required")
	}
	if c.Shelly.PollInterval < 1 {
		errs = append(errs, "shelly.poll_interval must be at least 1 second")
	}
	if c.Shelly.RequestTimeout < 1 {
		errs = append(errs, "shelly.request_timeout must be at least 1 second")
	}
	if c.Shelly.EnableWsServer && (c.Shelly.WsServerPort < 1 || c.Shelly.WsServerPort > 65535) {
		errs = append(errs, "shelly.ws_server_port must be between 1 and 65535")
	}
	if c.Shelly.Address != "" && net.ParseIP(c.Shelly.Address).To4() == nil {
		errs = append(errs, "shelly.address must be an IPv4 address")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled && c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when tls is enabled")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}
	if c.MQTT.Enabled && strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must not contain wildcards")
	}

	// Logging validation
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn, or error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the device poll period as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Shelly.PollInterval) * time.Second
}

// GetRequestTimeout returns the HTTP/RPC timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Shelly.RequestTimeout) * time.Second
}

// GetMDNSQueryInterval returns the mDNS query period as a Duration.
func (c *Config) GetMDNSQueryInterval() time.Duration {
	return time.Duration(c.Shelly.MDNSQueryInterval) * time.Second
}

// GetPingInterval returns the websocket ping period as a Duration.
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.WebSocket.PingInterval) * time.Second
}

// GetPongTimeout returns the websocket pong timeout as a Duration.
func (c *Config) GetPongTimeout() time.Duration {
	return time.Duration(c.WebSocket.PongTimeout) * time.Second
}
