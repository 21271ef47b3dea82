package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOTESYNC"
	defaultHTTPAddress       = "0.0.0.0:3000"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "notesync.db"
	defaultLogLevel          = "info"
	defaultAllowedOrigin     = "*"
	defaultServerURL         = "http://localhost:3000"
	defaultStorePath         = "notesync-client.db"
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultProbeInterval     = 5 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	AllowedOrigins []string
}

// ClientConfig captures runtime configuration for the offline-first client.
type ClientConfig struct {
	ServerURL         string
	StorePath         string
	DeviceName        string
	LogLevel          string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	ProbeInterval     time.Duration
	ForceOffline      bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("client.store_path", defaultStorePath)
	configViper.SetDefault("client.device_name", "")
	configViper.SetDefault("client.force_offline", false)
	configViper.SetDefault("sync.reconnect_attempts", defaultReconnectAttempts)
	configViper.SetDefault("sync.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("sync.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("sync.probe_interval", defaultProbeInterval)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: configViper.GetString("database.driver"),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DatabaseTarget returns the path or DSN matching the configured driver.
func (c AppConfig) DatabaseTarget() string {
	if strings.EqualFold(strings.TrimSpace(c.DatabaseDriver), "postgres") {
		return c.DatabaseDSN
	}
	return c.DatabasePath
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.DatabaseDriver)) {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:         configViper.GetString("server.url"),
		StorePath:         configViper.GetString("client.store_path"),
		DeviceName:        configViper.GetString("client.device_name"),
		LogLevel:          configViper.GetString("log.level"),
		ReconnectAttempts: configViper.GetInt("sync.reconnect_attempts"),
		ReconnectDelay:    configViper.GetDuration("sync.reconnect_delay"),
		HandshakeTimeout:  configViper.GetDuration("sync.handshake_timeout"),
		ProbeInterval:     configViper.GetDuration("sync.probe_interval"),
		ForceOffline:      configViper.GetBool("client.force_offline"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("client.store_path is required")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("sync.reconnect_attempts must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("sync.handshake_timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	return nil
}
