// Package config loads server settings from defaults, an optional config
// file, INNOVATIONQUEST_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	dbconfig "innovationquest/pkg/database"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "INNOVATIONQUEST"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type Config struct {
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Store     *StoreConfig     `mapstructure:"store"`
	Hub       *HubConfig       `mapstructure:"hub"`
	Log       *LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PublicURL is the externally visible base URL used in join links.
	PublicURL string `mapstructure:"public_url"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type HubConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	// RateLimit is the number of events a connection may send per minute.
	// Zero disables limiting.
	RateLimit int `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 8 << 20,
		},
		Store: &StoreConfig{
			Backend:        BackendMemory,
			Path:           dbconfig.MemoryPath,
			Timeout:        5 * time.Second,
			MaxConnections: 1,
		},
		Hub: &HubConfig{
			QueueSize: 1000,
			RateLimit: 100,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535: %d", c.HTTP.Port)
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Store == nil {
		return errors.New("store configuration is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if err := c.Database().Validate(); err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Hub == nil {
		return errors.New("hub configuration is required")
	}
	if c.Hub.QueueSize <= 0 {
		return errors.New("hub queue size must be positive")
	}
	if c.Hub.RateLimit < 0 {
		return errors.New("hub rate limit cannot be negative")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json: %q", c.Log.Format)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Database returns the sqlite settings for the sqlite backend.
func (c *Config) Database() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.Path = c.Store.Path
	db.BusyTimeout = c.Store.Timeout
	db.MaxConnections = c.Store.MaxConnections
	if db.IsMemory() || db.MaxConnections <= 0 {
		db.MaxConnections = 1
	}
	return db
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"host":             "http.host",
	"port":             "http.port",
	"public-url":       "http.public_url",
	"store":            "store.backend",
	"db-path":          "store.path",
	"queue-size":       "hub.queue_size",
	"rate-limit":       "hub.rate_limit",
	"ping-interval":    "websocket.ping_interval",
	"max-message-size": "websocket.max_message_size",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// RegisterFlags declares the flags that override configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.StringP("host", "b", d.HTTP.Host, "address to bind to (env: INNOVATIONQUEST_HTTP_HOST)")
	fs.IntP("port", "p", d.HTTP.Port, "port to listen on (env: INNOVATIONQUEST_HTTP_PORT)")
	fs.String("public-url", d.HTTP.PublicURL, "public base URL used in join links (env: INNOVATIONQUEST_HTTP_PUBLIC_URL)")
	fs.String("store", d.Store.Backend, "store backend, memory or sqlite (env: INNOVATIONQUEST_STORE_BACKEND)")
	fs.String("db-path", d.Store.Path, "sqlite database path (env: INNOVATIONQUEST_STORE_PATH)")
	fs.Int("queue-size", d.Hub.QueueSize, "event queue size (env: INNOVATIONQUEST_HUB_QUEUE_SIZE)")
	fs.Int("rate-limit", d.Hub.RateLimit, "events per connection per minute, 0 disables (env: INNOVATIONQUEST_HUB_RATE_LIMIT)")
	fs.Duration("ping-interval", d.WebSocket.PingInterval, "websocket ping interval (env: INNOVATIONQUEST_WEBSOCKET_PING_INTERVAL)")
	fs.Int64("max-message-size", d.WebSocket.MaxMessageSize, "largest inbound frame in bytes (env: INNOVATIONQUEST_WEBSOCKET_MAX_MESSAGE_SIZE)")
	fs.String("log-level", d.Log.Level, "log level (env: INNOVATIONQUEST_LOG_LEVEL)")
	fs.String("log-format", d.Log.Format, "log format, text or json (env: INNOVATIONQUEST_LOG_FORMAT)")
}

// NewViper returns a viper instance seeded with the defaults and wired to
// the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.public_url", d.HTTP.PublicURL)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.max_connections", d.Store.MaxConnections)
	v.SetDefault("hub.queue_size", d.Hub.QueueSize)
	v.SetDefault("hub.rate_limit", d.Hub.RateLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	return v
}

// BindFlags makes the flags in fs override their configuration keys. Only
// flags set on the command line take precedence over env and file values.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if f := fs.Lookup("config"); f != nil {
		if err := v.BindPFlag("config", f); err != nil {
			return err
		}
	}
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file named by the "config" key, if any, and decodes
// the merged settings.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
