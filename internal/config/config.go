// Package config loads mirrord configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/fruitsalade/nsmirror/internal/broker"
)

// Config holds all mirrord configuration.
type Config struct {
	// Namespace subtree to mirror
	NamespaceRoot string `yaml:"namespace_root"`

	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Sync    SyncConfig    `yaml:"sync"`

	// API users: name -> bcrypt hash. Empty leaves the API open.
	Users map[string]string `yaml:"users"`
}

// StorageConfig selects the listing backend. Options are passed to the
// backend as JSON.
type StorageConfig struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
}

// Raw encodes the backend options as JSON.
func (s StorageConfig) Raw() (json.RawMessage, error) {
	if len(s.Options) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(s.Options)
	if err != nil {
		return nil, fmt.Errorf("encode %s storage options: %w", s.Type, err)
	}
	return raw, nil
}

func (s *StorageConfig) set(key string, v any) {
	if s.Options == nil {
		s.Options = make(map[string]any)
	}
	s.Options[key] = v
}

// BrokerConfig describes the notification source.
type BrokerConfig struct {
	Transport string `yaml:"transport"` // amqp or sse

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	AppID          string        `yaml:"app_id"`
	Exchange       string        `yaml:"exchange"`
	RoutingKey     string        `yaml:"routing_key"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`

	// URL of the SSE event server; built from host and port when empty.
	URL string `yaml:"url"`
}

// Credentials returns the connection credentials.
func (b BrokerConfig) Credentials() broker.Credentials {
	return broker.Credentials{
		Host:     b.Host,
		Port:     b.Port,
		VHost:    b.VHost,
		User:     b.User,
		Password: b.Password,
	}
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	EmitInitial  bool          `yaml:"emit_initial"`
	Crawl        bool          `yaml:"crawl"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		NamespaceRoot: "/",
		ListenAddr:    ":8080",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "json",
		Storage:       StorageConfig{Type: "local"},
		Broker: BrokerConfig{
			Transport:      "amqp",
			Exchange:       broker.DefaultExchange,
			ReconnectDelay: broker.DefaultReconnectDelay,
			CloseTimeout:   broker.DefaultCloseTimeout,
		},
		Sync: SyncConfig{
			Workers:      4,
			QueueSize:    256,
			Crawl:        true,
			ReadyTimeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path, when non-empty, then applies
// environment overrides. MIRROR_CONFIG names the file when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("MIRROR_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NamespaceRoot = envOr("MIRROR_NAMESPACE_ROOT", c.NamespaceRoot)
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.Storage.Type = envOr("STORAGE_BACKEND", c.Storage.Type)
	for env, key := range map[string]string{
		"LOCAL_STORAGE_PATH": "root_path",
		"DATABASE_URL":       "database_url",
		"S3_ENDPOINT":        "endpoint",
		"S3_BUCKET":          "bucket",
		"S3_ACCESS_KEY":      "access_key",
		"S3_SECRET_KEY":      "secret_key",
		"S3_REGION":          "region",
		"S3_PREFIX":          "prefix",
		"STORAGE_NAMESPACE":  "namespace",
	} {
		if v := os.Getenv(env); v != "" {
			c.Storage.set(key, v)
		}
	}

	b := &c.Broker
	b.Transport = envOr("BROKER_TRANSPORT", b.Transport)
	b.Host = envOr("BROKER_HOST", b.Host)
	b.Port = envInt("BROKER_PORT", b.Port)
	b.VHost = envOr("BROKER_VHOST", b.VHost)
	b.User = envOr("BROKER_USER", b.User)
	b.Password = envOr("BROKER_PASSWORD", b.Password)
	b.AppID = envOr("BROKER_APP_ID", b.AppID)
	b.URL = envOr("BROKER_URL", b.URL)
	b.ReconnectDelay = envDuration("BROKER_RECONNECT_DELAY", b.ReconnectDelay)
	b.CloseTimeout = envDuration("BROKER_CLOSE_TIMEOUT", b.CloseTimeout)

	s := &c.Sync
	s.Workers = envInt("SYNC_WORKERS", s.Workers)
	s.QueueSize = envInt("SYNC_QUEUE_SIZE", s.QueueSize)
	s.EmitInitial = envBool("SYNC_EMIT_INITIAL", s.EmitInitial)
	s.Crawl = envBool("SYNC_CRAWL", s.Crawl)
	s.ReadyTimeout = envDuration("SYNC_READY_TIMEOUT", s.ReadyTimeout)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.NamespaceRoot == "" || c.NamespaceRoot[0] != '/' {
		return fmt.Errorf("namespace_root must be an absolute path, got %q", c.NamespaceRoot)
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("storage.type is required")
	}
	switch c.Broker.Transport {
	case "amqp", "sse":
	default:
		return fmt.Errorf("unknown broker transport %q", c.Broker.Transport)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
