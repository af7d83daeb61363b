package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LocalDB   LocalDBConfig   `yaml:"local_db"`
	Redis     RedisConfig     `yaml:"redis"`
	Relays    RelaysConfig    `yaml:"relays"`
	Coalescer CoalescerConfig `yaml:"coalescer"`
	Assets    AssetsConfig    `yaml:"assets"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type LocalDBConfig struct {
	Backend    string `yaml:"backend"`
	MaxResults int    `yaml:"max_results"`
}

type RedisConfig struct {
	Host     string        `yaml:"host"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type RelaysConfig struct {
	Upstream          []UpstreamRelay `yaml:"upstream"`
	ReconnectInterval time.Duration   `yaml:"reconnect_interval"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	Timeout           time.Duration   `yaml:"timeout"`
	VerifySignatures  bool            `yaml:"verify_signatures"`
}

type UpstreamRelay struct {
	URL      string `yaml:"url"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`
}

type CoalescerConfig struct {
	FlushInterval   time.Duration `yaml:"flush_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

type AssetsConfig struct {
	CacheDir     string        `yaml:"cache_dir"`
	Capacity     int           `yaml:"capacity"`
	Workers      int           `yaml:"workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
	MaxPixels    int64         `yaml:"max_pixels"`
	UserAgent    string        `yaml:"user_agent"`
}

type ProfilesConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RabbitMQConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	ExchangeName string `yaml:"exchange_name"`
}

type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func Load(path string) (*Config, error) {
	var config Config

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Set defaults for any unset fields
	setDefaults(&config)

	// Apply environment variable overrides
	applyEnvOverrides(&config)

	return &config, nil
}

// EnabledRelays returns the URLs of enabled upstream relays, highest priority first.
func (c *RelaysConfig) EnabledRelays() []string {
	var enabled []UpstreamRelay
	for _, r := range c.Upstream {
		if r.Enabled && r.URL != "" {
			enabled = append(enabled, r)
		}
	}
	// insertion sort keeps equal priorities in file order
	for i := 1; i < len(enabled); i++ {
		for j := i; j > 0 && enabled[j].Priority < enabled[j-1].Priority; j-- {
			enabled[j], enabled[j-1] = enabled[j-1], enabled[j]
		}
	}
	urls := make([]string, 0, len(enabled))
	for _, r := range enabled {
		urls = append(urls, r.URL)
	}
	return urls
}

// setDefaults sets default configuration values
func setDefaults(config *Config) {
	// Local database defaults
	if config.LocalDB.Backend == "" {
		config.LocalDB.Backend = "memory"
	}
	if config.LocalDB.MaxResults == 0 {
		config.LocalDB.MaxResults = 100
	}

	// Redis defaults
	if config.Redis.Host == "" {
		config.Redis.Host = "localhost:6379"
	}

	// Relay defaults
	if config.Relays.ReconnectInterval == 0 {
		config.Relays.ReconnectInterval = 10 * time.Second
	}
	if config.Relays.WriteTimeout == 0 {
		config.Relays.WriteTimeout = 5 * time.Second
	}
	if config.Relays.Timeout == 0 {
		config.Relays.Timeout = 90 * time.Second
	}

	// Coalescer defaults
	if config.Coalescer.FlushInterval == 0 {
		config.Coalescer.FlushInterval = 100 * time.Millisecond
	}
	if config.Coalescer.DispatchTimeout == 0 {
		config.Coalescer.DispatchTimeout = 5 * time.Second
	}

	// Asset cache defaults
	if config.Assets.CacheDir == "" {
		config.Assets.CacheDir = filepath.Join(xdg.CacheHome, "zapstream", "images")
	}
	if config.Assets.Capacity == 0 {
		config.Assets.Capacity = 1000
	}
	if config.Assets.Workers == 0 {
		config.Assets.Workers = 4
	}
	if config.Assets.FetchTimeout == 0 {
		config.Assets.FetchTimeout = 30 * time.Second
	}
	if config.Assets.MaxBytes == 0 {
		config.Assets.MaxBytes = 20 << 20
	}
	if config.Assets.MaxPixels == 0 {
		config.Assets.MaxPixels = 64 << 20
	}
	if config.Assets.UserAgent == "" {
		config.Assets.UserAgent = "zapstream-sync/1.0"
	}

	// Profile defaults
	if config.Profiles.Timeout == 0 {
		config.Profiles.Timeout = 3 * time.Second
	}

	// RabbitMQ defaults
	if config.RabbitMQ.ExchangeName == "" {
		config.RabbitMQ.ExchangeName = "nostr_events"
	}

	// Status API defaults
	if config.StatusAPI.Host == "" {
		config.StatusAPI.Host = "localhost"
	}
	if config.StatusAPI.Port == 0 {
		config.StatusAPI.Port = 8090
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	// Local database config
	if backend := os.Getenv("LOCALDB_BACKEND"); backend != "" {
		config.LocalDB.Backend = backend
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Redis.Host = host
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = d
		}
	}

	// Relay config
	if urls := os.Getenv("RELAY_URLS"); urls != "" {
		config.Relays.Upstream = nil
		for i, u := range strings.Split(urls, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			config.Relays.Upstream = append(config.Relays.Upstream, UpstreamRelay{
				URL:      u,
				Enabled:  true,
				Priority: i + 1,
			})
		}
	}

	// Asset cache config
	if dir := os.Getenv("ASSET_CACHE_DIR"); dir != "" {
		config.Assets.CacheDir = dir
	}
	if capacity := os.Getenv("ASSET_CACHE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.Assets.Capacity = c
		}
	}

	// Status API config
	if port := os.Getenv("STATUS_API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.StatusAPI.Port = p
		}
	}

	// Logging config
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// RabbitMQ config
	if host := os.Getenv("RABBITMQ_HOST"); host != "" {
		username := os.Getenv("RABBITMQ_USERNAME")
		password := os.Getenv("RABBITMQ_PASSWORD")
		port := os.Getenv("RABBITMQ_PORT")
		vhost := os.Getenv("RABBITMQ_VHOST")

		if username == "" {
			username = "guest"
		}
		if password == "" {
			password = "guest"
		}
		if port == "" {
			port = "5672"
		}
		if vhost == "" {
			vhost = "/"
		}

		config.RabbitMQ.URL = fmt.Sprintf("amqp://%s:%s@%s:%s%s", username, password, host, port, vhost)
		config.RabbitMQ.Enabled = true
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate local database config
	switch c.LocalDB.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid local_db config: unknown backend %q", c.LocalDB.Backend)
	}
	if c.LocalDB.MaxResults <= 0 {
		return fmt.Errorf("invalid local_db config: max results %d", c.LocalDB.MaxResults)
	}

	// Validate relay config
	for _, r := range c.Relays.Upstream {
		if r.Enabled && !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
			return fmt.Errorf("invalid relays config: unsupported relay URL %q", r.URL)
		}
	}
	if c.Relays.ReconnectInterval < 0 || c.Relays.WriteTimeout < 0 || c.Relays.Timeout < 0 {
		return fmt.Errorf("invalid relays config: negative duration")
	}

	// Validate coalescer config
	if c.Coalescer.FlushInterval <= 0 {
		return fmt.Errorf("invalid coalescer config: flush interval %v", c.Coalescer.FlushInterval)
	}
	if c.Coalescer.DispatchTimeout <= 0 {
		return fmt.Errorf("invalid coalescer config: dispatch timeout %v", c.Coalescer.DispatchTimeout)
	}

	// Validate asset cache config
	if c.Assets.Capacity <= 0 {
		return fmt.Errorf("invalid assets config: capacity %d", c.Assets.Capacity)
	}
	if c.Assets.Workers <= 0 {
		return fmt.Errorf("invalid assets config: workers %d", c.Assets.Workers)
	}
	if c.Assets.MaxBytes <= 0 {
		return fmt.Errorf("invalid assets config: max bytes %d", c.Assets.MaxBytes)
	}
	if c.Assets.MaxPixels <= 0 {
		return fmt.Errorf("invalid assets config: max pixels %d", c.Assets.MaxPixels)
	}

	// Validate profile config
	if c.Profiles.Timeout <= 0 {
		return fmt.Errorf("invalid profiles config: timeout %v", c.Profiles.Timeout)
	}

	// Validate RabbitMQ config
	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		return fmt.Errorf("invalid rabbitmq config: enabled without url")
	}

	// Validate status API config
	if c.StatusAPI.Enabled && (c.StatusAPI.Port <= 0 || c.StatusAPI.Port > 65535) {
		return fmt.Errorf("invalid status_api config: port %d", c.StatusAPI.Port)
	}

	return nil
}
