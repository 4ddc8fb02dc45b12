package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"deskrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Registry struct {
		ExpiryAfter   time.Duration `yaml:"expiry_after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		EnforceUnique bool          `yaml:"enforce_unique"`
	} `yaml:"registry"`

	Broker struct {
		PendingTimeout time.Duration `yaml:"pending_timeout"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
		TombstoneTTL   time.Duration `yaml:"tombstone_ttl"`
	} `yaml:"broker"`

	Streaming struct {
		Quality      int           `yaml:"quality"`
		Interval     time.Duration `yaml:"interval"`
		MaxFrameSize uint32        `yaml:"max_frame_size"`
	} `yaml:"streaming"`

	// Client holds the peer-side view of the signaling service.
	Client struct {
		SignalURL         string        `yaml:"signal_url"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		PollInterval      time.Duration `yaml:"poll_interval"`
	} `yaml:"client"`

	Host struct {
		ListenAddress    string        `yaml:"listen_address"`
		AdvertiseAddress string        `yaml:"advertise_address"`
		AcceptPoll       time.Duration `yaml:"accept_poll"`
		AcceptTimeout    time.Duration `yaml:"accept_timeout"`
		MaxViewers       int           `yaml:"max_viewers"`
	} `yaml:"host"`

	Snapshot struct {
		TTL          time.Duration `yaml:"ttl"`
		MaxSizeBytes int64         `yaml:"max_size_bytes"`
	} `yaml:"snapshot"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret        string        `yaml:"jwt_secret"`
		HostTokenTTL     time.Duration `yaml:"host_token_ttl"`
		RequireHostToken bool          `yaml:"require_host_token"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}

	// Registry and broker
	if c.Registry.ExpiryAfter <= 0 {
		return fmt.Errorf("registry.expiry_after must be > 0")
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be > 0")
	}
	if c.Broker.PendingTimeout <= 0 {
		return fmt.Errorf("broker.pending_timeout must be > 0")
	}
	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("broker.sweep_interval must be > 0")
	}
	if c.Broker.TombstoneTTL < c.Broker.PendingTimeout {
		return fmt.Errorf("broker.tombstone_ttl must be >= broker.pending_timeout")
	}

	// Streaming
	if err := validation.ValidateQuality(c.Streaming.Quality); err != nil {
		return fmt.Errorf("streaming.quality: %w", err)
	}
	if c.Streaming.Interval < 0 {
		return fmt.Errorf("streaming.interval must be >= 0")
	}
	if c.Streaming.MaxFrameSize == 0 {
		return fmt.Errorf("streaming.max_frame_size must be > 0")
	}

	// Client
	if err := validation.ValidateURL(c.Client.SignalURL); err != nil {
		return fmt.Errorf("client.signal_url: %w", err)
	}
	if c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be > 0")
	}
	if c.Client.HeartbeatInterval >= c.Registry.ExpiryAfter {
		return fmt.Errorf("client.heartbeat_interval must be shorter than registry.expiry_after")
	}
	if c.Client.RequestTimeout <= 0 || c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client.request_timeout and client.connect_timeout must be > 0")
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be > 0")
	}

	// Host
	if c.Host.ListenAddress == "" {
		return fmt.Errorf("host.listen_address must not be empty")
	}
	if c.Host.AcceptPoll <= 0 {
		return fmt.Errorf("host.accept_poll must be > 0")
	}
	if c.Host.MaxViewers < 0 {
		return fmt.Errorf("host.max_viewers must be >= 0")
	}

	// Snapshot
	if c.Snapshot.TTL <= 0 {
		return fmt.Errorf("snapshot.ttl must be > 0")
	}
	if c.Snapshot.MaxSizeBytes <= 0 {
		return fmt.Errorf("snapshot.max_size_bytes must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.HostTokenTTL <= 0 {
		return fmt.Errorf("auth.host_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults plus environment
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 15 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Registry.ExpiryAfter = 10 * time.Minute
	cfg.Registry.SweepInterval = 30 * time.Second
	cfg.Registry.EnforceUnique = false

	cfg.Broker.PendingTimeout = 2 * time.Minute
	cfg.Broker.SweepInterval = 5 * time.Second
	cfg.Broker.TombstoneTTL = 10 * time.Minute

	cfg.Streaming.Quality = 50
	cfg.Streaming.Interval = 50 * time.Millisecond
	cfg.Streaming.MaxFrameSize = 32 << 20

	cfg.Client.SignalURL = "http://localhost:8080"
	cfg.Client.HeartbeatInterval = 30 * time.Second
	cfg.Client.RequestTimeout = 10 * time.Second
	cfg.Client.ConnectTimeout = 10 * time.Second
	cfg.Client.PollInterval = time.Second

	cfg.Host.ListenAddress = ":5000"
	cfg.Host.AcceptPoll = time.Second
	cfg.Host.AcceptTimeout = 30 * time.Second
	cfg.Host.MaxViewers = 0

	cfg.Snapshot.TTL = 30 * time.Second
	cfg.Snapshot.MaxSizeBytes = 2 << 20

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.HostTokenTTL = 24 * time.Hour
	cfg.Auth.RequireHostToken = false
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 48 << 20

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("DESKRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("DESKRELAY_SIGNAL_URL"); url != "" {
		c.Client.SignalURL = url
	}
	if level := os.Getenv("DESKRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("DESKRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("DESKRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if v := os.Getenv("DESKRELAY_REDIS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DESKRELAY_REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = enabled
	}
	if v := os.Getenv("DESKRELAY_SESSION_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DESKRELAY_SESSION_EXPIRY: %w", err)
		}
		c.Registry.ExpiryAfter = d
	}
	if v := os.Getenv("DESKRELAY_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DESKRELAY_SWEEP_INTERVAL: %w", err)
		}
		c.Registry.SweepInterval = d
	}
	return nil
}
