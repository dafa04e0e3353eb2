package config

import (
	"fmt"
	"os"
	"time"

	"huddle/internal/core/domain"

	"gopkg.in/yaml.v2"
)

// Config is the signaling server configuration
type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendQueueSize  int           `yaml:"send_queue_size"`
		EventQueueSize int           `yaml:"event_queue_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ListenIP    string `yaml:"listen_ip"`
		AnnouncedIP string `yaml:"announced_ip"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		Codecs      []domain.RTPCodecCapability `yaml:"codecs"`
		PauseOnMute bool                        `yaml:"pause_on_mute"`
	} `yaml:"media"`

	Rooms struct {
		ReleaseRouterOnEmpty bool          `yaml:"release_router_on_empty"`
		RouterGracePeriod    time.Duration `yaml:"router_grace_period"`
		ReapInterval         time.Duration `yaml:"reap_interval"`
	} `yaml:"rooms"`

	Engine struct {
		CallTimeout    time.Duration `yaml:"call_timeout"`
		CircuitBreaker struct {
			Enabled      bool          `yaml:"enabled"`
			MaxFailures  int           `yaml:"max_failures"`
			ResetTimeout time.Duration `yaml:"reset_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"engine"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		PeerTTL  time.Duration `yaml:"peer_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		JoinTokenTTL   time.Duration `yaml:"join_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		// AdminToken guards the token-issuing endpoint; empty leaves it open.
		AdminToken string `yaml:"admin_token"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
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
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.EventQueueSize <= 0 {
		return fmt.Errorf("signal.event_queue_size must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Media
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if !codec.Kind.Valid() {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d] needs mime_type and clock_rate", i)
		}
		if domain.KindFromMimeType(codec.MimeType) != codec.Kind {
			return fmt.Errorf("media.codecs[%d].mime_type %q does not match kind %s", i, codec.MimeType, codec.Kind)
		}
	}

	// Rooms
	if c.Rooms.RouterGracePeriod <= 0 {
		return fmt.Errorf("rooms.router_grace_period must be > 0")
	}
	if c.Rooms.ReapInterval <= 0 {
		return fmt.Errorf("rooms.reap_interval must be > 0")
	}

	// Engine
	if c.Engine.CallTimeout < 0 {
		return fmt.Errorf("engine.call_timeout must be >= 0")
	}
	if c.Engine.CircuitBreaker.Enabled {
		if c.Engine.CircuitBreaker.MaxFailures <= 0 {
			return fmt.Errorf("engine.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if c.Engine.CircuitBreaker.ResetTimeout <= 0 {
			return fmt.Errorf("engine.circuit_breaker.reset_timeout must be > 0 when enabled")
		}
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
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
		if c.Redis.PeerTTL < 0 {
			return fmt.Errorf("redis.peer_ttl must be >= 0")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.JoinTokenTTL <= 0 {
		return fmt.Errorf("auth.join_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0")
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing is enabled")
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

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3016"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.EventQueueSize = 64

	cfg.WebRTC.ListenIP = "0.0.0.0"
	cfg.WebRTC.PortRange.Min = 40000
	cfg.WebRTC.PortRange.Max = 49999

	cfg.Media.Codecs = DefaultCodecs()
	cfg.Media.PauseOnMute = false

	cfg.Rooms.ReleaseRouterOnEmpty = true
	cfg.Rooms.RouterGracePeriod = 2 * time.Minute
	cfg.Rooms.ReapInterval = 30 * time.Second

	cfg.Engine.CallTimeout = 0
	cfg.Engine.CircuitBreaker.Enabled = true
	cfg.Engine.CircuitBreaker.MaxFailures = 5
	cfg.Engine.CircuitBreaker.ResetTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.PeerTTL = 24 * time.Hour

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.JoinTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// DefaultCodecs is the router codec table: Opus, VP8 and constrained
// baseline H264.
func DefaultCodecs() []domain.RTPCodecCapability {
	return []domain.RTPCodecCapability{
		{
			Kind:      domain.KindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      domain.KindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      domain.KindVideo,
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HUDDLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("HUDDLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("HUDDLE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if token := os.Getenv("HUDDLE_ADMIN_TOKEN"); token != "" {
		c.Auth.AdminToken = token
	}
	if ip := os.Getenv("HUDDLE_ANNOUNCED_IP"); ip != "" {
		c.WebRTC.AnnouncedIP = ip
	}
	if addr := os.Getenv("HUDDLE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
