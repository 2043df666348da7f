package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/ws"
)

const (
	ServerShutdownTimeout = 15 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 60 * time.Second
	DependencyTimeout     = 5 * time.Second
)

type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"console"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	OutboxSize     int           `env:"OUTBOX_SIZE" envDefault:"64"`

	MatchStrategy  string        `env:"MATCH_STRATEGY" envDefault:"preferred_first"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	SessionMaxAge  time.Duration `env:"SESSION_MAX_AGE" envDefault:"2h"`
	StatsInterval  time.Duration `env:"STATS_INTERVAL" envDefault:"10s"`

	VerifyTrustScore int           `env:"VERIFY_TRUST_SCORE" envDefault:"75"`
	VerifyDelay      time.Duration `env:"VERIFY_DELAY" envDefault:"0s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	RedisURL    string `env:"REDIS_URL"`
	NATSURL     string `env:"NATS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	EventBuffer int `env:"EVENT_BUFFER" envDefault:"1024"`
}

// Strategy parses MatchStrategy. Validate has already rejected bad values
// for a loaded config.
func (c *Config) Strategy() matching.Strategy {
	s, err := matching.ParseStrategy(c.MatchStrategy)
	if err != nil {
		return matching.StrategyPreferredFirst
	}
	return s
}

// ServerConfig maps the transport settings onto the WebSocket server.
func (c *Config) ServerConfig() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.OutboxSize = c.OutboxSize
	return sc
}

func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be positive, got %d", c.OutboxSize)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT and WRITE_TIMEOUT must be positive")
	}
	if _, err := matching.ParseStrategy(c.MatchStrategy); err != nil {
		return fmt.Errorf("MATCH_STRATEGY: %w", err)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
	}
	if c.SessionMaxAge <= c.ReaperInterval {
		return fmt.Errorf("SESSION_MAX_AGE (%s) must exceed REAPER_INTERVAL (%s)", c.SessionMaxAge, c.ReaperInterval)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("STATS_INTERVAL must not be negative, got %s", c.StatsInterval)
	}
	if c.VerifyTrustScore < 0 || c.VerifyTrustScore > 100 {
		return fmt.Errorf("VERIFY_TRUST_SCORE must be within 0..100, got %d", c.VerifyTrustScore)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("EVENT_BUFFER must be positive, got %d", c.EventBuffer)
	}

	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: rate limiting disabled")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
