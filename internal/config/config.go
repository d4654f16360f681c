package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the researchflow server.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type LogConfig struct {
	Level string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// WorkerConfig sizes the job dispatcher.
type WorkerConfig struct {
	Count     int
	QueueSize int
}

// EventsConfig sizes the in-process event hub.
type EventsConfig struct {
	BufferSize       int
	SubscriberBuffer int
	MaxJobs          int
}

type RateLimitConfig struct {
	PerMinute int
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// The pipeline file named by PIPELINE_CONFIG, when set, supplies gate and
// executor settings; GATE_MAX_LOOPBACKS and REVIEW_TIMEOUT override it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RESEARCH_PORT", 8080),
			Env:  envString("RESEARCH_ENV", "development"),
		},
		Log: LogConfig{
			Level: strings.ToLower(envString("LOG_LEVEL", "info")),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			Count:     envInt("WORKER_COUNT", 4),
			QueueSize: envInt("WORKER_QUEUE_SIZE", 256),
		},
		Events: EventsConfig{
			BufferSize:       envInt("EVENT_BUFFER_SIZE", 256),
			SubscriberBuffer: envInt("EVENT_SUBSCRIBER_BUFFER", 64),
			MaxJobs:          envInt("EVENT_MAX_JOBS", 1024),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Pipeline: DefaultPipeline(),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		p, err := LoadPipeline(path)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline = *p
	}
	cfg.Pipeline.Gate.MaxLoopbacks = envInt("GATE_MAX_LOOPBACKS", cfg.Pipeline.Gate.MaxLoopbacks)
	cfg.Pipeline.Gate.ReviewTimeout = envDuration("REVIEW_TIMEOUT", cfg.Pipeline.Gate.ReviewTimeout)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be positive, got %d", c.Worker.QueueSize)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.PerMinute)
	}

	return c.Pipeline.validate()
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
