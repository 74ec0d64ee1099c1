package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig        `json:"server"`
	Redis      RedisConfig         `json:"redis"`
	Cache      CacheConfig         `json:"cache"`
	Regulatory RegulatoryAPIConfig `json:"regulatory"`
	Resilience ResilienceConfig    `json:"resilience"`
	Queue      QueueConfig         `json:"queue"`
	Logging    LoggingConfig       `json:"logging"`
	Tracing    TracingConfig       `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// CacheConfig contains fallback cache configuration
type CacheConfig struct {
	Backend    string        `json:"backend"` // "memory" or "redis"
	KeyPrefix  string        `json:"key_prefix"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// RegulatoryAPIConfig contains upstream regulatory data API configuration
type RegulatoryAPIConfig struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"api_key"`
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

// ResilienceConfig contains circuit breaker, rate limiter, and retry configuration
type ResilienceConfig struct {
	FailureThreshold  int           `json:"failure_threshold"`
	ResetTimeout      time.Duration `json:"reset_timeout"`
	RateLimitCapacity int           `json:"rate_limit_capacity"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	ExponentialBase   float64       `json:"exponential_base"`
	Jitter            bool          `json:"jitter"`
	DefaultTimeout    time.Duration `json:"default_timeout"`
	FailClosed        bool          `json:"fail_closed"`
}

// QueueConfig contains request queue configuration
type QueueConfig struct {
	MaxConcurrent      int           `json:"max_concurrent"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	MaxDepth           int           `json:"max_depth"`
	ShutdownGrace      time.Duration `json:"shutdown_grace"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Cache: CacheConfig{
			Backend:    getEnvString("CACHE_BACKEND", "memory"),
			KeyPrefix:  getEnvString("CACHE_KEY_PREFIX", "medregagent"),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Regulatory: RegulatoryAPIConfig{
			BaseURL:   getEnvString("REGULATORY_API_BASE_URL", "https://api.fda.gov"),
			APIKey:    getEnvString("REGULATORY_API_KEY", ""),
			Timeout:   getEnvDuration("REGULATORY_API_TIMEOUT", 30*time.Second),
			UserAgent: getEnvString("REGULATORY_API_USER_AGENT", "medregagent/1.0"),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  getEnvInt("RESILIENCE_FAILURE_THRESHOLD", 5),
			ResetTimeout:      getEnvDuration("RESILIENCE_RESET_TIMEOUT", 60*time.Second),
			RateLimitCapacity: getEnvInt("RESILIENCE_RATE_LIMIT_CAPACITY", 240),
			RateLimitWindow:   getEnvDuration("RESILIENCE_RATE_LIMIT_WINDOW", 60*time.Second),
			MaxRetries:        getEnvInt("RESILIENCE_MAX_RETRIES", 3),
			BaseDelay:         getEnvDuration("RESILIENCE_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:          getEnvDuration("RESILIENCE_MAX_DELAY", 30*time.Second),
			ExponentialBase:   getEnvFloat("RESILIENCE_EXPONENTIAL_BASE", 2.0),
			Jitter:            getEnvBool("RESILIENCE_JITTER", true),
			DefaultTimeout:    getEnvDuration("RESILIENCE_DEFAULT_TIMEOUT", 60*time.Second),
			FailClosed:        getEnvBool("RESILIENCE_FAIL_CLOSED", false),
		},
		Queue: QueueConfig{
			MaxConcurrent:      getEnvInt("QUEUE_MAX_CONCURRENT", 5),
			RateLimitPerMinute: getEnvInt("QUEUE_RATE_LIMIT_PER_MINUTE", 120),
			MaxDepth:           getEnvInt("QUEUE_MAX_DEPTH", 1000),
			ShutdownGrace:      getEnvDuration("QUEUE_SHUTDOWN_GRACE", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "medregagent-api"),
			ServiceVersion: getEnvString("TRACING_SERVICE_VERSION", "1.0.0"),
			Environment:    getEnvString("TRACING_ENVIRONMENT", "development"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 0.1),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache backend must be \"memory\" or \"redis\"")
	}

	if c.Regulatory.BaseURL == "" {
		return fmt.Errorf("regulatory API base URL is required")
	}

	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive")
	}

	if c.Resilience.RateLimitCapacity <= 0 || c.Resilience.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit capacity and window must be positive")
	}

	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Resilience.ExponentialBase <= 1.0 {
		return fmt.Errorf("exponential base must be greater than 1.0")
	}

	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue max concurrent must be positive")
	}

	if c.Queue.RateLimitPerMinute <= 0 {
		return fmt.Errorf("queue rate limit per minute must be positive")
	}

	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue max depth must be positive")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be between 0.0 and 1.0")
	}

	return nil
}

// RedisAddr returns the Redis address in host:port form
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
