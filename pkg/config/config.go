package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the upload coordinator, read once at start
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upload    UploadConfig    `yaml:"upload"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Registry  RegistryConfig  `yaml:"registry"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UploadConfig holds chunk, sizing and retention settings
type UploadConfig struct {
	ChunkSize      int64         `yaml:"chunk_size"`
	MaxFileSize    int64         `yaml:"max_file_size"`
	UploadDir      string        `yaml:"upload_dir"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	Retention      time.Duration `yaml:"retention"`
}

// SchedulerConfig holds admission-control settings for chunk writes
type SchedulerConfig struct {
	MaxParallelWrites     int           `yaml:"max_parallel_writes"`
	MaxParallelPerSession int           `yaml:"max_parallel_per_session"`
	QueueSize             int           `yaml:"queue_size"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
}

// RateLimitConfig holds the per-IP token bucket limits
type RateLimitConfig struct {
	GeneralLimit    int           `yaml:"general_limit"`
	UploadLimit     int           `yaml:"upload_limit"`
	MonitoringLimit int           `yaml:"monitoring_limit"`
	Window          time.Duration `yaml:"window"`
}

// RegistryConfig selects and configures the session registry backend
type RegistryConfig struct {
	Backend    string `yaml:"backend"` // memory, sqlite, postgres, redis
	SQLitePath string `yaml:"sqlite_path"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Upload: UploadConfig{
			ChunkSize:      getEnvInt64("CHUNK_SIZE", 1<<20),
			MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 2<<30),
			UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
			StaleThreshold: getEnvDuration("STALE_THRESHOLD", 30*time.Minute),
			ReaperInterval: getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
			Retention:      getEnvDuration("RETENTION", 30*24*time.Hour),
		},
		Scheduler: SchedulerConfig{
			MaxParallelWrites:     getEnvInt("MAX_PARALLEL_WRITES", 16),
			MaxParallelPerSession: getEnvInt("MAX_PARALLEL_PER_SESSION", 3),
			QueueSize:             getEnvInt("SCHEDULER_QUEUE_SIZE", 16),
			WriteTimeout:          getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			GeneralLimit:    getEnvInt("RATE_LIMIT_GENERAL", 100),
			UploadLimit:     getEnvInt("RATE_LIMIT_UPLOAD", 1000),
			MonitoringLimit: getEnvInt("RATE_LIMIT_MONITORING", 500),
			Window:          getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		},
		Registry: RegistryConfig{
			Backend:    getEnv("REGISTRY_BACKEND", "sqlite"),
			SQLitePath: getEnv("REGISTRY_SQLITE_PATH", "./uploads/sessions.db"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "mediavault"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "mediavault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
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
