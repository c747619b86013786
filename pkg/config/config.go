package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Manifest ManifestConfig `yaml:"manifest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds settings for the metadata index database.
// Driver "none" disables the index entirely.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres, sqlite, none
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	BlobTTL  time.Duration `yaml:"blob_ttl"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type      string            `yaml:"type"` // local, s3, memory
	Bucket    string            `yaml:"bucket"`
	Region    string            `yaml:"region"`
	Endpoint  string            `yaml:"endpoint"`
	AccessKey string            `yaml:"access_key"`
	SecretKey string            `yaml:"secret_key"`
	UseSSL    bool              `yaml:"use_ssl"`
	LocalPath string            `yaml:"local_path"`
	Options   map[string]string `yaml:"options"`
}

// UploadConfig controls the chunked upload session manager
type UploadConfig struct {
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	DigestAlgorithm   string        `yaml:"digest_algorithm"`
	MaxChunkSize      int64         `yaml:"max_chunk_size"` // 0 means unlimited
	MaxBlobSize       int64         `yaml:"max_blob_size"`  // 0 means unlimited
}

// ManifestConfig controls manifest acceptance
type ManifestConfig struct {
	MaxSize int64 `yaml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Defaults returns the configuration used when nothing else is set
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:  "none",
			Host:    "localhost",
			Port:    5432,
			User:    "keystone",
			DBName:  "keystone",
			SSLMode: "disable",
			Path:    "./keystone.db",
		},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    6379,
			BlobTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Type:      "local",
			Bucket:    "keystone-registry",
			Region:    "us-east-1",
			LocalPath: "./data",
		},
		Upload: UploadConfig{
			SessionTimeout:    24 * time.Hour,
			TerminalRetention: 10 * time.Minute,
			SweepInterval:     time.Hour,
			DigestAlgorithm:   "sha256",
		},
		Manifest: ManifestConfig{
			MaxSize: 4 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML configuration file. Environment variables override
// values from the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// Load reads path when it is non-empty and falls back to the environment otherwise
func Load(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = LoadFromEnv()
	} else {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.BlobTTL = getEnvDuration("REDIS_BLOB_TTL", c.Redis.BlobTTL)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getEnv("STORAGE_REGION", c.Storage.Region)
	c.Storage.Endpoint = getEnv("STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnv("STORAGE_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("STORAGE_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.UseSSL = getEnvBool("STORAGE_USE_SSL", c.Storage.UseSSL)
	c.Storage.LocalPath = getEnv("STORAGE_LOCAL_PATH", c.Storage.LocalPath)

	c.Upload.SessionTimeout = getEnvDuration("UPLOAD_SESSION_TIMEOUT", c.Upload.SessionTimeout)
	c.Upload.TerminalRetention = getEnvDuration("UPLOAD_TERMINAL_RETENTION", c.Upload.TerminalRetention)
	c.Upload.SweepInterval = getEnvDuration("UPLOAD_SWEEP_INTERVAL", c.Upload.SweepInterval)
	c.Upload.DigestAlgorithm = getEnv("UPLOAD_DIGEST_ALGORITHM", c.Upload.DigestAlgorithm)
	c.Upload.MaxChunkSize = getEnvInt64("UPLOAD_MAX_CHUNK_SIZE", c.Upload.MaxChunkSize)
	c.Upload.MaxBlobSize = getEnvInt64("UPLOAD_MAX_BLOB_SIZE", c.Upload.MaxBlobSize)

	c.Manifest.MaxSize = getEnvInt64("MANIFEST_MAX_SIZE", c.Manifest.MaxSize)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks for settings that would make the registry unusable
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalPath == "" {
			errs = append(errs, errors.New("storage.local_path is required for local storage"))
		}
	case "s3":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for s3 storage"))
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for s3 storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite", "none", "":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %s", c.Database.Driver))
	}

	if c.Upload.SessionTimeout <= 0 {
		errs = append(errs, errors.New("upload.session_timeout must be positive"))
	}
	if c.Upload.TerminalRetention < 0 {
		errs = append(errs, errors.New("upload.terminal_retention must not be negative"))
	}
	if c.Manifest.MaxSize <= 0 {
		errs = append(errs, errors.New("manifest.max_size must be positive"))
	}

	return errors.Join(errs...)
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
