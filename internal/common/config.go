package common

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchema string

const configSchemaURL = "ocrpipe://config.schema.json"

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	OCR       OCRConfig       `yaml:"ocr"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"maxConns"`
	MinConns         int32         `yaml:"minConns"`
	MaxConnLifetime  time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime  time.Duration `yaml:"maxConnIdleTime"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`
	StatementTimeout time.Duration `yaml:"statementTimeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"httpAddr"`
	GRPCAddr        string        `yaml:"grpcAddr"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Binary      string        `yaml:"binary"`
	Language    string        `yaml:"language"`
	TessdataDir string        `yaml:"tessdataDir"`
	TempDir     string        `yaml:"tempDir"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	LocalRoot string `yaml:"localRoot"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

type QueueConfig struct {
	Workers int  `yaml:"workers"`
	Dedup   bool `yaml:"dedup"`
}

type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`
	Window        time.Duration `yaml:"window"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"tokenTTL"`
}

// IngestConfig enables the hot-folder watcher when Dir is set.
type IngestConfig struct {
	Dir         string        `yaml:"dir"`
	Debounce    time.Duration `yaml:"debounce"`
	InitialScan bool          `yaml:"initialScan"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file or env override is present.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:ocrpipe.db",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			MaxUploadBytes:  25 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		OCR: OCRConfig{
			Binary:   "tesseract",
			Language: "eng",
			Timeout:  3 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:   "local",
			LocalRoot: "./data",
			Bucket:    "ocrpipe",
		},
		Queue: QueueConfig{
			Workers: 1,
			Dedup:   true,
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Window:  time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Ingest: IngestConfig{
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads an optional YAML file over the defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := validateDocument(raw); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "config does not match schema", errors.Join(ErrValidation, err))
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// validateDocument checks the raw YAML against the embedded JSON schema.
func validateDocument(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// round-trip through JSON so the validator only sees JSON types
	js, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaURL, strings.NewReader(configSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile(configSchemaURL)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

func applyEnv(c *Config) {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.MaxUploadBytes = getEnvAsInt64("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)

	c.OCR.Binary = getEnv("TESSERACT_BIN", c.OCR.Binary)
	c.OCR.Language = getEnv("TESSERACT_LANG", c.OCR.Language)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.TempDir = getEnv("OCR_TEMP_DIR", c.OCR.TempDir)
	c.OCR.Timeout = getEnvAsDuration("OCR_TIMEOUT", c.OCR.Timeout)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalRoot = getEnv("STORAGE_ROOT", c.Storage.LocalRoot)
	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnv("S3_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("S3_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = getEnv("S3_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getEnv("S3_REGION", c.Storage.Region)
	c.Storage.UseSSL = getEnvAsBool("S3_USE_SSL", c.Storage.UseSSL)

	c.Queue.Workers = getEnvAsInt("OCR_WORKERS", c.Queue.Workers)
	c.Queue.Dedup = getEnvAsBool("OCR_DEDUP", c.Queue.Dedup)

	c.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.Window = getEnvAsDuration("RATE_LIMIT_WINDOW", c.RateLimit.Window)
	c.RateLimit.RedisAddr = getEnv("REDIS_ADDR", c.RateLimit.RedisAddr)
	c.RateLimit.RedisPassword = getEnv("REDIS_PASSWORD", c.RateLimit.RedisPassword)
	c.RateLimit.RedisDB = getEnvAsInt("REDIS_DB", c.RateLimit.RedisDB)

	c.Auth.Secret = getEnv("TOKEN_SECRET", c.Auth.Secret)
	c.Auth.TokenTTL = getEnvAsDuration("AUTH_TOKEN_TTL", c.Auth.TokenTTL)

	c.Ingest.Dir = getEnv("INGEST_DIR", c.Ingest.Dir)
	c.Ingest.Debounce = getEnvAsDuration("INGEST_DEBOUNCE", c.Ingest.Debounce)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the effective configuration after env overrides.
func (c *Config) Validate() error {
	v := NewValidator().
		Field("database.driver", c.Database.Driver, Required, OneOf("sqlite", "postgres")).
		Field("database.dsn", c.Database.DSN, Required).
		Field("server.httpAddr", c.Server.HTTPAddr, Required).
		Field("server.grpcAddr", c.Server.GRPCAddr, Required).
		Field("server.maxUploadBytes", c.Server.MaxUploadBytes, Positive).
		Field("ocr.binary", c.OCR.Binary, Required).
		Field("ocr.language", c.OCR.Language, Required).
		Field("storage.backend", c.Storage.Backend, Required, OneOf("local", "minio")).
		Field("queue.workers", c.Queue.Workers, Positive).
		Field("rateLimit.backend", c.RateLimit.Backend, Required, OneOf("memory", "redis")).
		Field("log.format", c.Log.Format, OneOf("text", "json"))

	switch c.Storage.Backend {
	case "local":
		v.Field("storage.localRoot", c.Storage.LocalRoot, Required)
	case "minio":
		v.Field("storage.endpoint", c.Storage.Endpoint, Required).
			Field("storage.bucket", c.Storage.Bucket, Required)
	}
	if c.RateLimit.Backend == "redis" {
		v.Field("rateLimit.redisAddr", c.RateLimit.RedisAddr, Required)
	}

	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}
