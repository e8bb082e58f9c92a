// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Database, Kafka, Redis, Embedding, VectorIndex,
// Retrieval, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Cache       CacheConfig       `yaml:"cache"`
	Storage     StorageConfig     `yaml:"storage"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorIndex VectorIndexConfig `yaml:"vectorIndex"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig selects the relational store driver and its connection
// parameters. Driver is "postgres" or "sqlite"; Path is only used by sqlite.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Path == "" || d.Path == ":memory:" {
			return "file::memory:?cache=shared&_pragma=foreign_keys(1)"
		}
		return "file:" + d.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest  string `yaml:"documentIngest"`
	CacheInvalidate string `yaml:"cacheInvalidate"`
	RetrievalEvents string `yaml:"retrievalEvents"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// CacheConfig selects the cache backend. Backend is "memory" or "redis".
type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	ChunksTTL       time.Duration `yaml:"chunksTTL"`
}

// StorageConfig controls where raw document bytes are read from and where
// uploads are written.
type StorageConfig struct {
	DataDir          string    `yaml:"dataDir"`
	GCS              GCSConfig `yaml:"gcs"`
	MaxDocumentBytes int64     `yaml:"maxDocumentBytes"`
}

// GCSConfig enables gs:// references. Without a credentials file the
// client uses application default credentials.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentialsFile"`
}

// GCSEnabled reports whether gs:// references should be served. Naming a
// credentials file implies it.
func (s StorageConfig) GCSEnabled() bool {
	return s.GCS.Enabled || s.GCS.CredentialsFile != ""
}

// ExtractionConfig controls the PDF layout pass.
type ExtractionConfig struct {
	PDFToTextPath  string `yaml:"pdftotextPath"`
	MinLayoutChars int    `yaml:"minLayoutChars"`
}

// ChunkingConfig holds default chunk parameters and the accepted size range.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
	MinSize int `yaml:"minSize"`
	MaxSize int `yaml:"maxSize"`
}

// EmbeddingConfig selects the embedding provider and its protections.
type EmbeddingConfig struct {
	Provider       string               `yaml:"provider"`
	Model          string               `yaml:"model"`
	BaseURL        string               `yaml:"baseUrl"`
	APIKey         string               `yaml:"apiKey"`
	Dimensions     int                  `yaml:"dimensions"`
	BatchSize      int                  `yaml:"batchSize"`
	Concurrency    int                  `yaml:"concurrency"`
	RequestsPerSec float64              `yaml:"requestsPerSec"`
	Burst          int                  `yaml:"burst"`
	CacheTTL       time.Duration        `yaml:"cacheTTL"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig for YAML.
type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failureThreshold"`
	ResetTimeout        time.Duration `yaml:"resetTimeout"`
	HalfOpenMaxRequests int           `yaml:"halfOpenMaxRequests"`
}

// RetryConfig mirrors resilience.RetryConfig for YAML.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// VectorIndexConfig selects the vector index backend. Backend is "memory"
// or "pgvector".
type VectorIndexConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	Table         string        `yaml:"table"`
}

// RetrievalConfig controls query defaults, caching and reranking.
type RetrievalConfig struct {
	DefaultTopK      int           `yaml:"defaultTopK"`
	MaxTopK          int           `yaml:"maxTopK"`
	MaxCandidates    int           `yaml:"maxCandidates"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	BatchConcurrency int           `yaml:"batchConcurrency"`
	Rerank           RerankConfig  `yaml:"rerank"`
}

// RerankConfig holds the lexical reranking weights.
type RerankConfig struct {
	PhraseBonus   float64 `yaml:"phraseBonus"`
	TermBonus     float64 `yaml:"termBonus"`
	TagBonus      float64 `yaml:"tagBonus"`
	LengthPenalty float64 `yaml:"lengthPenalty"`
	LengthFloor   int     `yaml:"lengthFloor"`
	LengthScale   float64 `yaml:"lengthScale"`
}

// PipelineConfig controls ingestion concurrency.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// TimeoutConfig bounds each component call.
type TimeoutConfig struct {
	Extract time.Duration `yaml:"extract"`
	Embed   time.Duration `yaml:"embed"`
	Index   time.Duration `yaml:"index"`
	Cache   time.Duration `yaml:"cache"`
	Store   time.Duration `yaml:"store"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the components cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	switch c.VectorIndex.Backend {
	case "memory":
	case "pgvector":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("vectorIndex.backend pgvector requires database.driver postgres")
		}
	default:
		return fmt.Errorf("vectorIndex.backend must be memory or pgvector, got %q", c.VectorIndex.Backend)
	}
	switch c.Embedding.Provider {
	case "hash", "openai", "ollama":
	default:
		return fmt.Errorf("embedding.provider must be hash, openai or ollama, got %q", c.Embedding.Provider)
	}
	if c.Chunking.MinSize <= 0 || c.Chunking.MaxSize < c.Chunking.MinSize {
		return fmt.Errorf("chunking bounds invalid: minSize=%d maxSize=%d", c.Chunking.MinSize, c.Chunking.MaxSize)
	}
	return nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Path:            "data/passages.db",
			Host:            "localhost",
			Port:            5432,
			Database:        "passages",
			User:            "passages",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       true,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "passages-group",
			Topics: KafkaTopics{
				DocumentIngest:  "document-ingest",
				CacheInvalidate: "cache-invalidate",
				RetrievalEvents: "retrieval-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Cache: CacheConfig{
			Backend:         "redis",
			CleanupInterval: time.Minute,
			ChunksTTL:       24 * time.Hour,
		},
		Storage: StorageConfig{
			DataDir:          "data/documents",
			MaxDocumentBytes: 64 << 20,
		},
		Extraction: ExtractionConfig{
			PDFToTextPath:  "pdftotext",
			MinLayoutChars: 100,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
			MinSize: 100,
			MaxSize: 5000,
		},
		Embedding: EmbeddingConfig{
			Provider:       "hash",
			Model:          "hash-256",
			Dimensions:     256,
			BatchSize:      64,
			Concurrency:    3,
			RequestsPerSec: 10,
			Burst:          5,
			CacheTTL:       time.Hour,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    5,
				ResetTimeout:        30 * time.Second,
				HalfOpenMaxRequests: 1,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
		},
		VectorIndex: VectorIndexConfig{
			Backend:       "memory",
			Path:          "data/vectors.prvx",
			FlushInterval: 30 * time.Second,
			Table:         "passage_vectors",
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:      10,
			MaxTopK:          100,
			MaxCandidates:    100,
			CacheTTL:         30 * time.Minute,
			BatchConcurrency: 3,
			Rerank: RerankConfig{
				PhraseBonus:   0.10,
				TermBonus:     0.05,
				TagBonus:      0.02,
				LengthPenalty: 0.01,
				LengthFloor:   500,
				LengthScale:   10000,
			},
		},
		Pipeline: PipelineConfig{
			Workers: 4,
		},
		Timeouts: TimeoutConfig{
			Extract: 2 * time.Minute,
			Embed:   30 * time.Second,
			Index:   10 * time.Second,
			Cache:   500 * time.Millisecond,
			Store:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads PR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt("PR_SERVER_PORT", &cfg.Server.Port)
	setString("PR_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("PR_DATABASE_PATH", &cfg.Database.Path)
	setString("PR_DATABASE_HOST", &cfg.Database.Host)
	setInt("PR_DATABASE_PORT", &cfg.Database.Port)
	setString("PR_DATABASE_NAME", &cfg.Database.Database)
	setString("PR_DATABASE_USER", &cfg.Database.User)
	setString("PR_DATABASE_PASSWORD", &cfg.Database.Password)
	setString("PR_DATABASE_SSLMODE", &cfg.Database.SSLMode)
	if v := os.Getenv("PR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setBool("PR_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	setString("PR_REDIS_ADDR", &cfg.Redis.Addr)
	setString("PR_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("PR_CACHE_BACKEND", &cfg.Cache.Backend)
	setString("PR_STORAGE_DATA_DIR", &cfg.Storage.DataDir)
	setBool("PR_STORAGE_GCS_ENABLED", &cfg.Storage.GCS.Enabled)
	setString("PR_STORAGE_GCS_CREDENTIALS", &cfg.Storage.GCS.CredentialsFile)
	setString("PR_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("PR_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setString("PR_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("PR_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setInt("PR_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	setString("PR_VECTOR_INDEX_BACKEND", &cfg.VectorIndex.Backend)
	setString("PR_VECTOR_INDEX_PATH", &cfg.VectorIndex.Path)
	setString("PR_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("PR_LOGGING_FORMAT", &cfg.Logging.Format)
	setInt("PR_METRICS_PORT", &cfg.Metrics.Port)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
