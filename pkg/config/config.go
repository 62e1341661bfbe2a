// Package config loads the specmem configuration from file and environment.
// File: specmem.yaml (override with SPECMEM_CONFIG_FILE). Environment
// variables use the SPECMEM_ prefix with dots replaced by underscores, e.g.
// SPECMEM_DATABASE_HOST overrides database.host.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/specmem/specmem/pkg/observability"
)

// DatabaseConfig contains relational store connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EmbeddingConfig contains embedding service settings
type EmbeddingConfig struct {
	// SocketPath overrides the derived per-project socket path when set
	SocketPath     string        `mapstructure:"socket_path"`
	TimeoutMin     time.Duration `mapstructure:"timeout_min"`
	TimeoutMax     time.Duration `mapstructure:"timeout_max"`
	TimeoutInitial time.Duration `mapstructure:"timeout_initial"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// SearchConfig contains default search parameters
type SearchConfig struct {
	Limit     int     `mapstructure:"limit"`
	Threshold float64 `mapstructure:"threshold"`
	// MaxContentLength is the compression threshold for summarized results
	MaxContentLength int `mapstructure:"max_content_length"`
}

// ConsolidationConfig drives the background consolidation worker
type ConsolidationConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	MinMemories         int           `mapstructure:"min_memories"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	TagJaccardThreshold float64       `mapstructure:"tag_jaccard_threshold"`
	TemporalWindow      time.Duration `mapstructure:"temporal_window"`
}

// HotPathConfig drives heat management
type HotPathConfig struct {
	DecayFactor   float64       `mapstructure:"decay_factor"`
	DecayInterval time.Duration `mapstructure:"decay_interval"`
	PruneFloor    float64       `mapstructure:"prune_floor"`
}

// QueueConfig drives the embedding overflow queue
type QueueConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	CleanupAfter  time.Duration `mapstructure:"cleanup_after"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	// AgingAfter bumps the priority of pending rows older than this
	AgingAfter time.Duration `mapstructure:"aging_after"`
}

// IndexerConfig drives codebase ingestion
type IndexerConfig struct {
	MaxFileSize   int64 `mapstructure:"max_file_size"`
	ChunkMaxLines int   `mapstructure:"chunk_max_lines"`
}

// Config holds the complete engine configuration
type Config struct {
	// ProjectPath is the isolation root; defaults to the working directory
	ProjectPath   string               `mapstructure:"project_path"`
	Database      DatabaseConfig       `mapstructure:"database"`
	Embedding     EmbeddingConfig      `mapstructure:"embedding"`
	Search        SearchConfig         `mapstructure:"search"`
	Consolidation ConsolidationConfig  `mapstructure:"consolidation"`
	HotPath       HotPathConfig        `mapstructure:"hotpath"`
	Queue         QueueConfig          `mapstructure:"queue"`
	Indexer       IndexerConfig        `mapstructure:"indexer"`
	Observability observability.Config `mapstructure:"observability"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("SPECMEM_CONFIG_FILE")
	if configFile == "" {
		configFile = "specmem.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("SPECMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults carry the rest
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.ProjectPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.ProjectPath = cwd
	}

	return cfg, nil
}

// DSN builds a lib/pq connection string with the search_path pinned to the
// given schema. The pin in the DSN guarantees every pooled connection starts
// with the correct search path before its first query.
func (c DatabaseConfig) DSN(schema string) string {
	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("dbname=%s", c.Name),
		fmt.Sprintf("user=%s", c.User),
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.Password))
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	parts = append(parts, fmt.Sprintf("sslmode=%s", sslMode))
	if schema != "" {
		parts = append(parts, fmt.Sprintf("search_path=%s,public", schema))
	}
	return strings.Join(parts, " ")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "specmem")
	v.SetDefault("database.user", "specmem")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_idle_time", 30*time.Second)
	v.SetDefault("database.conn_max_lifetime", 10*time.Minute)

	v.SetDefault("embedding.timeout_min", 2*time.Second)
	v.SetDefault("embedding.timeout_max", 60*time.Second)
	v.SetDefault("embedding.timeout_initial", 10*time.Second)
	v.SetDefault("embedding.max_retries", 3)

	v.SetDefault("search.limit", 10)
	v.SetDefault("search.threshold", 0.0)
	v.SetDefault("search.max_content_length", 2000)

	v.SetDefault("consolidation.interval", 30*time.Minute)
	v.SetDefault("consolidation.min_memories", 20)
	v.SetDefault("consolidation.similarity_threshold", 0.85)
	v.SetDefault("consolidation.tag_jaccard_threshold", 0.5)
	v.SetDefault("consolidation.temporal_window", time.Hour)

	v.SetDefault("hotpath.decay_factor", 0.95)
	v.SetDefault("hotpath.decay_interval", time.Hour)
	v.SetDefault("hotpath.prune_floor", 0.5)

	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.cleanup_after", 7*24*time.Hour)
	v.SetDefault("queue.drain_interval", 30*time.Second)
	v.SetDefault("queue.aging_after", 10*time.Minute)

	v.SetDefault("indexer.max_file_size", int64(1024*1024))
	v.SetDefault("indexer.chunk_max_lines", 400)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.namespace", "specmem")
}
