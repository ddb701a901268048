// Package config loads the application configuration from file, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/logging"
)

// EnvPrefix is prepended to every environment override, e.g. FGO_SERVER_ADDR.
const EnvPrefix = "FGO"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Models    ModelsConfig    `mapstructure:"models"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Linking   LinkingConfig   `mapstructure:"linking"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   logging.Config  `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ModelsConfig points at the model registry and names the logical models
// used by the assistant.
type ModelsConfig struct {
	File  string `mapstructure:"file"`
	Chat  string `mapstructure:"chat"`
	Embed string `mapstructure:"embed"`
}

// RetrievalConfig holds vector store and reranker settings.
type RetrievalConfig struct {
	TopK           int    `mapstructure:"top_k"`
	VectorDBPath   string `mapstructure:"vector_db_path"` // directory holding vectors.db
	RerankURL      string `mapstructure:"rerank_url"`     // empty disables the cross-encoder
	RerankModel    string `mapstructure:"rerank_model"`
	RerankWorkers  int    `mapstructure:"rerank_workers"`
	RerankBatch    int    `mapstructure:"rerank_batch"`
	FilterByEntity bool   `mapstructure:"filter_by_entity"`
	ChunkSize      int    `mapstructure:"chunk_size"`
	ChunkOverlap   int    `mapstructure:"chunk_overlap"`
	EmbedBatch     int    `mapstructure:"embed_batch"`
}

// ResolverConfig tunes the query resolution loop.
type ResolverConfig struct {
	MaxRetry         int     `mapstructure:"max_retry"`
	QualityThreshold float64 `mapstructure:"quality_threshold"`
	HistoryTurns     int     `mapstructure:"history_turns"`
}

// LinkingConfig locates the servant alias table.
type LinkingConfig struct {
	AliasFile string `mapstructure:"alias_file"`
	Watch     bool   `mapstructure:"watch"`
}

// WebSearchConfig holds the external search settings.
type WebSearchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	Region     string        `mapstructure:"region"`
	MaxResults int           `mapstructure:"max_results"`
	MaxChars   int           `mapstructure:"max_chars"`
	Timeout    time.Duration `mapstructure:"timeout"`
	FetchPages bool          `mapstructure:"fetch_pages"`
}

// MonitorConfig selects where call records go.
type MonitorConfig struct {
	Sink        string `mapstructure:"sink"` // sqlite, redis or none
	DBPath      string `mapstructure:"db_path"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisStream string `mapstructure:"redis_stream"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter"` // none, stdout or otlphttp
	Endpoint string `mapstructure:"endpoint"`
}

// Monitor sink kinds.
const (
	SinkSQLite = "sqlite"
	SinkRedis  = "redis"
	SinkNone   = "none"
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Models: ModelsConfig{
			File:  "configs/models.yaml",
			Chat:  "chat",
			Embed: "embedding",
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			VectorDBPath:  "data",
			RerankWorkers: 4,
			RerankBatch:   8,
			ChunkSize:     500,
			ChunkOverlap:  50,
			EmbedBatch:    16,
		},
		Resolver: ResolverConfig{
			MaxRetry:         2,
			QualityThreshold: 0.6,
			HistoryTurns:     3,
		},
		Linking: LinkingConfig{
			AliasFile: "data/servant_aliases.json",
		},
		WebSearch: WebSearchConfig{
			Enabled:    true,
			Endpoint:   "https://html.duckduckgo.com/html/",
			MaxResults: 5,
			MaxChars:   4000,
			Timeout:    20 * time.Second,
			FetchPages: true,
		},
		Monitor: MonitorConfig{
			Sink:        SinkSQLite,
			DBPath:      "data/fgo-agent.db",
			RedisAddr:   "localhost:6379",
			RedisStream: "fgo:call_logs",
		},
		Logging: logging.Config{Level: "info"},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load reads configuration from path (or ./config.yaml, ./configs/config.yaml
// when empty), then applies FGO_* environment overrides. A missing default
// config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Monitor.Sink {
	case SinkSQLite, SinkRedis, SinkNone:
	default:
		return fmt.Errorf("monitor.sink must be sqlite, redis or none, got %q", c.Monitor.Sink)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter must be none, stdout or otlphttp, got %q", c.Tracing.Exporter)
	}
	if c.Models.File == "" {
		return errors.New("models.file is required")
	}
	if c.Models.Chat == "" || c.Models.Embed == "" {
		return errors.New("models.chat and models.embed are required")
	}
	if c.Resolver.MaxRetry < 0 {
		return fmt.Errorf("resolver.max_retry must not be negative, got %d", c.Resolver.MaxRetry)
	}
	if c.Resolver.QualityThreshold < 0 || c.Resolver.QualityThreshold > 1 {
		return fmt.Errorf("resolver.quality_threshold must be within [0,1], got %g", c.Resolver.QualityThreshold)
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return errors.New("retrieval.chunk_overlap must be smaller than retrieval.chunk_size")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("models.file", d.Models.File)
	v.SetDefault("models.chat", d.Models.Chat)
	v.SetDefault("models.embed", d.Models.Embed)

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.vector_db_path", d.Retrieval.VectorDBPath)
	v.SetDefault("retrieval.rerank_url", d.Retrieval.RerankURL)
	v.SetDefault("retrieval.rerank_model", d.Retrieval.RerankModel)
	v.SetDefault("retrieval.rerank_workers", d.Retrieval.RerankWorkers)
	v.SetDefault("retrieval.rerank_batch", d.Retrieval.RerankBatch)
	v.SetDefault("retrieval.filter_by_entity", d.Retrieval.FilterByEntity)
	v.SetDefault("retrieval.chunk_size", d.Retrieval.ChunkSize)
	v.SetDefault("retrieval.chunk_overlap", d.Retrieval.ChunkOverlap)
	v.SetDefault("retrieval.embed_batch", d.Retrieval.EmbedBatch)

	v.SetDefault("resolver.max_retry", d.Resolver.MaxRetry)
	v.SetDefault("resolver.quality_threshold", d.Resolver.QualityThreshold)
	v.SetDefault("resolver.history_turns", d.Resolver.HistoryTurns)

	v.SetDefault("linking.alias_file", d.Linking.AliasFile)
	v.SetDefault("linking.watch", d.Linking.Watch)

	v.SetDefault("websearch.enabled", d.WebSearch.Enabled)
	v.SetDefault("websearch.endpoint", d.WebSearch.Endpoint)
	v.SetDefault("websearch.region", d.WebSearch.Region)
	v.SetDefault("websearch.max_results", d.WebSearch.MaxResults)
	v.SetDefault("websearch.max_chars", d.WebSearch.MaxChars)
	v.SetDefault("websearch.timeout", d.WebSearch.Timeout)
	v.SetDefault("websearch.fetch_pages", d.WebSearch.FetchPages)

	v.SetDefault("monitor.sink", d.Monitor.Sink)
	v.SetDefault("monitor.db_path", d.Monitor.DBPath)
	v.SetDefault("monitor.redis_addr", d.Monitor.RedisAddr)
	v.SetDefault("monitor.redis_stream", d.Monitor.RedisStream)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
}
