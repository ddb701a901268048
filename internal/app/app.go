// Package app wires configuration into a running application context.
// Nothing here is global: every collaborator is owned by an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/embedding"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/filewatcher"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/llm"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/loader"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/rerank"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/store"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/vectordb"
	"github.com/0xcro3dile/fgo-agent-go/internal/adapters/websearch"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/linking"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/retrieval"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/usecases"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/config"
	httpserver "github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/http"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/tracing"
	"github.com/0xcro3dile/fgo-agent-go/internal/monitor"
	"github.com/0xcro3dile/fgo-agent-go/internal/routing"
)

// ServiceName identifies this process in traces and logs.
const ServiceName = "fgo-agent"

// MemoryVectorStore as retrieval.vector_db_path keeps vectors in process memory.
const MemoryVectorStore = ":memory:"

// App is the application context.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *prometheus.Registry
	Registry *routing.Registry
	Router   *routing.Router
	Monitor  *monitor.Monitor // the ports.ModelRouter every component uses

	Store     *store.SQLiteStore // sessions, and call logs when monitor.sink is sqlite
	Vectors   ports.VectorStore
	Retriever *retrieval.Retriever
	Linker    *linking.Linker
	Resolver  *usecases.QueryResolver
	Ingest    *usecases.IngestUseCase

	closers []func() error
}

// New builds every component from cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: prometheus.NewRegistry()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shutdown, err := tracing.Init(ctx, tracing.Config{Exporter: cfg.Tracing.Exporter, Endpoint: cfg.Tracing.Endpoint}, ServiceName)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	types := routing.NewAdapterTypes()
	for typ, factory := range llm.Factories() {
		types.Register(typ, factory)
	}
	a.Registry, err = routing.LoadRegistry(cfg.Models.File, types, logger)
	if err != nil {
		return err
	}
	a.Router = routing.NewRouter(a.Registry, logger)

	a.Store, err = store.Open(cfg.Monitor.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	sink, err := a.callSink(ctx)
	if err != nil {
		return err
	}
	a.Monitor = monitor.New(a.Router, a.Registry, sink, logger, monitor.WithMetrics(monitor.NewMetrics(a.Metrics)))
	a.closers = append(a.closers, func() error { a.Monitor.Wait(); return nil })

	embedder := embedding.NewRouterEmbedder(a.Monitor, cfg.Models.Embed, cfg.Retrieval.EmbedBatch, logger)

	if cfg.Retrieval.VectorDBPath == MemoryVectorStore {
		a.Vectors = vectordb.NewInMemoryStore()
	} else {
		vectors, err := vectordb.NewSQLiteStore(cfg.Retrieval.VectorDBPath)
		if err != nil {
			return fmt.Errorf("opening vector store: %w", err)
		}
		a.closers = append(a.closers, vectors.Close)
		a.Vectors = vectors
	}

	var scorer ports.RelevanceScorer
	if cfg.Retrieval.RerankURL != "" {
		scorer = rerank.New(rerank.Config{
			BaseURL:   cfg.Retrieval.RerankURL,
			Model:     cfg.Retrieval.RerankModel,
			BatchSize: cfg.Retrieval.RerankBatch,
			Workers:   cfg.Retrieval.RerankWorkers,
		})
	}
	a.Retriever = retrieval.New(embedder, a.Vectors, scorer, logger)

	a.Linker, err = linking.Load(cfg.Linking.AliasFile, logger)
	if err != nil {
		return fmt.Errorf("loading aliases: %w", err)
	}

	opts := []usecases.ResolverOption{usecases.WithEntityLinker(a.Linker)}
	if cfg.WebSearch.Enabled {
		opts = append(opts, usecases.WithWebSearcher(websearch.New(websearch.Config{
			Endpoint:   cfg.WebSearch.Endpoint,
			Region:     cfg.WebSearch.Region,
			MaxResults: cfg.WebSearch.MaxResults,
			MaxChars:   cfg.WebSearch.MaxChars,
			Timeout:    cfg.WebSearch.Timeout,
			FetchPages: cfg.WebSearch.FetchPages,
		}, logger)))
	}
	a.Resolver = usecases.NewQueryResolver(a.Monitor, a.Retriever, usecases.ResolverConfig{
		ChatModel:        cfg.Models.Chat,
		TopK:             cfg.Retrieval.TopK,
		MaxRetry:         cfg.Resolver.MaxRetry,
		QualityThreshold: cfg.Resolver.QualityThreshold,
		FilterByEntity:   cfg.Retrieval.FilterByEntity,
	}, logger, opts...)

	a.Ingest = usecases.NewIngestUseCase(embedder, a.Vectors, loader.NewMultiLoader(),
		cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap, logger)

	return nil
}

func (a *App) callSink(ctx context.Context) (ports.CallSink, error) {
	switch a.Config.Monitor.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkRedis:
		sink, err := monitor.NewRedisSink(ctx, monitor.RedisConfig{
			Addr:   a.Config.Monitor.RedisAddr,
			Stream: a.Config.Monitor.RedisStream,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting call-log sink: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	default:
		return a.Store, nil
	}
}

// Server builds the HTTP API over this application.
func (a *App) Server() *httpserver.Server {
	return httpserver.NewServer(a.Resolver, a.Monitor, httpserver.Config{
		Addr:         a.Config.Server.Addr,
		ChatModel:    a.Config.Models.Chat,
		EmbedModel:   a.Config.Models.Embed,
		HistoryTurns: a.Config.Resolver.HistoryTurns,
	}, a.Logger,
		httpserver.WithConversationStore(a.Store),
		httpserver.WithIngester(a.Ingest),
		httpserver.WithGatherer(a.Metrics),
	)
}

// WatchAliases reloads the alias table whenever its file changes, until ctx
// is cancelled.
func (a *App) WatchAliases(ctx context.Context) error {
	ext := filepath.Ext(a.Config.Linking.AliasFile)
	w, err := filewatcher.NewFSNotifyWatcher([]string{ext}, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, w.Stop)
	return a.Linker.Watch(ctx, w)
}

// WatchDocuments re-ingests files under dir as they change. It blocks until
// ctx is cancelled.
func (a *App) WatchDocuments(ctx context.Context, dir string) error {
	w, err := filewatcher.NewFSNotifyWatcher(loader.NewMultiLoader().SupportedExtensions(), a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, w.Stop)
	return a.Ingest.Watch(ctx, w, dir)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenCallLog opens the configured SQLite call log for reading.
func OpenCallLog(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.Monitor.Sink != config.SinkSQLite {
		return nil, fmt.Errorf("call log is only readable with monitor.sink=sqlite (configured: %s)", cfg.Monitor.Sink)
	}
	if _, err := os.Stat(cfg.Monitor.DBPath); err != nil {
		return nil, fmt.Errorf("call log %s: %w", cfg.Monitor.DBPath, err)
	}
	return store.Open(cfg.Monitor.DBPath)
}
