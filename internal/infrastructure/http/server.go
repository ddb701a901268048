// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/usecases"
)

// QueryResolver answers end-user questions.
type QueryResolver interface {
	Resolve(ctx context.Context, messages []entities.ChatMessage) (*usecases.Resolution, error)
	ResolveStream(ctx context.Context, messages []entities.ChatMessage, emit usecases.EmitFunc) (*usecases.Resolution, error)
}

// Ingester loads files into the knowledge base.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (int, error)
	IngestDir(ctx context.Context, dir string) (files, chunks int, err error)
}

// Config holds server settings.
type Config struct {
	Addr         string
	ChatModel    string // default logical model for /v1/chat/completions
	EmbedModel   string // default logical model for /v1/embeddings
	HistoryTurns int    // turns of session history fed to the resolver
}

// Server is the HTTP server for the assistant API.
type Server struct {
	resolver      QueryResolver
	router        ports.ModelRouter
	conversations ports.ConversationStore
	ingester      Ingester
	gatherer      prometheus.Gatherer
	upgrader      websocket.Upgrader
	cfg           Config
	logger        zerolog.Logger
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithConversationStore enables sessions and history.
func WithConversationStore(store ports.ConversationStore) Option {
	return func(s *Server) { s.conversations = store }
}

// WithIngester enables POST /api/ingest.
func WithIngester(in Ingester) Option {
	return func(s *Server) { s.ingester = in }
}

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a new HTTP server.
func NewServer(resolver QueryResolver, router ports.ModelRouter, cfg Config, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 3
	}
	s := &Server{
		resolver: resolver,
		router:   router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(s.logger), corsMiddleware())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/chat", s.handleChat)
	api.GET("/chat/stream", s.handleChatStream)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id/history", s.handleHistory)
	api.POST("/ingest", s.handleIngest)

	r.GET("/ws", s.handleWebSocket)

	v1 := r.Group("/v1")
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/embeddings", s.handleEmbeddings)

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second, // Longer for streaming
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("fgo-agent server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func errorBody(typ, message string) gin.H {
	return gin.H{"error": gin.H{"type": typ, "message": message}}
}
