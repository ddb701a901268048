// Package embedding provides the embedding service used by ingestion and retrieval.
// Clean Architecture: This is an adapter that implements ports.EmbeddingService
// on top of the model router, so embeddings get the same failover and call logging as chat.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// DefaultBatchSize is how many texts go into one routed embed call.
const DefaultBatchSize = 32

// RouterEmbedder implements ports.EmbeddingService against a logical embedding model.
type RouterEmbedder struct {
	router       ports.ModelRouter
	logicalModel string
	batchSize    int
	logger       zerolog.Logger
}

var _ ports.EmbeddingService = (*RouterEmbedder)(nil)

// NewRouterEmbedder creates an embedder for the given logical model.
func NewRouterEmbedder(router ports.ModelRouter, logicalModel string, batchSize int, logger zerolog.Logger) *RouterEmbedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RouterEmbedder{
		router:       router,
		logicalModel: logicalModel,
		batchSize:    batchSize,
		logger:       logger.With().Str("component", "embedder").Logger(),
	}
}

// Embed generates an embedding for a single text.
func (e *RouterEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.router.Embed(ctx, e.logicalModel, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(res.Vectors) != 1 {
		return nil, errors.New("embedding query: no vector returned")
	}
	return res.Vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, batchSize texts per call.
func (e *RouterEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		res, err := e.router.Embed(ctx, e.logicalModel, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		e.logger.Debug().Int("texts", end-start).Str("instance", res.Metadata.InstanceName).
			Int("dims", dims(res.Vectors)).Msg("embedded batch")
		out = append(out, res.Vectors...)
	}
	return out, nil
}

func dims(vecs [][]float32) int {
	if len(vecs) == 0 {
		return 0
	}
	return len(vecs[0])
}
