// Package retrieval finds passages for a query and scores how good the
// retrieved set is.
// Clean Architecture: domain service over ports.EmbeddingService, ports.VectorStore
// and an optional ports.RelevanceScorer.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// MaxCandidates caps how many passages are fetched before reranking.
const MaxCandidates = 20

// Rerank weights.
const (
	crossEncoderSimWeight = 0.3
	crossEncoderRelWeight = 0.7
	keywordSimWeight      = 0.7
	keywordOverlapWeight  = 0.3
)

// Retriever implements ports.DocumentRetriever.
type Retriever struct {
	embedder ports.EmbeddingService
	store    ports.VectorStore
	scorer   ports.RelevanceScorer
	logger   zerolog.Logger
}

var _ ports.DocumentRetriever = (*Retriever)(nil)

// New creates a Retriever. A nil scorer selects keyword-overlap reranking.
func New(embedder ports.EmbeddingService, store ports.VectorStore, scorer ports.RelevanceScorer, logger zerolog.Logger) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		scorer:   scorer,
		logger:   logger.With().Str("component", "retriever").Logger(),
	}
}

// Retrieve returns up to limit passages ordered by similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, limit int, filter map[string]string) ([]entities.RetrievedDocument, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := r.store.Search(ctx, vec, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}

	docs := make([]entities.RetrievedDocument, len(results))
	for i, res := range results {
		meta := make(map[string]string, len(res.Chunk.Metadata)+1)
		for k, v := range res.Chunk.Metadata {
			meta[k] = v
		}
		if res.SourceDoc != "" {
			meta[entities.MetaSource] = res.SourceDoc
		}
		docs[i] = entities.RetrievedDocument{
			ID:              res.Chunk.ID,
			Content:         res.Chunk.Content,
			Metadata:        meta,
			SimilarityScore: math.Max(res.Score, 0),
		}
	}
	return docs, nil
}

// Rerank sets RerankScore on every document and returns them best first.
// The cross-encoder is used when configured; if it is absent or fails the
// keyword-overlap heuristic is applied instead.
func (r *Retriever) Rerank(ctx context.Context, query string, docs []entities.RetrievedDocument) []entities.RetrievedDocument {
	if len(docs) == 0 {
		return docs
	}
	out := append([]entities.RetrievedDocument(nil), docs...)

	if !r.crossEncode(ctx, query, out) {
		keywordRerank(query, out)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score() > out[j].Score()
	})
	return out
}

// RetrieveAndRerank over-fetches min(2*topK, MaxCandidates) candidates,
// reranks them and keeps the best topK.
func (r *Retriever) RetrieveAndRerank(ctx context.Context, query string, topK int, filter map[string]string) ([]entities.RetrievedDocument, error) {
	if topK <= 0 {
		topK = 5
	}
	candidates := 2 * topK
	if candidates > MaxCandidates {
		candidates = MaxCandidates
	}

	docs, err := r.Retrieve(ctx, query, candidates, filter)
	if err != nil {
		return nil, err
	}

	docs = r.Rerank(ctx, query, docs)
	if len(docs) > topK {
		docs = docs[:topK]
	}

	r.logger.Debug().Str("query", query).Int("candidates", candidates).
		Int("returned", len(docs)).Msg("retrieved")
	return docs, nil
}

// Quality implements ports.DocumentRetriever.
func (r *Retriever) Quality(docs []entities.RetrievedDocument) float64 {
	return Quality(docs)
}

func (r *Retriever) crossEncode(ctx context.Context, query string, docs []entities.RetrievedDocument) bool {
	if r.scorer == nil {
		return false
	}

	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = d.Content
	}

	raw, err := r.scorer.Score(ctx, query, passages)
	if err != nil {
		r.logger.Warn().Err(err).Msg("cross-encoder failed, using keyword rerank")
		return false
	}
	if len(raw) != len(docs) {
		r.logger.Warn().Int("scores", len(raw)).Int("docs", len(docs)).
			Msg("cross-encoder score count mismatch, using keyword rerank")
		return false
	}

	for i := range docs {
		s := crossEncoderSimWeight*docs[i].SimilarityScore + crossEncoderRelWeight*sigmoid(raw[i])
		docs[i].RerankScore = &s
	}
	return true
}

func keywordRerank(query string, docs []entities.RetrievedDocument) {
	terms := queryTerms(query)
	for i := range docs {
		content := strings.ToLower(docs[i].Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(terms))
		s := keywordSimWeight*docs[i].SimilarityScore + keywordOverlapWeight*overlap
		docs[i].RerankScore = &s
	}
}

// queryTerms splits on whitespace and drops one-character terms. A query with
// no usable terms, such as unsegmented CJK text, is one term.
func queryTerms(query string) []string {
	lower := strings.ToLower(strings.TrimSpace(query))
	var terms []string
	for _, f := range strings.Fields(lower) {
		if len([]rune(f)) > 1 {
			terms = append(terms, f)
		}
	}
	if len(terms) == 0 {
		return []string{lower}
	}
	return terms
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
