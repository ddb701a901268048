// Package rerank provides a cross-encoder relevance scorer backed by a
// text-embeddings-inference style /rerank endpoint.
// Clean Architecture: Adapter implementing ports.RelevanceScorer.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// Config configures the cross-encoder client.
type Config struct {
	BaseURL   string
	Model     string // sent when the server hosts more than one model
	BatchSize int    // pairs per request
	Workers   int    // concurrent requests
	Timeout   time.Duration
}

// CrossEncoderClient scores (query, passage) pairs. Batches are scored
// concurrently on a bounded pool so a long candidate list does not
// serialize on one request.
type CrossEncoderClient struct {
	baseURL   string
	model     string
	batchSize int
	workers   int
	client    *http.Client
}

var _ ports.RelevanceScorer = (*CrossEncoderClient)(nil)

// New creates a cross-encoder client.
func New(cfg Config) *CrossEncoderClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CrossEncoderClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Model     string   `json:"model,omitempty"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns one raw relevance logit per passage, in input order.
func (c *CrossEncoderClient) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for start := 0; start < len(passages); start += c.batchSize {
		end := start + c.batchSize
		if end > len(passages) {
			end = len(passages)
		}
		start, batch := start, passages[start:end]

		g.Go(func() error {
			results, err := c.scoreBatch(gctx, query, batch)
			if err != nil {
				return fmt.Errorf("scoring passages %d-%d: %w", start, start+len(batch)-1, err)
			}
			for _, r := range results {
				if r.Index < 0 || r.Index >= len(batch) {
					return fmt.Errorf("reranker returned out-of-range index %d", r.Index)
				}
				scores[start+r.Index] = r.Score
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (c *CrossEncoderClient) scoreBatch(ctx context.Context, query string, texts []string) ([]rerankResult, error) {
	data, err := json.Marshal(rerankRequest{Query: query, Texts: texts, RawScores: true, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling reranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d scores for %d passages", len(results), len(texts))
	}
	return results, nil
}
