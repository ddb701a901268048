package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// mockRouter implements the embed half of ports.ModelRouter.
type mockRouter struct {
	embedFn func(ctx context.Context, model string, texts []string) (*entities.EmbedResult, error)
	calls   [][]string
}

func (m *mockRouter) Chat(context.Context, entities.ChatRequest) (*entities.ChatResult, error) {
	return nil, errors.New("not implemented")
}

func (m *mockRouter) ChatStream(context.Context, entities.ChatRequest) (ports.ChatStream, error) {
	return nil, errors.New("not implemented")
}

func (m *mockRouter) Embed(ctx context.Context, model string, texts []string) (*entities.EmbedResult, error) {
	m.calls = append(m.calls, texts)
	return m.embedFn(ctx, model, texts)
}

func vectorsFor(texts []string) *entities.EmbedResult {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return &entities.EmbedResult{Vectors: vecs, Metadata: entities.CallMetadata{InstanceName: "local"}}
}

func TestRouterEmbedder_Embed(t *testing.T) {
	router := &mockRouter{embedFn: func(_ context.Context, model string, texts []string) (*entities.EmbedResult, error) {
		if model != "embed-model" {
			t.Errorf("unexpected logical model: %s", model)
		}
		return vectorsFor(texts), nil
	}}

	emb, err := NewRouterEmbedder(router, "embed-model", 0, zerolog.Nop()).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(emb) != 2 || emb[0] != 5 {
		t.Errorf("unexpected embedding: %v", emb)
	}
}

func TestRouterEmbedder_EmbedBatch(t *testing.T) {
	router := &mockRouter{embedFn: func(_ context.Context, _ string, texts []string) (*entities.EmbedResult, error) {
		return vectorsFor(texts), nil
	}}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	embs, err := NewRouterEmbedder(router, "embed-model", 2, zerolog.Nop()).EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("batch embed failed: %v", err)
	}
	if len(embs) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(embs))
	}
	for i, e := range embs {
		if int(e[0]) != i+1 {
			t.Errorf("embedding %d out of order: %v", i, e)
		}
	}
	if len(router.calls) != 3 {
		t.Errorf("expected 3 batched calls, got %d", len(router.calls))
	}
}

func TestRouterEmbedder_Error(t *testing.T) {
	router := &mockRouter{embedFn: func(context.Context, string, []string) (*entities.EmbedResult, error) {
		return nil, &entities.AllInstancesFailedError{LogicalModel: "embed-model"}
	}}

	_, err := NewRouterEmbedder(router, "embed-model", 0, zerolog.Nop()).EmbedBatch(context.Background(), []string{"x"})
	var allFailed *entities.AllInstancesFailedError
	if !errors.As(err, &allFailed) {
		t.Errorf("expected AllInstancesFailedError, got %v", err)
	}
}
