package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

type fakeEmbedder struct{ err error }

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// fakeStore returns its results truncated to topK and records the arguments.
type fakeStore struct {
	results   []entities.QueryResult
	gotTopK   int
	gotFilter map[string]string
}

func (s *fakeStore) Store(context.Context, []entities.Chunk) error { return nil }
func (s *fakeStore) Delete(context.Context, string) error          { return nil }
func (s *fakeStore) Clear(context.Context) error                   { return nil }

func (s *fakeStore) Search(_ context.Context, _ []float32, topK int, filter map[string]string) ([]entities.QueryResult, error) {
	s.gotTopK = topK
	s.gotFilter = filter
	if len(s.results) > topK {
		return s.results[:topK], nil
	}
	return s.results, nil
}

type fakeScorer struct {
	scores []float64
	err    error
}

func (s *fakeScorer) Score(context.Context, string, []string) ([]float64, error) {
	return s.scores, s.err
}

func hit(id, content string, score float64) entities.QueryResult {
	return entities.QueryResult{
		Chunk:     entities.Chunk{ID: id, Content: content, Metadata: map[string]string{"entity_name": "Artoria"}},
		Score:     score,
		SourceDoc: id + ".md",
	}
}

func ptr(f float64) *float64 { return &f }

func TestRetrieve_MapsResults(t *testing.T) {
	store := &fakeStore{results: []entities.QueryResult{hit("a", "x", 0.9), hit("b", "y", -0.2)}}
	r := New(&fakeEmbedder{}, store, nil, zerolog.Nop())

	docs, err := r.Retrieve(context.Background(), "q", 5, map[string]string{"entity_name": "Artoria"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "a.md", docs[0].Metadata["source"])
	assert.Equal(t, "Artoria", docs[0].Metadata["entity_name"])
	assert.Nil(t, docs[0].RerankScore)
	assert.Equal(t, 0.0, docs[1].SimilarityScore, "negative cosine is clamped")
	assert.Equal(t, "Artoria", store.gotFilter["entity_name"])
}

func TestRetrieve_EmbedError(t *testing.T) {
	r := New(&fakeEmbedder{err: errors.New("down")}, &fakeStore{}, nil, zerolog.Nop())
	_, err := r.Retrieve(context.Background(), "q", 5, nil)
	require.Error(t, err)
}

func TestRetrieveAndRerank_OverFetchesAndTruncates(t *testing.T) {
	var results []entities.QueryResult
	for i := 0; i < 30; i++ {
		results = append(results, hit(string(rune('a'+i)), "text", 0.5))
	}

	cases := []struct {
		topK, wantFetch int
	}{
		{3, 6},
		{10, 20},
		{15, 20},
	}
	for _, tc := range cases {
		store := &fakeStore{results: results}
		r := New(&fakeEmbedder{}, store, nil, zerolog.Nop())

		docs, err := r.RetrieveAndRerank(context.Background(), "text", tc.topK, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.wantFetch, store.gotTopK, "topK=%d", tc.topK)
		assert.Len(t, docs, tc.topK)
	}
}

func TestRerank_CrossEncoder(t *testing.T) {
	docs := []entities.RetrievedDocument{
		{ID: "a", Content: "x", SimilarityScore: 0.9},
		{ID: "b", Content: "y", SimilarityScore: 0.5},
	}
	r := New(&fakeEmbedder{}, &fakeStore{}, &fakeScorer{scores: []float64{-4, 4}}, zerolog.Nop())

	out := r.Rerank(context.Background(), "q", docs)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID, "strong cross-encoder score outranks similarity")
	assert.InDelta(t, 0.3*0.5+0.7*sigmoid(4), *out[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.3*0.9+0.7*sigmoid(-4), *out[1].RerankScore, 1e-9)
	assert.Nil(t, docs[0].RerankScore, "input slice is not modified")
}

func TestRerank_ScorerFailureFallsBackToKeywords(t *testing.T) {
	docs := []entities.RetrievedDocument{
		{ID: "a", Content: "Saber class servant", SimilarityScore: 0.6},
		{ID: "b", Content: "Noble Phantasm Excalibur of Artoria", SimilarityScore: 0.6},
	}
	r := New(&fakeEmbedder{}, &fakeStore{}, &fakeScorer{err: errors.New("timeout")}, zerolog.Nop())

	out := r.Rerank(context.Background(), "artoria excalibur a", docs)
	assert.Equal(t, "b", out[0].ID)
	assert.InDelta(t, 0.7*0.6+0.3*1.0, *out[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.7*0.6, *out[1].RerankScore, 1e-9)
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"who", "is", "artoria"}, queryTerms("Who is Artoria ?"))
	assert.Equal(t, []string{"阿尔托莉雅是谁"}, queryTerms("阿尔托莉雅是谁"))
	assert.Equal(t, []string{"a"}, queryTerms("a"))
}

func TestQuality_Empty(t *testing.T) {
	assert.Equal(t, 0.0, Quality(nil))
	assert.Equal(t, 0.0, New(&fakeEmbedder{}, &fakeStore{}, nil, zerolog.Nop()).Quality(nil))
}

func TestQuality_SingleDocument(t *testing.T) {
	q := Quality([]entities.RetrievedDocument{{RerankScore: ptr(0.5)}})
	assert.InDelta(t, 0.6*0.5+0.2*0.2+0.2*1.0, q, 1e-9)
}

func TestQuality_Formula(t *testing.T) {
	docs := []entities.RetrievedDocument{
		{RerankScore: ptr(0.9)},
		{RerankScore: ptr(0.7)},
		{SimilarityScore: 0.5},
	}
	mean := (0.9 + 0.7 + 0.5) / 3
	dist := (0.9 - 0.6) * 2
	assert.InDelta(t, 0.6*mean+0.2*(3.0/5)+0.2*dist, Quality(docs), 1e-9)
}

func TestQuality_HighScoringSetPassesThreshold(t *testing.T) {
	var docs []entities.RetrievedDocument
	for i := 0; i < 5; i++ {
		docs = append(docs, entities.RetrievedDocument{RerankScore: ptr(0.8)})
	}
	assert.Greater(t, Quality(docs), 0.6)
}

func TestQuality_MonotonicInMean(t *testing.T) {
	// Shifting every score up keeps count and spread fixed.
	base := []float64{0.2, 0.4, 0.3, 0.1}
	prev := math.Inf(-1)
	for shift := 0.0; shift <= 0.5; shift += 0.05 {
		docs := make([]entities.RetrievedDocument, len(base))
		for i, s := range base {
			docs[i] = entities.RetrievedDocument{RerankScore: ptr(s + shift)}
		}
		q := Quality(docs)
		assert.GreaterOrEqual(t, q, prev)
		prev = q
	}
}
