// Package vectordb provides vector store adapters.
// Clean Architecture: Adapter implementing ports.VectorStore.
// Both stores are brute-force cosine search; the SQLite store persists.
package vectordb

import (
	"context"
	"sync"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// InMemoryStore keeps chunks in process memory. Selected with
// vector_db_path ":memory:"; nothing survives a restart.
type InMemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]entities.Chunk // chunkID -> chunk
	docs   map[string][]string       // docID -> []chunkID
}

var _ ports.VectorStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory vector store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chunks: make(map[string]entities.Chunk),
		docs:   make(map[string][]string),
	}
}

// Store saves chunks with their embeddings. Re-storing a chunk ID replaces it.
func (s *InMemoryStore) Store(ctx context.Context, chunks []entities.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		if _, exists := s.chunks[chunk.ID]; !exists {
			s.docs[chunk.DocumentID] = append(s.docs[chunk.DocumentID], chunk.ID)
		}
		s.chunks[chunk.ID] = chunk
	}
	return nil
}

// Search finds the most similar chunks matching the filter.
func (s *InMemoryStore) Search(ctx context.Context, embedding []float32, topK int, filter map[string]string) ([]entities.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]entities.QueryResult, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		if !matchesFilter(chunk.Metadata, filter) {
			continue
		}
		results = append(results, entities.QueryResult{
			Chunk:     chunk,
			Score:     cosineSimilarity(embedding, chunk.Embedding),
			SourceDoc: chunk.Metadata[entities.MetaSource],
		})
	}
	return topResults(results, topK), nil
}

// Delete removes all chunks for a document.
func (s *InMemoryStore) Delete(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.docs[documentID] {
		delete(s.chunks, id)
	}
	delete(s.docs, documentID)
	return nil
}

// Clear removes all data from the store.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = make(map[string]entities.Chunk)
	s.docs = make(map[string][]string)
	return nil
}

// Len returns the number of stored chunks.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
