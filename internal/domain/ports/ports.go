// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

// AdapterRequest is a chat request already bound to a physical model name.
type AdapterRequest struct {
	Model    string
	Messages []entities.ChatMessage
	Options  entities.ChatOptions
}

// ModelAdapter speaks one backend wire protocol.
// Adapters never retry or fail over; that is the router's job.
type ModelAdapter interface {
	// Chat returns a complete response.
	Chat(ctx context.Context, req AdapterRequest) (*entities.ChatResponse, error)

	// ChatStream opens a stream. The channel is closed after the final chunk
	// or after a chunk carrying Err. Usage is only set on the final chunk.
	ChatStream(ctx context.Context, req AdapterRequest) (<-chan entities.StreamChunk, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, model string, texts []string) (*entities.Embedding, error)
}

// AdapterFactory builds an adapter for a configured instance.
type AdapterFactory func(inst entities.ModelInstance) (ModelAdapter, error)

// ChatStream is a streamed answer with routing metadata that becomes
// available once the first chunk has been produced.
type ChatStream interface {
	// Recv returns the next chunk, io.EOF after the final one, or the
	// terminal error.
	Recv() (entities.StreamChunk, error)

	// Metadata reports the serving instance; ok is false before the first chunk.
	Metadata() (meta entities.CallMetadata, ok bool)

	// FailoverEvents returns a snapshot of the attempts made so far.
	FailoverEvents() []entities.FailoverEvent

	// Close releases the stream. Safe to call more than once.
	Close()
}

// ModelRouter serves logical-model requests. Implemented by the failover
// router and by the call monitor wrapping it.
type ModelRouter interface {
	Chat(ctx context.Context, req entities.ChatRequest) (*entities.ChatResult, error)
	ChatStream(ctx context.Context, req entities.ChatRequest) (ChatStream, error)
	Embed(ctx context.Context, logicalModel string, texts []string) (*entities.EmbedResult, error)
}

// EmbeddingService generates vector embeddings for text.
// Interface Segregation: Only embedding responsibility, nothing else.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists and queries document embeddings.
type VectorStore interface {
	// Store saves chunks with their embeddings.
	Store(ctx context.Context, chunks []entities.Chunk) error

	// Search finds the most similar chunks to a query embedding. Only chunks
	// whose metadata contains every filter key/value pair are considered.
	Search(ctx context.Context, embedding []float32, topK int, filter map[string]string) ([]entities.QueryResult, error)

	// Delete removes all chunks for a document.
	Delete(ctx context.Context, documentID string) error

	// Clear removes all data from the store.
	Clear(ctx context.Context) error
}

// RelevanceScorer is a cross-encoder: it returns one raw relevance logit per passage.
type RelevanceScorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// DocumentRetriever finds and ranks passages for a query.
type DocumentRetriever interface {
	RetrieveAndRerank(ctx context.Context, query string, topK int, filter map[string]string) ([]entities.RetrievedDocument, error)
	Quality(docs []entities.RetrievedDocument) float64
}

// EntityLinker normalises entity aliases in a query.
type EntityLinker interface {
	// Link replaces the first (longest) alias found with its canonical name.
	Link(query string) string

	// Extract returns the canonical entity mentioned in the query, if any.
	Extract(query string) (string, bool)
}

// WebSearcher runs an external search and extracts page text.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]entities.WebPage, error)
}

// CallSink persists call-log rows. Implementations must be safe for
// concurrent use; writes are append-only.
type CallSink interface {
	// EnsureModel returns the ID of the model identity, registering it if new.
	EnsureModel(ctx context.Context, id entities.ModelIdentity) (string, error)

	// SaveCallRecord appends one terminal call record.
	SaveCallRecord(ctx context.Context, rec entities.CallRecord) error
}

// ConversationStore keeps session history.
type ConversationStore interface {
	CreateSession(ctx context.Context, userID, name string) (*entities.Session, error)
	AppendTurn(ctx context.Context, turn entities.Turn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]entities.Turn, error)
}

// DocumentLoader reads and parses documents from various formats.
type DocumentLoader interface {
	// Load reads documents from the given path. Passage files yield one
	// document per passage.
	Load(ctx context.Context, path string) ([]*entities.Document, error)

	// SupportedExtensions returns file extensions this loader handles.
	SupportedExtensions() []string
}

// FileWatcher monitors a directory for changes.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)
