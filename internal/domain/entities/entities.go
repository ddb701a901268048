// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"time"
)

// Document represents a source document (TXT, MD or a pre-chunked JSON passage).
// This is a core entity - no knowledge of storage or external systems.
type Document struct {
	ID        string
	Name      string
	Path      string
	Content   string
	Metadata  map[string]string // entity_name, doc_type, source
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Metadata keys shared by loaders, the vector store and the retriever.
const (
	MetaEntityName = "entity_name"
	MetaDocType    = "doc_type"
	MetaSource     = "source"
	MetaPassageID  = "passage_id" // set on pre-chunked passages
)

// DocumentIDForPath returns the deterministic document ID for a source file.
// Every passage loaded from one file shares it.
func DocumentIDForPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	hash := sha256.Sum256([]byte(path))
	return hex.EncodeToString(hash[:8])
}

// Chunk represents a piece of a document for embedding.
// Clean Architecture: Entity knows nothing about how it's stored or embedded.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Index      int               // Position in document
	Metadata   map[string]string // Inherited from the document
	Embedding  []float32         // Vector representation (populated by adapter)
}

// QueryResult represents a similarity search hit.
type QueryResult struct {
	Chunk     Chunk
	Score     float64 // Cosine similarity
	SourceDoc string  // Document name for citation
}

// RetrievedDocument is a passage returned by the retriever.
// RerankScore stays nil until the rerank stage has run.
type RetrievedDocument struct {
	ID              string
	Content         string
	Metadata        map[string]string
	SimilarityScore float64
	RerankScore     *float64
}

// Score returns the rerank score when present, the similarity score otherwise.
func (d RetrievedDocument) Score() float64 {
	if d.RerankScore != nil {
		return *d.RerankScore
	}
	return d.SimilarityScore
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions are optional sampling parameters passed through to the backend.
type ChatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	JSONMode    bool     `json:"json_mode,omitempty"`
}

// ChatRequest is addressed to a logical model; the router picks the instance.
type ChatRequest struct {
	Messages     []ChatMessage
	LogicalModel string
	Stream       bool
	Options      ChatOptions
}

// Usage counts tokens as reported (or estimated) by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ChatResponse is a complete, non-streamed model answer.
type ChatResponse struct {
	Content string
	Usage   Usage
	Raw     json.RawMessage
}

// StreamChunk is one item of a streamed answer. Usage is only set on the
// final chunk. A non-nil Err terminates the stream.
type StreamChunk struct {
	Delta string
	Final bool
	Usage *Usage
	Err   error
}

// Embedding is the result of one embed call against a single instance.
type Embedding struct {
	Vectors [][]float32
	Usage   Usage
}

// CallMetadata identifies the instance that served a call.
type CallMetadata struct {
	InstanceName      string `json:"instance_name"`
	PhysicalModelName string `json:"physical_model_name"`
}

// ChatResult is a chat response plus the out-of-band routing information.
type ChatResult struct {
	Response ChatResponse
	Metadata CallMetadata
	Failover []FailoverEvent
}

// EmbedResult is an embedding response plus the out-of-band routing information.
type EmbedResult struct {
	Vectors  [][]float32
	Usage    Usage
	Metadata CallMetadata
	Failover []FailoverEvent
}
