// Package usecases contains application business rules.
// Clean Architecture: Usecases orchestrate entities and depend on port interfaces.
// They contain NO framework code, NO external dependencies - just pure business logic.
package usecases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// IngestUseCase handles document ingestion into the vector store.
// Single Responsibility: Only ingestion logic.
type IngestUseCase struct {
	embedder     ports.EmbeddingService
	vectorStore  ports.VectorStore
	loader       ports.DocumentLoader
	chunkSize    int // runes
	chunkOverlap int // runes
	logger       zerolog.Logger
}

// NewIngestUseCase creates an IngestUseCase with injected dependencies.
// Dependency Injection: Adapters are passed in, not created here.
func NewIngestUseCase(
	embedder ports.EmbeddingService,
	vectorStore ports.VectorStore,
	loader ports.DocumentLoader,
	chunkSize, chunkOverlap int,
	logger zerolog.Logger,
) *IngestUseCase {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 50
	}
	return &IngestUseCase{
		embedder:     embedder,
		vectorStore:  vectorStore,
		loader:       loader,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		logger:       logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest processes a document: chunks it, embeds it, stores it.
// Pre-chunked passages are stored whole.
func (uc *IngestUseCase) Ingest(ctx context.Context, doc *entities.Document) (int, error) {
	chunks := uc.chunkDocument(doc)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	embeddings, err := uc.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %s: %w", doc.Name, err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding %s: got %d vectors for %d chunks", doc.Name, len(embeddings), len(chunks))
	}

	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	if err := uc.vectorStore.Store(ctx, chunks); err != nil {
		return 0, fmt.Errorf("storing %s: %w", doc.Name, err)
	}
	return len(chunks), nil
}

// IngestFile replaces everything previously stored for path with its
// current contents and returns the number of chunks stored.
func (uc *IngestUseCase) IngestFile(ctx context.Context, path string) (int, error) {
	docs, err := uc.loader.Load(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", path, err)
	}

	if err := uc.vectorStore.Delete(ctx, entities.DocumentIDForPath(path)); err != nil {
		return 0, fmt.Errorf("removing old chunks of %s: %w", path, err)
	}

	total := 0
	for _, doc := range docs {
		n, err := uc.Ingest(ctx, doc)
		if err != nil {
			return total, err
		}
		total += n
	}

	uc.logger.Info().Str("path", path).Int("documents", len(docs)).Int("chunks", total).Msg("file ingested")
	return total, nil
}

// IngestDir ingests every supported file under dir. A failing file is
// logged and skipped; the first such error is returned after the walk.
func (uc *IngestUseCase) IngestDir(ctx context.Context, dir string) (files, chunks int, err error) {
	supported := make(map[string]bool)
	for _, ext := range uc.loader.SupportedExtensions() {
		supported[ext] = true
	}

	var firstErr error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !supported[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		n, err := uc.IngestFile(ctx, path)
		if err != nil {
			uc.logger.Warn().Err(err).Str("path", path).Msg("ingest failed")
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		files++
		chunks += n
		return nil
	})
	if walkErr != nil {
		return files, chunks, walkErr
	}
	return files, chunks, firstErr
}

// Watch keeps the store in sync with dir until ctx is done.
func (uc *IngestUseCase) Watch(ctx context.Context, watcher ports.FileWatcher, dir string) error {
	events, err := watcher.Watch(ctx, dir)
	if err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	for ev := range events {
		switch ev.Operation {
		case ports.FileDeleted:
			if err := uc.Delete(ctx, entities.DocumentIDForPath(ev.Path)); err != nil {
				uc.logger.Warn().Err(err).Str("path", ev.Path).Msg("delete failed")
				continue
			}
			uc.logger.Info().Str("path", ev.Path).Msg("file removed from store")
		default:
			if _, err := uc.IngestFile(ctx, ev.Path); err != nil {
				uc.logger.Warn().Err(err).Str("path", ev.Path).Msg("re-ingest failed")
			}
		}
	}
	return ctx.Err()
}

// Delete removes a document from the store.
func (uc *IngestUseCase) Delete(ctx context.Context, documentID string) error {
	return uc.vectorStore.Delete(ctx, documentID)
}

// chunkDocument splits document content into overlapping chunks.
// Pure business logic - no external dependencies.
func (uc *IngestUseCase) chunkDocument(doc *entities.Document) []entities.Chunk {
	content := strings.TrimSpace(doc.Content)
	if len(content) == 0 {
		return nil
	}

	if pid := doc.Metadata[entities.MetaPassageID]; pid != "" {
		return []entities.Chunk{{
			ID:         generateChunkID(doc.ID, pid),
			DocumentID: doc.ID,
			Content:    content,
			Metadata:   copyMetadata(doc.Metadata),
		}}
	}

	runes := []rune(content)
	var chunks []entities.Chunk
	start := 0
	index := 0

	for start < len(runes) {
		end := start + uc.chunkSize
		if end > len(runes) {
			end = len(runes)
		}

		// Try to break at a sentence or word boundary
		if end < len(runes) {
			if cut := lastBreak(runes[start:end]); cut > 0 {
				end = start + cut
			}
		}

		chunkContent := strings.TrimSpace(string(runes[start:end]))
		if len(chunkContent) > 0 {
			chunks = append(chunks, entities.Chunk{
				ID:         generateChunkID(doc.ID, strconv.Itoa(index)),
				DocumentID: doc.ID,
				Content:    chunkContent,
				Index:      index,
				Metadata:   copyMetadata(doc.Metadata),
			})
			index++
		}

		if end >= len(runes) {
			break
		}
		next := end - uc.chunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// lastBreak returns the index just after the last sentence end or space in s.
func lastBreak(s []rune) int {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i] {
		case '。', '！', '？', '\n':
			return i + 1
		}
	}
	for i := len(s) - 1; i > 0; i-- {
		if unicode.IsSpace(s[i]) {
			return i
		}
	}
	return 0
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// generateChunkID creates a deterministic ID for a chunk.
func generateChunkID(docID, key string) string {
	hash := sha256.Sum256([]byte(docID + "/" + key))
	return hex.EncodeToString(hash[:8])
}
