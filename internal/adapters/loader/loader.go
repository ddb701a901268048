// Package loader provides document loading adapters.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// TextLoader loads plain text documents (.txt, .md).
type TextLoader struct{}

var _ ports.DocumentLoader = (*TextLoader)(nil)

// NewTextLoader creates a new text document loader.
func NewTextLoader() *TextLoader {
	return &TextLoader{}
}

// Load reads a text document from the given path. The servant name is
// taken from the file name, matching how wiki pages are dumped.
func (l *TextLoader) Load(ctx context.Context, path string) ([]*entities.Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	return []*entities.Document{{
		ID:      entities.DocumentIDForPath(path),
		Name:    name,
		Path:    path,
		Content: string(content),
		Metadata: map[string]string{
			entities.MetaEntityName: strings.TrimSuffix(name, filepath.Ext(name)),
			entities.MetaDocType:    "page",
			entities.MetaSource:     name,
		},
		CreatedAt: info.ModTime(),
		UpdatedAt: time.Now(),
	}}, nil
}

// SupportedExtensions returns file extensions this loader handles.
func (l *TextLoader) SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown"}
}

// PassageLoader loads pre-chunked passages from a JSON array:
//
//	[{"id": "...", "content": "...", "metadata": {"servant_name": "...", "type": "宝具"}}]
//
// entity_name and doc_type may also be given directly on the passage or in
// its metadata.
type PassageLoader struct{}

var _ ports.DocumentLoader = (*PassageLoader)(nil)

// NewPassageLoader creates a passage file loader.
func NewPassageLoader() *PassageLoader {
	return &PassageLoader{}
}

type passage struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	EntityName string                 `json:"entity_name"`
	DocType    string                 `json:"doc_type"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Load returns one document per passage. All passages of a file share the
// file's document ID so they are replaced or deleted together.
func (l *PassageLoader) Load(ctx context.Context, path string) ([]*entities.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var passages []passage
	if err := json.Unmarshal(data, &passages); err != nil {
		return nil, fmt.Errorf("parsing passages in %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	docID := entities.DocumentIDForPath(path)
	source := filepath.Base(path)
	docs := make([]*entities.Document, 0, len(passages))
	for i, p := range passages {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("%s#%d", source, i)
		}

		meta := passageMetadata(p)
		meta[entities.MetaPassageID] = id
		meta[entities.MetaSource] = source

		docs = append(docs, &entities.Document{
			ID:        docID,
			Name:      id,
			Path:      path,
			Content:   p.Content,
			Metadata:  meta,
			CreatedAt: info.ModTime(),
			UpdatedAt: time.Now(),
		})
	}
	return docs, nil
}

// passageMetadata flattens metadata to strings and maps the wiki dump's
// servant_name/type keys onto entity_name/doc_type.
func passageMetadata(p passage) map[string]string {
	meta := make(map[string]string, len(p.Metadata)+4)
	for k, v := range p.Metadata {
		if v == nil {
			continue
		}
		meta[k] = fmt.Sprint(v)
	}
	if _, ok := meta[entities.MetaEntityName]; !ok {
		if name, ok := meta["servant_name"]; ok {
			meta[entities.MetaEntityName] = name
		}
	}
	if _, ok := meta[entities.MetaDocType]; !ok {
		if typ, ok := meta["type"]; ok {
			meta[entities.MetaDocType] = typ
		}
	}
	if p.EntityName != "" {
		meta[entities.MetaEntityName] = p.EntityName
	}
	if p.DocType != "" {
		meta[entities.MetaDocType] = p.DocType
	}
	return meta
}

// SupportedExtensions returns file extensions.
func (l *PassageLoader) SupportedExtensions() []string {
	return []string{".json"}
}

// MultiLoader combines multiple loaders.
type MultiLoader struct {
	loaders map[string]ports.DocumentLoader
}

var _ ports.DocumentLoader = (*MultiLoader)(nil)

// NewMultiLoader creates a loader that handles multiple file types.
func NewMultiLoader() *MultiLoader {
	m := &MultiLoader{loaders: map[string]ports.DocumentLoader{}}
	for _, l := range []ports.DocumentLoader{NewTextLoader(), NewPassageLoader()} {
		for _, ext := range l.SupportedExtensions() {
			m.loaders[ext] = l
		}
	}
	return m
}

// Load dispatches to the appropriate loader based on extension.
func (m *MultiLoader) Load(ctx context.Context, path string) ([]*entities.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	loader, ok := m.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
	return loader.Load(ctx, path)
}

// SupportedExtensions returns all supported extensions, sorted.
func (m *MultiLoader) SupportedExtensions() []string {
	exts := make([]string, 0, len(m.loaders))
	for ext := range m.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
