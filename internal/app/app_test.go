package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/config"
)

// fakeOllama embeds by text length and classifies every question as small talk.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req struct {
				Prompt string `json:"prompt"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]any{
				"embedding": []float32{float32(len([]rune(req.Prompt))), 1, 0.5},
			})
		case "/api/chat":
			json.NewEncoder(w).Encode(map[string]any{
				"message":           map[string]string{"role": "assistant", "content": `{"route":"end"}`},
				"done":              true,
				"prompt_eval_count": 12,
				"eval_count":        4,
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	models := `
models:
  - name: chat
    instances: [down, local]
    instance_model_names:
      down: qwen-plus
      local: qwen2.5:7b
  - name: embedding
    instances: [local]
    instance_model_names:
      local: bge-m3
model_instances:
  - name: down
    type: openai
    base_url: http://127.0.0.1:1/v1
    timeout: 2s
  - name: local
    type: ollama
    base_url: ` + backendURL + `
`
	modelsPath := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(modelsPath, []byte(models), 0644))

	aliasPath := filepath.Join(dir, "aliases.json")
	require.NoError(t, os.WriteFile(aliasPath, []byte(`{"阿尔托莉雅·潘德拉贡":["Saber","呆毛王"]}`), 0644))

	cfg := config.Default()
	cfg.Models.File = modelsPath
	cfg.Retrieval.VectorDBPath = filepath.Join(dir, "vectors")
	cfg.Monitor.DBPath = filepath.Join(dir, "fgo-agent.db")
	cfg.Linking.AliasFile = aliasPath
	cfg.WebSearch.Enabled = false
	return cfg
}

func TestNew_WiresComponents(t *testing.T) {
	backend := fakeOllama(t)
	defer backend.Close()

	a, err := New(context.Background(), testConfig(t, backend.URL), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Monitor)
	assert.NotNil(t, a.Resolver)
	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.Server())
	assert.Equal(t, 1, a.Linker.Len())
	assert.Len(t, a.Registry.LogicalModels(), 2)
}

func TestApp_IngestRetrieveAndResolve(t *testing.T) {
	backend := fakeOllama(t)
	defer backend.Close()

	a, err := New(context.Background(), testConfig(t, backend.URL), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	doc := filepath.Join(t.TempDir(), "阿尔托莉雅·潘德拉贡.txt")
	require.NoError(t, os.WriteFile(doc, []byte("阿尔托莉雅是不列颠的骑士王。宝具是誓约胜利之剑。"), 0644))

	chunks, err := a.Ingest.IngestFile(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, 1, chunks)

	docs, err := a.Retriever.RetrieveAndRerank(ctx, "誓约胜利之剑", 3, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "阿尔托莉雅·潘德拉贡", docs[0].Metadata[entities.MetaEntityName])

	res, err := a.Resolver.Resolve(ctx, []entities.ChatMessage{{Role: entities.RoleUser, Content: "谢谢"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Answer)

	a.Monitor.Wait()
	calls, err := a.Store.RecentCalls(ctx, 50)
	require.NoError(t, err)
	var chat *entities.CallRecord
	for i := range calls {
		if calls[i].Type == entities.CallChat {
			chat = &calls[i].CallRecord
			assert.Equal(t, "local", calls[i].InstanceName)
		}
	}
	require.NotNil(t, chat, "classification call was logged")
	assert.Equal(t, entities.CallSuccess, chat.Status)
	require.Len(t, chat.FailoverEvents, 2)
	assert.Equal(t, entities.FailoverFailed, chat.FailoverEvents[0].Status)
}

func TestNew_MissingRegistry(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Models.File = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNew_UnreachableRedisSink(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Monitor.Sink = config.SinkRedis
	cfg.Monitor.RedisAddr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenCallLog(t *testing.T) {
	cfg := config.Default()
	cfg.Monitor.Sink = config.SinkNone
	_, err := OpenCallLog(cfg)
	assert.Error(t, err)

	cfg.Monitor.Sink = config.SinkSQLite
	cfg.Monitor.DBPath = filepath.Join(t.TempDir(), "none.db")
	_, err = OpenCallLog(cfg)
	assert.Error(t, err, "a missing call log is reported, not created")
}

func TestNew_MemoryVectorStore(t *testing.T) {
	backend := fakeOllama(t)
	defer backend.Close()
	cfg := testConfig(t, backend.URL)
	cfg.Retrieval.VectorDBPath = MemoryVectorStore

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	passages := filepath.Join(t.TempDir(), "passages.json")
	require.NoError(t, os.WriteFile(passages, []byte(`[
		{"id": "saber-np", "content": "誓约胜利之剑", "entity_name": "阿尔托莉雅·潘德拉贡", "doc_type": "noble_phantasm"},
		{"id": "mordred-np", "content": "向我敬爱的父王发起叛逆", "entity_name": "莫德雷德", "doc_type": "noble_phantasm"}
	]`), 0644))
	n, err := a.Ingest.IngestFile(context.Background(), passages)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := a.Retriever.RetrieveAndRerank(context.Background(), "宝具", 5,
		map[string]string{entities.MetaEntityName: "莫德雷德"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "noble_phantasm", docs[0].Metadata[entities.MetaDocType])
}
