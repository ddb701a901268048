package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

func newTestOllama(url string) *OllamaAdapter {
	return NewOllamaAdapter(entities.ConnectionParams{BaseURL: url, Timeout: 5 * time.Second})
}

func drain(t *testing.T, ch <-chan entities.StreamChunk) ([]entities.StreamChunk, error) {
	t.Helper()
	var chunks []entities.StreamChunk
	for c := range ch {
		if c.Err != nil {
			return chunks, c.Err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func TestOllama_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "qwen2.5:7b" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Format != "json" {
			t.Errorf("expected json format, got %q", req.Format)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":           map[string]string{"role": "assistant", "content": "Hello there!"},
			"done":              true,
			"prompt_eval_count": 11,
			"eval_count":        4,
		})
	}))
	defer server.Close()

	resp, err := newTestOllama(server.URL).Chat(context.Background(), ports.AdapterRequest{
		Model:    "qwen2.5:7b",
		Messages: []entities.ChatMessage{{Role: entities.RoleUser, Content: "Hi"}},
		Options:  entities.ChatOptions{JSONMode: true},
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "Hello there!" {
		t.Errorf("unexpected response: %s", resp.Content)
	}
	if resp.Usage.PromptTokens != 11 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.Raw) == 0 {
		t.Error("expected raw payload to be kept")
	}
}

func TestOllama_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Streaming response - newline delimited JSON
		w.Write([]byte(`{"message":{"content":"Hello"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":" world"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":""},"done":true,"prompt_eval_count":7,"eval_count":2}` + "\n"))
	}))
	defer server.Close()

	ch, err := newTestOllama(server.URL).ChatStream(context.Background(), ports.AdapterRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	chunks, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var text strings.Builder
	for i, c := range chunks {
		text.WriteString(c.Delta)
		if i < 2 && (c.Final || c.Usage != nil) {
			t.Errorf("chunk %d must not carry usage", i)
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("unexpected text: %q", text.String())
	}
	last := chunks[2]
	if !last.Final || last.Usage == nil || last.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected final chunk: %+v", last)
	}
}

func TestOllama_ChatStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"Hel"},"done":false}` + "\n"))
	}))
	defer server.Close()

	ch, err := newTestOllama(server.URL).ChatStream(context.Background(), ports.AdapterRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	chunks, err := drain(t, ch)
	if err == nil {
		t.Fatal("expected an error for a stream without done")
	}
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk before the error, got %d", len(chunks))
	}
}

func TestOllama_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer server.Close()

	_, err := newTestOllama(server.URL).Chat(context.Background(), ports.AdapterRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("expected StatusError 404, got %v", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("expected body in error, got %v", err)
	}
}

func TestOllama_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	adapter := NewOllamaAdapter(entities.ConnectionParams{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	if _, err := adapter.Chat(context.Background(), ports.AdapterRequest{Model: "m"}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestOllama_Embed(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		callCount++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{float32(callCount) * 0.1, 0.2},
		})
	}))
	defer server.Close()

	emb, err := newTestOllama(server.URL).Embed(context.Background(), "bge-m3", []string{"abcdefgh", "ijkl"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(emb.Vectors) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(emb.Vectors))
	}
	if callCount != 2 {
		t.Errorf("expected one call per text, got %d", callCount)
	}
	if emb.Usage.PromptTokens != 3 {
		t.Errorf("expected estimated 3 prompt tokens, got %d", emb.Usage.PromptTokens)
	}
}
