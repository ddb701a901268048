package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

func newTestOpenAI(t *testing.T, url string) *OpenAIAdapter {
	t.Helper()
	a, err := NewOpenAIAdapter("vllm", entities.ConnectionParams{BaseURL: url, APIKey: "sk-test", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("creating adapter: %v", err)
	}
	return a
}

func TestOpenAI_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var req openAIChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"route\":\"end\"}"}}],"usage":{"prompt_tokens":20,"completion_tokens":6}}`)
	}))
	defer server.Close()

	resp, err := newTestOpenAI(t, server.URL).Chat(context.Background(), ports.AdapterRequest{
		Model:   "qwen-plus",
		Options: entities.ChatOptions{JSONMode: true},
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != `{"route":"end"}` {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.Total() != 26 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestOpenAI_ChatNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	if _, err := newTestOpenAI(t, server.URL).Chat(context.Background(), ports.AdapterRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAI_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected stream with usage, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Saber\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" is\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ch, err := newTestOpenAI(t, server.URL).ChatStream(context.Background(), ports.AdapterRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	chunks, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 2 deltas and a final chunk, got %d", len(chunks))
	}
	if chunks[0].Delta+chunks[1].Delta != "Saber is" {
		t.Errorf("unexpected text")
	}
	final := chunks[2]
	if !final.Final || final.Usage == nil || final.Usage.PromptTokens != 9 {
		t.Errorf("unexpected final chunk: %+v", final)
	}
}

func TestOpenAI_ChatStreamWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
	}))
	defer server.Close()

	ch, err := newTestOpenAI(t, server.URL).ChatStream(context.Background(), ports.AdapterRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if _, err := drain(t, ch); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestOpenAI_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":4}}`)
	}))
	defer server.Close()

	emb, err := newTestOpenAI(t, server.URL).Embed(context.Background(), "bge", []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if emb.Vectors[0][0] != 1 || emb.Vectors[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", emb.Vectors)
	}
	if emb.Usage.PromptTokens != 4 {
		t.Errorf("unexpected usage: %+v", emb.Usage)
	}
}

func TestNewOpenAIAdapter_BaseURL(t *testing.T) {
	if _, err := NewOpenAIAdapter("vllm", entities.ConnectionParams{}); err == nil {
		t.Error("vllm without base_url should fail")
	}
	a, err := NewOpenAIAdapter("qwen", entities.ConnectionParams{})
	if err != nil {
		t.Fatalf("qwen should default its base URL: %v", err)
	}
	if a.baseURL != defaultQwenBaseURL {
		t.Errorf("unexpected base URL: %s", a.baseURL)
	}
}

func TestFactories(t *testing.T) {
	f := Factories()
	for _, typ := range []string{"ollama", "openai", "vllm", "qwen"} {
		if _, ok := f[typ]; !ok {
			t.Errorf("missing factory for %s", typ)
		}
	}
	a, err := f["ollama"](entities.ModelInstance{Name: "local", Type: "ollama"})
	if err != nil || a == nil {
		t.Fatalf("ollama factory failed: %v", err)
	}
}
