package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// OllamaAdapter implements ports.ModelAdapter using the native Ollama API.
type OllamaAdapter struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

var _ ports.ModelAdapter = (*OllamaAdapter)(nil)

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter(params entities.ConnectionParams) *OllamaAdapter {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	client, streamClient := httpClients(params)
	return &OllamaAdapter{baseURL: baseURL, client: client, streamClient: streamClient}
}

// ollamaChatRequest is the Ollama /api/chat request.
type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []entities.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]any         `json:"options,omitempty"`
}

// ollamaChatResponse is one /api/chat response object (a whole answer or one NDJSON line).
type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (r ollamaChatResponse) usage() entities.Usage {
	return entities.Usage{PromptTokens: r.PromptEvalCount, CompletionTokens: r.EvalCount}
}

func (a *OllamaAdapter) chatRequest(req ports.AdapterRequest, stream bool) ollamaChatRequest {
	body := ollamaChatRequest{Model: req.Model, Messages: req.Messages, Stream: stream}
	if req.Options.JSONMode {
		body.Format = "json"
	}
	opts := map[string]any{}
	if req.Options.Temperature != nil {
		opts["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		opts["num_predict"] = req.Options.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}
	return body
}

// Chat returns a complete answer from /api/chat.
func (a *OllamaAdapter) Chat(ctx context.Context, req ports.AdapterRequest) (*entities.ChatResponse, error) {
	resp, err := postJSON(ctx, a.client, "ollama", a.baseURL+"/api/chat", nil, a.chatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	var chatResp ollamaChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if chatResp.Error != "" {
		return nil, fmt.Errorf("ollama: %s", chatResp.Error)
	}

	return &entities.ChatResponse{Content: chatResp.Message.Content, Usage: chatResp.usage(), Raw: raw}, nil
}

// ChatStream streams /api/chat as NDJSON. The line with done=true becomes the
// final chunk and carries the token counts.
func (a *OllamaAdapter) ChatStream(ctx context.Context, req ports.AdapterRequest) (<-chan entities.StreamChunk, error) {
	resp, err := postJSON(ctx, a.streamClient, "ollama", a.baseURL+"/api/chat", nil, a.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan entities.StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue // Skip malformed lines
			}
			if chunk.Error != "" {
				emit(ctx, ch, entities.StreamChunk{Err: fmt.Errorf("ollama: %s", chunk.Error)})
				return
			}

			if chunk.Done {
				usage := chunk.usage()
				emit(ctx, ch, entities.StreamChunk{Delta: chunk.Message.Content, Final: true, Usage: &usage})
				return
			}
			if chunk.Message.Content == "" {
				continue
			}
			if !emit(ctx, ch, entities.StreamChunk{Delta: chunk.Message.Content}) {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = errors.New("ollama stream ended before done")
		}
		emit(ctx, ch, entities.StreamChunk{Err: err})
	}()

	return ch, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls /api/embeddings once per text. Ollama reports no token counts
// here, so usage is estimated from text length.
func (a *OllamaAdapter) Embed(ctx context.Context, model string, texts []string) (*entities.Embedding, error) {
	out := &entities.Embedding{Vectors: make([][]float32, 0, len(texts))}
	for i, text := range texts {
		vec, err := a.embedOne(ctx, model, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out.Vectors = append(out.Vectors, vec)
		out.Usage.PromptTokens += estimateTokens(text)
	}
	return out, nil
}

func (a *OllamaAdapter) embedOne(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := postJSON(ctx, a.client, "ollama", a.baseURL+"/api/embeddings", nil, ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}
	return embedResp.Embedding, nil
}
