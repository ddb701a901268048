package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// defaultQwenBaseURL is DashScope's OpenAI-compatible endpoint.
const defaultQwenBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// OpenAIAdapter implements ports.ModelAdapter for OpenAI-compatible servers
// (OpenAI, vLLM, Qwen/DashScope).
type OpenAIAdapter struct {
	family       string
	baseURL      string
	apiKey       string
	client       *http.Client
	streamClient *http.Client
}

var _ ports.ModelAdapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(family string, params entities.ConnectionParams) (*OpenAIAdapter, error) {
	baseURL := params.BaseURL
	if baseURL == "" && family == "qwen" {
		baseURL = defaultQwenBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s adapter requires base_url", family)
	}
	client, streamClient := httpClients(params)
	return &OpenAIAdapter{
		family:       family,
		baseURL:      baseURL,
		apiKey:       params.APIKey,
		client:       client,
		streamClient: streamClient,
	}, nil
}

func (a *OpenAIAdapter) headers() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

type openAIChatRequest struct {
	Model          string                 `json:"model"`
	Messages       []entities.ChatMessage `json:"messages"`
	Stream         bool                   `json:"stream"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat        `json:"response_format,omitempty"`
	StreamOptions  *streamOptions         `json:"stream_options,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u *openAIUsage) toUsage() entities.Usage {
	if u == nil {
		return entities.Usage{}
	}
	return entities.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (a *OpenAIAdapter) chatRequest(req ports.AdapterRequest, stream bool) openAIChatRequest {
	body := openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
	if req.Options.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

// Chat returns a complete answer from /chat/completions.
func (a *OpenAIAdapter) Chat(ctx context.Context, req ports.AdapterRequest) (*entities.ChatResponse, error) {
	resp, err := postJSON(ctx, a.client, a.family, a.baseURL+"/chat/completions", a.headers(), a.chatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	var chatResp openAIChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.family)
	}

	return &entities.ChatResponse{
		Content: chatResp.Choices[0].Message.Content,
		Usage:   chatResp.Usage.toUsage(),
		Raw:     raw,
	}, nil
}

var (
	sseData = []byte("data:")
	sseDone = []byte("[DONE]")
)

// ChatStream reads server-sent events. Usage may arrive on any event; it is
// reported once, on the final chunk.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req ports.AdapterRequest) (<-chan entities.StreamChunk, error) {
	resp, err := postJSON(ctx, a.streamClient, a.family, a.baseURL+"/chat/completions", a.headers(), a.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan entities.StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var usage entities.Usage
		finished := false
		final := func() {
			u := usage
			emit(ctx, ch, entities.StreamChunk{Final: true, Usage: &u})
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if !bytes.HasPrefix(line, sseData) {
				continue
			}
			payload := bytes.TrimSpace(line[len(sseData):])
			if bytes.Equal(payload, sseDone) {
				final()
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				continue // Skip malformed events
			}
			if chunk.Usage != nil {
				usage = chunk.Usage.toUsage()
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != nil {
					finished = true
				}
				if choice.Delta.Content == "" {
					continue
				}
				if !emit(ctx, ch, entities.StreamChunk{Delta: choice.Delta.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, ch, entities.StreamChunk{Err: err})
			return
		}
		if finished {
			final()
			return
		}
		emit(ctx, ch, entities.StreamChunk{Err: errors.New(a.family + " stream ended before completion")})
	}()

	return ch, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *openAIUsage `json:"usage"`
}

// Embed calls /embeddings with all texts in one request.
func (a *OpenAIAdapter) Embed(ctx context.Context, model string, texts []string) (*entities.Embedding, error) {
	resp, err := postJSON(ctx, a.client, a.family, a.baseURL+"/embeddings", a.headers(), openAIEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", a.family, len(embedResp.Data), len(texts))
	}

	sort.Slice(embedResp.Data, func(i, j int) bool { return embedResp.Data[i].Index < embedResp.Data[j].Index })
	out := &entities.Embedding{Vectors: make([][]float32, len(texts))}
	for i, d := range embedResp.Data {
		out.Vectors[i] = d.Embedding
	}
	if embedResp.Usage != nil {
		out.Usage = embedResp.Usage.toUsage()
	} else {
		for _, t := range texts {
			out.Usage.PromptTokens += estimateTokens(t)
		}
	}
	return out, nil
}
