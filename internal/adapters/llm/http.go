// Package llm provides model adapters for the Ollama and OpenAI-compatible wire protocols.
// Clean Architecture: Adapters implementing ports.ModelAdapter.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// maxErrorBody caps how much of an error response is kept in the error message.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx backend response.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.Code, e.Body)
}

// Factories returns the adapter factories for every supported instance type.
func Factories() map[string]ports.AdapterFactory {
	return map[string]ports.AdapterFactory{
		"ollama": func(inst entities.ModelInstance) (ports.ModelAdapter, error) {
			return NewOllamaAdapter(inst.Params), nil
		},
		"openai": openAIFactory("openai"),
		"vllm":   openAIFactory("vllm"),
		"qwen":   openAIFactory("qwen"),
	}
}

func openAIFactory(family string) ports.AdapterFactory {
	return func(inst entities.ModelInstance) (ports.ModelAdapter, error) {
		return NewOpenAIAdapter(family, inst.Params)
	}
}

// httpClients returns a client for complete responses and one for streams.
// The stream client only bounds time-to-headers and an overall ceiling.
func httpClients(params entities.ConnectionParams) (*http.Client, *http.Client) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	streamTimeout := 5 * timeout
	if v, ok := params.Extra["stream_timeout"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			streamTimeout = d
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Timeout: timeout}, &http.Client{Timeout: streamTimeout, Transport: transport}
}

// postJSON sends body as JSON and returns the response when the status is 2xx.
// Callers own resp.Body.
func postJSON(ctx context.Context, client *http.Client, backend, url string, headers map[string]string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", backend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Backend: backend, Code: resp.StatusCode, Body: readLimited(resp.Body)}
	}
	return resp, nil
}

func readLimited(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}

// emit delivers a chunk unless the consumer has gone away.
func emit(ctx context.Context, ch chan<- entities.StreamChunk, c entities.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// estimateTokens approximates a token count for backends that report none.
func estimateTokens(text string) int {
	return len(text) / 4
}
