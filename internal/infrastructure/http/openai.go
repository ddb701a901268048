package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

// Routing metadata is returned out of band in these headers.
const (
	headerInstance      = "X-Model-Instance"
	headerPhysicalModel = "X-Physical-Model"
)

// nginx's convention for a client that went away mid-request.
const statusClientClosedRequest = 499

type completionRequest struct {
	Model          string                 `json:"model"`
	Messages       []entities.ChatMessage `json:"messages" binding:"required,min=1"`
	Stream         bool                   `json:"stream"`
	Temperature    *float64               `json:"temperature"`
	MaxTokens      int                    `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func (r completionRequest) chatRequest(defaultModel string) entities.ChatRequest {
	model := r.Model
	if model == "" {
		model = defaultModel
	}
	return entities.ChatRequest{
		Messages:     r.Messages,
		LogicalModel: model,
		Stream:       r.Stream,
		Options: entities.ChatOptions{
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
			JSONMode:    r.ResponseFormat != nil && r.ResponseFormat.Type == "json_object",
		},
	}
}

type completionChoice struct {
	Index        int                   `json:"index"`
	Message      *entities.ChatMessage `json:"message,omitempty"`
	Delta        *entities.ChatMessage `json:"delta,omitempty"`
	FinishReason *string               `json:"finish_reason"`
}

type completionResponse struct {
	ID       string                   `json:"id"`
	Object   string                   `json:"object"`
	Created  int64                    `json:"created"`
	Model    string                   `json:"model"`
	Choices  []completionChoice       `json:"choices"`
	Usage    *entities.Usage          `json:"usage,omitempty"`
	Instance *entities.CallMetadata   `json:"instance,omitempty"`
	Failover []entities.FailoverEvent `json:"failover,omitempty"`
}

// handleChatCompletions is an OpenAI-compatible passthrough to the router.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "Failed to parse request body: "+err.Error()))
		return
	}
	chatReq := req.chatRequest(s.cfg.ChatModel)
	if req.Stream {
		s.streamCompletion(c, chatReq)
		return
	}

	res, err := s.router.Chat(c.Request.Context(), chatReq)
	if err != nil {
		s.routingFailed(c, err)
		return
	}

	stop := "stop"
	c.Header(headerInstance, res.Metadata.InstanceName)
	c.Header(headerPhysicalModel, res.Metadata.PhysicalModelName)
	c.JSON(http.StatusOK, completionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   chatReq.LogicalModel,
		Choices: []completionChoice{{
			Message:      &entities.ChatMessage{Role: entities.RoleAssistant, Content: res.Response.Content},
			FinishReason: &stop,
		}},
		Usage:    &res.Response.Usage,
		Instance: &res.Metadata,
		Failover: res.Failover,
	})
}

// streamCompletion waits for the first chunk before writing headers, so a
// call where every instance fails still gets a JSON error response.
func (s *Server) streamCompletion(c *gin.Context, req entities.ChatRequest) {
	logger := s.requestLogger(c)
	stream, err := s.router.ChatStream(c.Request.Context(), req)
	if err != nil {
		s.routingFailed(c, err)
		return
	}
	defer stream.Close()

	first, err := stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		s.routingFailed(c, err)
		return
	}

	if meta, ok := stream.Metadata(); ok {
		c.Header(headerInstance, meta.InstanceName)
		c.Header(headerPhysicalModel, meta.PhysicalModelName)
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	write := func(chunk entities.StreamChunk) error {
		out := completionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.LogicalModel,
			Choices: []completionChoice{{
				Delta: &entities.ChatMessage{Role: entities.RoleAssistant, Content: chunk.Delta},
			}},
			Usage: chunk.Usage,
		}
		if chunk.Final {
			stop := "stop"
			out.Choices[0].FinishReason = &stop
			if meta, ok := stream.Metadata(); ok {
				out.Instance = &meta
			}
			out.Failover = stream.FailoverEvents()
		}
		return sendSSE(c.Writer, out)
	}

	if err == nil {
		if werr := write(first); werr != nil {
			return
		}
		for {
			chunk, rerr := stream.Recv()
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				logger.Warn().Err(rerr).Msg("stream failed after first chunk")
				sendSSE(c.Writer, errorBody("stream_error", rerr.Error()))
				return
			}
			if werr := write(chunk); werr != nil {
				return
			}
		}
	}
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input" binding:"required"`
}

// inputs accepts either a single string or an array of strings.
func (r embeddingRequest) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, errors.New("input must be a string or an array of strings")
	}
	return many, nil
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// handleEmbeddings is an OpenAI-compatible passthrough to the router.
func (s *Server) handleEmbeddings(c *gin.Context) {
	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "Failed to parse request body: "+err.Error()))
		return
	}
	texts, err := req.inputs()
	if err != nil || len(texts) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "input must be a non-empty string or array of strings"))
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.EmbedModel
	}

	res, err := s.router.Embed(c.Request.Context(), model, texts)
	if err != nil {
		s.routingFailed(c, err)
		return
	}

	data := make([]embeddingData, len(res.Vectors))
	for i, v := range res.Vectors {
		data[i] = embeddingData{Object: "embedding", Index: i, Embedding: v}
	}
	c.Header(headerInstance, res.Metadata.InstanceName)
	c.Header(headerPhysicalModel, res.Metadata.PhysicalModelName)
	c.JSON(http.StatusOK, gin.H{
		"object":   "list",
		"model":    model,
		"data":     data,
		"usage":    res.Usage,
		"instance": res.Metadata,
		"failover": res.Failover,
	})
}

// routingFailed maps router errors to responses. Passthrough callers are
// operators, so the failover log is included.
func (s *Server) routingFailed(c *gin.Context, err error) {
	var cfgErr *entities.ConfigurationError
	var allErr *entities.AllInstancesFailedError
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusNotFound, errorBody("model_not_found", cfgErr.Error()))
	case errors.As(err, &allErr):
		reqLogger := s.requestLogger(c)
		reqLogger.Warn().Err(err).Int("attempts", len(allErr.Events)).Msg("all instances failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    gin.H{"type": "all_instances_failed", "message": allErr.Error()},
			"failover": allErr.Events,
		})
	case c.Request.Context().Err() != nil:
		c.Status(statusClientClosedRequest)
	default:
		reqLogger := s.requestLogger(c)
		reqLogger.Error().Err(err).Msg("routing failed")
		c.JSON(http.StatusBadGateway, errorBody("provider_error", err.Error()))
	}
}
