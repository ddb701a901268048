package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/usecases"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/logging"
)

// Resolver endpoints never echo backend errors; the user gets this instead.
const answerFailedMessage = "暂时无法回答这个问题，请稍后再试。"

const historyWriteTimeout = 5 * time.Second

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

type chatResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Answer    string `json:"answer"`
}

// handleChat answers one question, optionally within a session.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "message is required"))
		return
	}
	logger := s.requestLogger(c)
	ctx := c.Request.Context()

	messages, err := s.conversation(ctx, req.SessionID, req.Message)
	if err != nil {
		logger.Error().Err(err).Str("session_id", req.SessionID).Msg("loading history failed")
		c.JSON(http.StatusInternalServerError, errorBody("history_error", "could not load session history"))
		return
	}

	res, err := s.resolver.Resolve(ctx, messages)
	if err != nil {
		s.resolveFailed(c, err)
		return
	}
	s.saveTurn(ctx, req.SessionID, req.Message, res.Answer)

	c.JSON(http.StatusOK, chatResponse{SessionID: req.SessionID, Answer: res.Answer})
}

// handleChatStream answers over Server-Sent Events: one {"content"} event per
// delta, then {"done": true}.
func (s *Server) handleChatStream(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "query parameter q is required"))
		return
	}
	sessionID := c.Query("session_id")
	logger := s.requestLogger(c)
	ctx := c.Request.Context()

	messages, err := s.conversation(ctx, sessionID, query)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("loading history failed")
		c.JSON(http.StatusInternalServerError, errorBody("history_error", "could not load session history"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	res, err := s.resolver.ResolveStream(ctx, messages, func(_ context.Context, delta string) error {
		return sendSSE(c.Writer, gin.H{"content": delta, "done": false})
	})
	if err != nil {
		logger.Error().Err(err).Msg("resolve failed")
		sendSSE(c.Writer, gin.H{"content": answerFailedMessage, "done": true})
		return
	}
	s.saveTurn(ctx, sessionID, query, res.Answer)
	sendSSE(c.Writer, gin.H{"done": true})
}

type sessionRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	if s.conversations == nil {
		c.JSON(http.StatusNotImplemented, errorBody("unsupported", "sessions are disabled"))
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}
	sess, err := s.conversations.CreateSession(c.Request.Context(), req.UserID, req.Name)
	if err != nil {
		reqLogger := s.requestLogger(c)
		reqLogger.Error().Err(err).Msg("creating session failed")
		c.JSON(http.StatusInternalServerError, errorBody("session_error", "could not create session"))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.conversations == nil {
		c.JSON(http.StatusNotImplemented, errorBody("unsupported", "sessions are disabled"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "limit must be a positive integer"))
		return
	}
	turns, err := s.conversations.RecentTurns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		reqLogger := s.requestLogger(c)
		reqLogger.Error().Err(err).Msg("loading history failed")
		c.JSON(http.StatusInternalServerError, errorBody("history_error", "could not load session history"))
		return
	}
	if turns == nil {
		turns = []entities.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "turns": turns})
}

type ingestRequest struct {
	Path string `json:"path" binding:"required"`
	Dir  bool   `json:"dir"`
}

func (s *Server) handleIngest(c *gin.Context) {
	if s.ingester == nil {
		c.JSON(http.StatusNotImplemented, errorBody("unsupported", "ingestion is disabled"))
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "path is required"))
		return
	}
	ctx := c.Request.Context()
	if req.Dir {
		files, chunks, err := s.ingester.IngestDir(ctx, req.Path)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"files": files, "chunks": chunks,
				"error": gin.H{"type": "ingest_error", "message": err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"files": files, "chunks": chunks})
		return
	}
	chunks, err := s.ingester.IngestFile(ctx, req.Path)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody("ingest_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": 1, "chunks": chunks})
}

// conversation builds the resolver input: recent session turns then the question.
func (s *Server) conversation(ctx context.Context, sessionID, question string) ([]entities.ChatMessage, error) {
	var msgs []entities.ChatMessage
	if sessionID != "" && s.conversations != nil {
		turns, err := s.conversations.RecentTurns(ctx, sessionID, s.cfg.HistoryTurns)
		if err != nil {
			return nil, fmt.Errorf("loading turns: %w", err)
		}
		msgs = entities.Messages(turns)
	}
	return append(msgs, entities.ChatMessage{Role: entities.RoleUser, Content: question}), nil
}

// saveTurn records the exchange even when the client has already gone away.
func (s *Server) saveTurn(ctx context.Context, sessionID, question, answer string) {
	if sessionID == "" || s.conversations == nil || answer == "" {
		return
	}
	ctx, cancel := logging.DetachContextWithTimeout(ctx, historyWriteTimeout)
	defer cancel()
	err := s.conversations.AppendTurn(ctx, entities.Turn{
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("saving turn failed")
	}
}

func (s *Server) resolveFailed(c *gin.Context, err error) {
	if errors.Is(err, usecases.ErrNoQuery) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "message is required"))
		return
	}
	reqLogger := s.requestLogger(c)
	reqLogger.Error().Err(err).Msg("resolve failed")
	c.JSON(http.StatusInternalServerError, errorBody("resolve_error", answerFailedMessage))
}

func sendSSE(w gin.ResponseWriter, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	w.Flush()
	return nil
}
