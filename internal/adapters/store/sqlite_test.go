package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fgo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureModel_Deduplicates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := entities.ModelIdentity{InstanceName: "local", Type: "ollama", PhysicalModelName: "qwen2.5:7b", BaseURL: "http://localhost:11434"}

	first, err := s.EnsureModel(ctx, id)
	require.NoError(t, err)
	second, err := s.EnsureModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := s.EnsureModel(ctx, entities.ModelIdentity{InstanceName: "local", PhysicalModelName: "bge-m3"})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestSaveCallRecord_AndRecentCalls(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	modelID, err := s.EnsureModel(ctx, entities.ModelIdentity{InstanceName: "cloud", PhysicalModelName: "qwen-plus"})
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, s.SaveCallRecord(ctx, entities.CallRecord{
		ID: "call-old", LogicalModel: "chat", Type: entities.CallChat, Status: entities.CallFailure,
		StartedAt: start, EndedAt: start.Add(time.Second), ErrorMessage: "all instances failed",
		FailoverEvents: []entities.FailoverEvent{{InstanceName: "cloud", Status: entities.FailoverFailed, Error: "timeout"}},
	}))
	require.NoError(t, s.SaveCallRecord(ctx, entities.CallRecord{
		ID: "call-new", LogicalModel: "chat", Type: entities.CallChat, Status: entities.CallSuccess, IsStream: true,
		ModelID: modelID, PromptTokens: 12, CompletionTokens: 40,
		StartedAt: start.Add(30 * time.Second), EndedAt: start.Add(32 * time.Second),
		FailoverEvents: []entities.FailoverEvent{{InstanceName: "cloud", PhysicalModelName: "qwen-plus", Status: entities.FailoverSuccess}},
	}))

	calls, err := s.RecentCalls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	newest := calls[0]
	assert.Equal(t, "call-new", newest.ID)
	assert.True(t, newest.IsStream)
	assert.Equal(t, "cloud", newest.InstanceName)
	assert.Equal(t, "qwen-plus", newest.PhysicalModelName)
	assert.Equal(t, 40, newest.CompletionTokens)
	require.Len(t, newest.FailoverEvents, 1)

	failed := calls[1]
	assert.Equal(t, entities.CallFailure, failed.Status)
	assert.Empty(t, failed.ModelID)
	assert.Empty(t, failed.InstanceName)
	assert.Equal(t, "timeout", failed.FailoverEvents[0].Error)
}

func TestConversation_Turns(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "master", "chaldea")
	require.NoError(t, err)

	for i, q := range []string{"q1", "q2", "q3"} {
		require.NoError(t, s.AppendTurn(ctx, entities.Turn{SessionID: sess.ID, Question: q, Answer: "a" + string(rune('1'+i))}))
	}

	turns, err := s.RecentTurns(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q2", turns[0].Question, "oldest of the recent turns comes first")
	assert.Equal(t, "q3", turns[1].Question)

	all, err := s.RecentTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	msgs := entities.Messages(turns)
	require.Len(t, msgs, 4)
	assert.Equal(t, entities.RoleUser, msgs[0].Role)
	assert.Equal(t, "a3", msgs[3].Content)
}

func TestAppendTurn_UnknownSession(t *testing.T) {
	s := openTest(t)
	err := s.AppendTurn(context.Background(), entities.Turn{SessionID: "nope", Question: "q", Answer: "a"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
