package monitor

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

func TestRedisSinkIntegration(t *testing.T) {
	addr := os.Getenv("FGO_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set FGO_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	ctx := context.Background()
	stream := "fgo:test:calls:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	sink, err := NewRedisSink(ctx, RedisConfig{Addr: addr, Stream: stream, MaxLen: 100})
	require.NoError(t, err)
	defer func() {
		sink.rdb.Del(ctx, stream, stream+":models")
		sink.Close()
	}()

	id := entities.ModelIdentity{InstanceName: "local", Type: "ollama", PhysicalModelName: "qwen2.5:7b"}
	first, err := sink.EnsureModel(ctx, id)
	require.NoError(t, err)
	second, err := sink.EnsureModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second, "model identity must be deduplicated")

	rec := entities.CallRecord{
		ID: "call-1", LogicalModel: "chat", Type: entities.CallChat, Status: entities.CallSuccess,
		ModelID: first, StartedAt: time.Now(), EndedAt: time.Now(),
	}
	require.NoError(t, sink.SaveCallRecord(ctx, rec))

	n, err := sink.rdb.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
