package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestConsumerGroup_ReadAndAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "mewp:test:stream", "history-writer"))
	// 重复创建不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "mewp:test:stream", "history-writer"))

	id, err := PublishToStream(ctx, client, "mewp:test:stream", 100, map[string]interface{}{
		"vehicle_id": "MEWP-001",
		"data":       []byte(`{"value":85.5}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadFromStream(ctx, client, "mewp:test:stream", "history-writer", "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, "MEWP-001", messages[0].Values["vehicle_id"])

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &data))
	assert.Equal(t, 85.5, data["value"])

	require.NoError(t, AckStream(ctx, client, "mewp:test:stream", "history-writer", id))
	require.NoError(t, AckStream(ctx, client, "mewp:test:stream", "history-writer"))

	// 已投递给消费者组的消息不会再次读到
	messages, err = ReadFromStream(ctx, client, "mewp:test:stream", "history-writer", "worker-1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestPublishToStream_FormatsScalars(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "mewp:test:scalars", 0, map[string]interface{}{
		"count":  3,
		"ok":     true,
		"ratio":  0.25,
		"labels": []string{"a", "b"},
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "mewp:test:scalars", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].Values["count"])
	assert.Equal(t, "true", entries[0].Values["ok"])
	assert.Equal(t, "0.25", entries[0].Values["ratio"])
	assert.Equal(t, `["a","b"]`, entries[0].Values["labels"])
}
