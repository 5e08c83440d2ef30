package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"mewp-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
)

// Store 报警记录持久化
type Store interface {
	Save(ctx context.Context, alert models.Alert) error
	LoadOpen(ctx context.Context) ([]models.Alert, error)
}

// RedisStore 以 Redis Hash 保存报警记录（field = alertId, value = JSON）
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 报警存储
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Save 写入或覆盖报警记录
func (s *RedisStore) Save(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, alert.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// LoadOpen 读取所有未确认的报警
func (s *RedisStore) LoadOpen(ctx context.Context) ([]models.Alert, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	alerts := make([]models.Alert, 0, len(values))
	for id, raw := range values {
		var a models.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert %s: %w", id, err)
		}
		if a.Acknowledged {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
