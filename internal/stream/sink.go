package stream

import (
	"context"
	"sync/atomic"
	"time"

	"mewp-telemetry/common/redis"
	"mewp-telemetry/internal/codec"
	"mewp-telemetry/internal/models"

	"go.uber.org/zap"
)

// Sink 将信封写入 Redis Streams，供外部时序库写入服务消费
// Write 非阻塞，队列满时丢弃（遥测可被下一次采样替代）
type Sink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	queue   chan models.Envelope
	logger  *zap.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// NewSink 创建 stream 写入器
func NewSink(client *redis.Client, stream string, maxLen int64, buffer int, logger *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	return &Sink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		queue:   make(chan models.Envelope, buffer),
		logger:  logger,
	}
}

// Write 入队一个信封
func (s *Sink) Write(env models.Envelope) bool {
	select {
	case s.queue <- env:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Run 写入循环，直到 ctx 取消；取消时尽力写完队列中剩余信封
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case env := <-s.queue:
			s.publish(env)
		}
	}
}

func (s *Sink) flush() {
	for {
		select {
		case env := <-s.queue:
			s.publish(env)
		default:
			return
		}
	}
}

func (s *Sink) publish(env models.Envelope) {
	data, err := codec.Encode(env)
	if err != nil {
		s.logger.Warn("Failed to encode envelope for stream", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = redis.PublishToStream(ctx, s.client, s.stream, s.maxLen, map[string]interface{}{
		"kind":       string(env.Kind),
		"topic":      env.Topic,
		"origin":     env.Origin,
		"vehicle_id": env.VehicleID,
		"source":     string(env.Source),
		"timestamp":  env.Timestamp.UnixMilli(),
		"data":       data,
	})
	if err != nil {
		// 记录错误，继续处理
		s.logger.Warn("Failed to publish envelope to stream",
			zap.String("stream", s.stream),
			zap.String("kind", string(env.Kind)),
			zap.Error(err),
		)
		return
	}
	s.written.Add(1)
}

// Written 已写入数
func (s *Sink) Written() int64 {
	return s.written.Load()
}

// Dropped 队列满丢弃数
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}
