package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"mewp-telemetry/common/redis"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/repository"

	"go.uber.org/zap"
)

// ReadingWriter 参数采样写入
type ReadingWriter interface {
	Insert(ctx context.Context, readings []repository.Reading) error
}

// ArchiverOptions 归档消费者配置
type ArchiverOptions struct {
	Group        string
	Consumer     string
	Batch        int64
	Block        time.Duration // 必须 > 0，XREADGROUP BLOCK 0 会一直阻塞
	Retry        time.Duration
	WriteTimeout time.Duration
}

// Archiver 通过消费者组读取 Sink 写入的 stream，把遥测参数写入时序表
// 写入失败的消息不确认，留在 pending 列表
type Archiver struct {
	client *redis.Client
	stream string
	writer ReadingWriter
	opts   ArchiverOptions
	logger *zap.Logger

	archived atomic.Int64
	skipped  atomic.Int64
}

// NewArchiver 创建归档消费者
func NewArchiver(client *redis.Client, stream string, writer ReadingWriter, opts ArchiverOptions, logger *zap.Logger) *Archiver {
	if opts.Group == "" {
		opts.Group = "history-writer"
	}
	if opts.Consumer == "" {
		opts.Consumer = "mewp-telemetry-1"
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Archiver{
		client: client,
		stream: stream,
		writer: writer,
		opts:   opts,
		logger: logger,
	}
}

// Run 消费循环，直到 ctx 取消
func (a *Archiver) Run(ctx context.Context) error {
	if err := redis.CreateConsumerGroup(ctx, a.client, a.stream, a.opts.Group); err != nil {
		return err
	}
	a.logger.Info("Stream archiver started",
		zap.String("stream", a.stream),
		zap.String("group", a.opts.Group),
		zap.String("consumer", a.opts.Consumer),
	)

	for ctx.Err() == nil {
		messages, err := redis.ReadFromStream(ctx, a.client, a.stream, a.opts.Group, a.opts.Consumer, a.opts.Batch, a.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Warn("Failed to read from stream", zap.String("stream", a.stream), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(a.opts.Retry):
			}
			continue
		}
		if len(messages) > 0 {
			a.archive(messages)
		}
	}
	return nil
}

func (a *Archiver) archive(messages []redis.StreamMessage) {
	ids := make([]string, 0, len(messages))
	var readings []repository.Reading
	for _, msg := range messages {
		ids = append(ids, msg.ID)
		if kind, _ := msg.Values["kind"].(string); kind != string(models.KindTelemetry) {
			continue
		}
		data, _ := msg.Values["data"].(string)
		rs, err := readingsFromEnvelope([]byte(data))
		if err != nil {
			// 无法解析的消息确认后跳过
			a.skipped.Add(1)
			a.logger.Warn("Skipping undecodable stream message", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		readings = append(readings, rs...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
	defer cancel()

	if err := a.writer.Insert(ctx, readings); err != nil {
		a.logger.Warn("Failed to archive readings, leaving messages pending",
			zap.Int("messages", len(ids)),
			zap.Error(err),
		)
		return
	}
	if err := redis.AckStream(ctx, a.client, a.stream, a.opts.Group, ids...); err != nil {
		a.logger.Warn("Failed to ack archived messages", zap.Error(err))
	}
	a.archived.Add(int64(len(readings)))
}

// Archived 已写入的采样数
func (a *Archiver) Archived() int64 {
	return a.archived.Load()
}

// Skipped 无法解析而跳过的消息数
func (a *Archiver) Skipped() int64 {
	return a.skipped.Load()
}

// readingsFromEnvelope 取出信封 data 中的数值与布尔参数（布尔记为 1/0）
func readingsFromEnvelope(raw []byte) ([]repository.Reading, error) {
	var env struct {
		Timestamp time.Time                  `json:"timestamp"`
		VehicleID string                     `json:"vehicleId"`
		Data      map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	readings := make([]repository.Reading, 0, len(env.Data))
	for id, field := range env.Data {
		var value float64
		if err := json.Unmarshal(field, &value); err != nil {
			var flag bool
			if json.Unmarshal(field, &flag) != nil {
				continue
			}
			if flag {
				value = 1
			}
		}
		readings = append(readings, repository.Reading{
			VehicleID:   env.VehicleID,
			ParameterID: id,
			Value:       value,
			ObservedAt:  env.Timestamp,
		})
	}
	return readings, nil
}
