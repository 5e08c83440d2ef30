package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mewp-telemetry/internal/codec"
	"mewp-telemetry/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrBridgeUnavailable bridge 未处于 live 状态，无法转发发布请求
	ErrBridgeUnavailable = errors.New("bridge unavailable")
	// ErrBrokerTimeout broker 操作未在 ConnectTimeout 内完成
	ErrBrokerTimeout = errors.New("broker operation timed out")
)

// State bridge 连接状态
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateLive
	StateSimulated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateSimulated:
		return "simulated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Sink 接收解码后的信封
type Sink func(env models.Envelope)

// Hooks 可选回调（指标）
type Hooks struct {
	Malformed    func(origin string)
	StateChanged func(state State)
}

// Options bridge 配置
type Options struct {
	Topics               []string // live 模式订阅的主题
	SimulatedTopicPrefix string   // 模拟数据主题前缀，如 dingli/mewp/mock-device
	VehicleID            string
	Endpoint             string
	ThingName            string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	RecoveryInterval     time.Duration // <= 0 表示 simulated 模式下不再探测 broker
	Simulator            SimulatorOptions
}

// Status 连接状态快照
type Status struct {
	State          string   `json:"state"`
	Mode           string   `json:"mode"`
	Connected      bool     `json:"connected"`
	Endpoint       string   `json:"endpoint"`
	ThingName      string   `json:"thingName"`
	Topics         []string `json:"topics"`
	MalformedCount int64    `json:"malformedCount"`
}

// Bridge ingestion bridge：转发 broker 消息，broker 不可用时生成模拟数据
//
// 状态转换：
//   - Uninitialized → Connecting → Live | Simulated
//   - Live → Reconnecting → Live | Simulated
//   - Simulated → Reconnecting → Live | Simulated（恢复探测）
type Bridge struct {
	opts    Options
	factory BrokerFactory
	gen     *Generator
	sink    Sink
	hooks   Hooks
	logger  *zap.Logger

	mu         sync.RWMutex
	state      State
	degraded   bool
	broker     Broker
	generation uint64
	lost       chan uint64

	simCancel context.CancelFunc
	simWG     sync.WaitGroup

	malformed atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge 创建 bridge；factory 为 nil 表示未配置 broker
func NewBridge(opts Options, factory BrokerFactory, gen *Generator, sink Sink, hooks Hooks, logger *zap.Logger) *Bridge {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SimulatedTopicPrefix == "" {
		opts.SimulatedTopicPrefix = "dingli/mewp/mock-device"
	}
	return &Bridge{
		opts:    opts,
		factory: factory,
		gen:     gen,
		sink:    sink,
		hooks:   hooks,
		logger:  logger,
		state:   StateUninitialized,
		lost:    make(chan uint64, 1),
	}
}

// Start 启动 bridge（非阻塞，不会因 broker 不可用而失败）
func (b *Bridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()

	return nil
}

// Stop 停止 bridge 并断开 broker
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// State 当前状态
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status 返回连接状态
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Status{
		State:          b.state.String(),
		Mode:           string(models.SourceLive),
		Connected:      b.state == StateLive && b.broker != nil && b.broker.IsConnected(),
		Endpoint:       valueOr(b.opts.Endpoint, "not configured"),
		ThingName:      valueOr(b.opts.ThingName, "not configured"),
		Topics:         append([]string(nil), b.opts.Topics...),
		MalformedCount: b.malformed.Load(),
	}
	if b.degraded || b.state == StateUninitialized {
		st.Mode = string(models.SourceSimulated)
	}
	return st
}

// Source 当前信封来源：degraded 时为 simulated
func (b *Bridge) Source() models.Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.degraded {
		return models.SourceSimulated
	}
	return models.SourceLive
}

// MalformedCount 无法解码的消息数
func (b *Bridge) MalformedCount() int64 {
	return b.malformed.Load()
}

// Publish 发布消息到 broker，仅 live 状态可用
func (b *Bridge) Publish(topic string, payload interface{}) error {
	b.mu.RLock()
	state, broker := b.state, b.broker
	b.mu.RUnlock()

	if state != StateLive || broker == nil {
		return fmt.Errorf("%w: bridge is %s", ErrBridgeUnavailable, state)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := b.bounded("publish "+topic, func() error { return broker.Publish(topic, data) }); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// bounded 在 ConnectTimeout 内等待 fn 返回；超时后 fn 留在后台，由 Disconnect 使其退出
func (b *Bridge) bounded(op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(b.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrBrokerTimeout, op, b.opts.ConnectTimeout)
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer b.shutdown()

	if b.factory == nil {
		b.logger.Warn("Broker not configured, using simulated data")
		b.enterSimulated(ctx)
		<-ctx.Done()
		return
	}

	b.setState(StateConnecting)
	if err := b.connect(); err != nil {
		b.logger.Warn("Failed to connect to broker, falling back to simulated data", zap.Error(err))
		b.enterSimulated(ctx)
	}

	for {
		switch b.State() {
		case StateLive:
			select {
			case <-ctx.Done():
				return
			case gen := <-b.lost:
				if !b.isCurrent(gen) {
					continue
				}
				b.logger.Warn("Broker connection lost, reconnecting")
				b.reconnect(ctx)
			}
		default:
			if b.opts.RecoveryInterval <= 0 {
				<-ctx.Done()
				return
			}
			timer := time.NewTimer(b.opts.RecoveryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				b.probe()
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// reconnect 指数退避重连，超过最大次数后进入 simulated 模式
func (b *Bridge) reconnect(ctx context.Context) {
	b.setState(StateReconnecting)

	backoff := b.opts.InitialBackoff
	for attempt := 1; attempt <= b.opts.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := b.connect()
		if err == nil {
			b.logger.Info("Reconnected to broker", zap.Int("attempt", attempt))
			return
		}
		b.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", b.opts.MaxReconnectAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		backoff *= 2
		if backoff > b.opts.MaxBackoff {
			backoff = b.opts.MaxBackoff
		}
	}

	b.logger.Warn("Reconnect attempts exhausted, falling back to simulated data")
	b.enterSimulated(ctx)
}

// probe simulated 模式下单次探测 broker；模拟数据在探测期间继续生成
func (b *Bridge) probe() {
	b.setState(StateReconnecting)
	if err := b.connect(); err != nil {
		b.logger.Debug("Broker recovery probe failed", zap.Error(err))
		b.setState(StateSimulated)
		return
	}
	b.logger.Info("Broker recovered, leaving simulated mode")
}

// connect 建立连接并订阅主题，成功后切换到 live
func (b *Bridge) connect() error {
	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	// 丢弃旧连接遗留的断开通知
	select {
	case <-b.lost:
	default:
	}

	broker, err := b.factory(func(err error) {
		select {
		case b.lost <- gen:
		default:
		}
	})
	if err != nil {
		return err
	}

	if err := b.bounded("connect", func() error { return broker.Connect(b.opts.ConnectTimeout) }); err != nil {
		broker.Disconnect()
		return err
	}

	handler := func(topic string, payload []byte) {
		b.handleLive(gen, topic, payload)
	}
	for _, topic := range b.opts.Topics {
		if err := b.bounded("subscribe "+topic, func() error { return broker.Subscribe(topic, handler) }); err != nil {
			broker.Disconnect()
			return err
		}
		b.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}

	b.mu.Lock()
	old := b.broker
	b.broker = broker
	b.degraded = false
	b.mu.Unlock()

	b.stopSimulator()
	b.setState(StateLive)
	if old != nil {
		old.Disconnect()
	}
	return nil
}

func (b *Bridge) isCurrent(gen uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return gen == b.generation
}

func (b *Bridge) handleLive(gen uint64, topic string, payload []byte) {
	b.mu.RLock()
	accept := gen == b.generation && !b.degraded
	b.mu.RUnlock()
	if !accept {
		return
	}
	b.handle(topic, payload, models.SourceLive)
}

func (b *Bridge) handleSimulated(topic string, payload []byte) {
	b.mu.RLock()
	accept := b.degraded
	b.mu.RUnlock()
	if !accept {
		return
	}
	b.handle(topic, payload, models.SourceSimulated)
}

func (b *Bridge) handle(topic string, payload []byte, source models.Source) {
	env, err := codec.Decode(codec.Input{
		Origin:           topic,
		Payload:          payload,
		Source:           source,
		DefaultVehicleID: b.opts.VehicleID,
		ReceivedAt:       time.Now().UTC(),
	})
	if err != nil {
		// 记录错误，继续处理后续消息
		b.malformed.Add(1)
		if b.hooks.Malformed != nil {
			b.hooks.Malformed(topic)
		}
		b.logger.Warn("Dropping malformed message",
			zap.String("topic", topic),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		return
	}
	if b.sink != nil {
		b.sink(env)
	}
}

// enterSimulated 断开 broker 并启动模拟数据
func (b *Bridge) enterSimulated(ctx context.Context) {
	b.mu.Lock()
	old := b.broker
	b.broker = nil
	b.degraded = true
	b.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	b.setState(StateSimulated)
	b.startSimulator(ctx)
}

func (b *Bridge) startSimulator(ctx context.Context) {
	b.mu.Lock()
	if b.simCancel != nil {
		b.mu.Unlock()
		return
	}
	simCtx, cancel := context.WithCancel(ctx)
	b.simCancel = cancel
	b.mu.Unlock()

	opts := b.opts.Simulator
	vehicleID := valueOr(opts.VehicleID, b.opts.VehicleID)
	telemetryTopic := b.opts.SimulatedTopicPrefix + "/telemetry"
	alertTopic := b.opts.SimulatedTopicPrefix + "/alerts"

	b.logger.Info("Starting simulated data stream",
		zap.Duration("telemetry_interval", opts.TelemetryInterval),
		zap.Duration("alert_interval", opts.AlertInterval),
	)

	if opts.TelemetryInterval > 0 {
		b.simWG.Add(1)
		go func() {
			defer b.simWG.Done()
			ticker := time.NewTicker(opts.TelemetryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-simCtx.Done():
					return
				case <-ticker.C:
					b.emitSimulated(telemetryTopic, b.gen.Telemetry(vehicleID))
				}
			}
		}()
	}

	if opts.AlertInterval > 0 {
		b.simWG.Add(1)
		go func() {
			defer b.simWG.Done()
			ticker := time.NewTicker(opts.AlertInterval)
			defer ticker.Stop()
			for {
				select {
				case <-simCtx.Done():
					return
				case <-ticker.C:
					if b.gen.ShouldAlert(opts.AlertProbability) {
						b.emitSimulated(alertTopic, b.gen.Alert(vehicleID))
					}
				}
			}
		}()
	}
}

func (b *Bridge) emitSimulated(topic string, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("Failed to marshal simulated data", zap.Error(err))
		return
	}
	b.handleSimulated(topic, payload)
}

func (b *Bridge) stopSimulator() {
	b.mu.Lock()
	cancel := b.simCancel
	b.simCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.simWG.Wait()
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()

	if prev != s {
		b.logger.Info("Bridge state changed",
			zap.String("from", prev.String()),
			zap.String("to", s.String()),
		)
		if b.hooks.StateChanged != nil {
			b.hooks.StateChanged(s)
		}
	}
}

func (b *Bridge) shutdown() {
	b.stopSimulator()

	b.mu.Lock()
	broker := b.broker
	b.broker = nil
	b.mu.Unlock()

	if broker != nil {
		broker.Disconnect()
	}
}

func marshalPayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal publish payload: %w", err)
	}
	return data, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
