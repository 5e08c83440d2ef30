package bridge

import (
	"fmt"
	"sync"
	"time"

	"mewp-telemetry/common/config"
	"mewp-telemetry/common/mqtt"

	"go.uber.org/zap"
)

// Broker 消息 broker 连接
type Broker interface {
	Connect(timeout time.Duration) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// BrokerFactory 每次连接尝试创建一个新的 Broker；onLost 在连接断开时被调用
type BrokerFactory func(onLost func(err error)) (Broker, error)

// mqttBroker 基于 common/mqtt 的 Broker 实现（AWS IoT Core）
type mqttBroker struct {
	client *mqtt.Client
	qos    byte
	logger *zap.Logger

	mu     sync.Mutex
	topics []string
}

// NewMQTTBrokerFactory 创建 MQTT broker 工厂
// broker 未配置时返回 nil（bridge 直接进入 simulated 模式）
func NewMQTTBrokerFactory(cfg *config.MQTTConfig, logger *zap.Logger) BrokerFactory {
	if cfg == nil || !cfg.Configured() {
		return nil
	}
	return func(onLost func(err error)) (Broker, error) {
		client, err := mqtt.NewClient(cfg, logger, mqtt.ConnectionLostHandler(onLost))
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT client: %w", err)
		}
		return &mqttBroker{client: client, qos: cfg.QoS, logger: logger}, nil
	}
}

func (b *mqttBroker) Connect(timeout time.Duration) error {
	return b.client.Connect(timeout)
}

func (b *mqttBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	err := b.client.Subscribe(topic, b.qos, func(topic string, payload []byte) error {
		handler(topic, payload)
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return nil
}

func (b *mqttBroker) Publish(topic string, payload []byte) error {
	return b.client.Publish(topic, b.qos, false, payload)
}

func (b *mqttBroker) IsConnected() bool {
	return b.client.IsConnected()
}

// Disconnect 连接仍在时先取消订阅，再断开
func (b *mqttBroker) Disconnect() {
	b.mu.Lock()
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	if len(topics) > 0 && b.client.IsConnected() {
		if err := b.client.Unsubscribe(topics...); err != nil {
			b.logger.Debug("Failed to unsubscribe before disconnect", zap.Error(err))
		}
	}
	b.client.Disconnect()
}
