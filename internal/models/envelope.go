package models

import (
	"encoding/json"
	"time"
)

// MessageKind 消息类型（由 broker 主题最后一段决定）
type MessageKind string

const (
	KindTelemetry MessageKind = "telemetry"
	KindAlert     MessageKind = "alert"
	KindStatus    MessageKind = "status"
	KindRaw       MessageKind = "raw"
)

// Source 数据来源
type Source string

const (
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
)

// 路由主题
const (
	TopicTelemetry   = "telemetry"
	TopicAlerts      = "alerts"
	TopicStatus      = "status"
	TopicRaw         = "raw"
	TopicVehicleData = "vehicle-data" // 订阅全部车辆数据
)

// Topic 返回该类型消息的路由主题
func (k MessageKind) Topic() string {
	switch k {
	case KindTelemetry:
		return TopicTelemetry
	case KindAlert:
		return TopicAlerts
	case KindStatus:
		return TopicStatus
	default:
		return TopicRaw
	}
}

// Event 返回推送给 observer 的事件名
func (k MessageKind) Event() string {
	switch k {
	case KindTelemetry:
		return EventTelemetryUpdate
	case KindAlert:
		return EventAlertNotification
	case KindStatus:
		return EventStatusUpdate
	default:
		return EventRawMessage
	}
}

// Payload 按 MessageKind 区分的消息体
type Payload interface {
	Kind() MessageKind
}

// Envelope 规范化后的消息信封
// 由 codec 构造后只读，按值传递；Payload 内的 map 同样不可修改
type Envelope struct {
	Timestamp time.Time
	Topic     string // 路由主题
	Origin    string // broker 原始主题
	Kind      MessageKind
	VehicleID string
	Payload   Payload
	Source    Source
}

// MatchTopics 返回可命中该信封的订阅主题集合（已去重）
func (e Envelope) MatchTopics() []string {
	topics := []string{e.Topic}
	if e.Origin != "" && e.Origin != e.Topic {
		topics = append(topics, e.Origin)
	}
	if e.Topic != TopicVehicleData {
		topics = append(topics, TopicVehicleData)
	}
	return topics
}

type envelopeJSON struct {
	Timestamp   time.Time   `json:"timestamp"`
	Topic       string      `json:"topic"`
	Origin      string      `json:"origin,omitempty"`
	MessageType MessageKind `json:"messageType"`
	VehicleID   string      `json:"vehicleId"`
	Data        Payload     `json:"data"`
	Source      Source      `json:"source"`
}

// MarshalJSON 输出与前端 vehicle-data 事件一致的结构
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Timestamp:   e.Timestamp,
		Topic:       e.Topic,
		Origin:      e.Origin,
		MessageType: e.Kind,
		VehicleID:   e.VehicleID,
		Data:        e.Payload,
		Source:      e.Source,
	})
}
