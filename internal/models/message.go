package models

import "time"

// 推送给 observer 的事件名
const (
	EventConnectionEstablished = "connection-established"
	EventSubscriptionSuccess   = "subscription-success"
	EventSubscriptionError     = "subscription-error"
	EventUnsubscriptionSuccess = "unsubscription-success"
	EventUnsubscriptionError   = "unsubscription-error"
	EventAuthSuccess           = "authentication-success"
	EventAuthError             = "authentication-error"
	EventCurrentStatus         = "current-status"
	EventStatusError           = "status-error"
	EventHistoricalData        = "historical-data"
	EventHistoricalDataError   = "historical-data-error"
	EventAckSuccess            = "acknowledgment-success"
	EventAckError              = "acknowledgment-error"
	EventThresholdSuccess      = "threshold-update-success"
	EventThresholdError        = "threshold-update-error"
	EventAlertAcknowledged     = "alert-acknowledged"
	EventThresholdUpdated      = "threshold-updated"
	EventVehicleData           = "vehicle-data"
	EventTelemetryUpdate       = "telemetry-update"
	EventAlertNotification     = "alert-notification"
	EventStatusUpdate          = "status-update"
	EventRawMessage            = "aws-iot-message"
	EventConnectionStats       = "connection-stats"
	EventPong                  = "pong"
	EventCommandError          = "command-error"
)

// Message 控制通道上的一帧：{"event": "...", "data": {...}}
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorData *-error 事件的统一结构
type ErrorData struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Identity 认证服务签发的身份声明（只读副本）
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// Credentials authenticate 命令携带的凭证：token 与客户端声明的身份
type Credentials struct {
	Token   string    `json:"token"`
	Claimed *Identity `json:"user,omitempty"`
}

// ObserverInfo observer 对外展示信息
type ObserverInfo struct {
	ID              string    `json:"id"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
	User            *Identity `json:"user"`
	Subscriptions   []string  `json:"subscriptions"`
}
