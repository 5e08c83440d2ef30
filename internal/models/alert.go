package models

import (
	"math"
	"time"
)

// Severity 报警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 报警记录
// 确认是单向的（未确认 → 已确认），已确认的报警不会被重新打开
type Alert struct {
	ID             string     `json:"id"`
	ParameterID    string     `json:"parameter"`
	VehicleID      string     `json:"vehicleId,omitempty"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	CreatedAt      time.Time  `json:"createdAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

func (Alert) Kind() MessageKind { return KindAlert }

// Key 返回 (parameterId, severity) 索引键
func (a Alert) Key() AlertKey {
	return AlertKey{ParameterID: a.ParameterID, Severity: a.Severity}
}

// AlertKey 打开状态报警的唯一键
type AlertKey struct {
	ParameterID string
	Severity    Severity
}

// Direction 阈值方向
type Direction string

const (
	DirectionAbove Direction = "above" // 值越大越危险（温度、转速）
	DirectionBelow Direction = "below" // 值越小越危险（电量、油压）
)

// Threshold 参数阈值配置
type Threshold struct {
	Min       *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Warning   *float64  `json:"warning,omitempty" yaml:"warning,omitempty"`
	Critical  *float64  `json:"critical,omitempty" yaml:"critical,omitempty"`
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// IsZero 未配置任何阈值
func (t Threshold) IsZero() bool {
	return t.Min == nil && t.Max == nil && t.Warning == nil && t.Critical == nil
}

// EffectiveDirection 未显式配置方向时：critical < warning 视为 below，否则 above
func (t Threshold) EffectiveDirection() Direction {
	if t.Direction != "" {
		return t.Direction
	}
	if t.Warning != nil && t.Critical != nil && *t.Critical < *t.Warning {
		return DirectionBelow
	}
	return DirectionAbove
}

// Clone 深拷贝
func (t Threshold) Clone() Threshold {
	return Threshold{
		Min:       clonePtr(t.Min),
		Max:       clonePtr(t.Max),
		Warning:   clonePtr(t.Warning),
		Critical:  clonePtr(t.Critical),
		Direction: t.Direction,
	}
}

// Status 根据阈值计算参数状态
func (t Threshold) Status(value float64) ParameterStatus {
	if math.IsNaN(value) {
		return StatusNormal
	}
	if (t.Min != nil && value < *t.Min) || (t.Max != nil && value > *t.Max) {
		return StatusCritical
	}
	if t.Critical != nil && crosses(value, *t.Critical, t.EffectiveDirection()) {
		return StatusCritical
	}
	if t.Warning != nil && crosses(value, *t.Warning, t.EffectiveDirection()) {
		return StatusWarning
	}
	return StatusNormal
}

// Crosses 判断 value 是否越过 level
func Crosses(value, level float64, dir Direction) bool {
	return crosses(value, level, dir)
}

func crosses(value, level float64, dir Direction) bool {
	if dir == DirectionBelow {
		return value <= level
	}
	return value >= level
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float64Ptr 辅助函数
func Float64Ptr(v float64) *float64 {
	return &v
}
