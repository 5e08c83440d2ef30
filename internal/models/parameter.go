package models

import "time"

// ParameterStatus 参数状态
type ParameterStatus string

const (
	StatusNormal   ParameterStatus = "normal"
	StatusWarning  ParameterStatus = "warning"
	StatusCritical ParameterStatus = "critical"
)

// ParameterSnapshot 单个参数的观测快照（由遥测信封生成，评估器只读）
type ParameterSnapshot struct {
	ParameterID string          `json:"id"`
	VehicleID   string          `json:"vehicleId,omitempty"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit,omitempty"`
	Category    string          `json:"category,omitempty"`
	Status      ParameterStatus `json:"status"`
	Thresholds  Threshold       `json:"threshold"`
	ObservedAt  time.Time       `json:"timestamp"`
}

// ParameterDefinition 参数目录中的静态定义
type ParameterDefinition struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Unit      string    `json:"unit" yaml:"unit"`
	Category  string    `json:"category" yaml:"category"`
	Value     float64   `json:"value" yaml:"value"`
	Threshold Threshold `json:"threshold" yaml:"threshold"`
}

// HistoricalPoint 历史数据点
type HistoricalPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
