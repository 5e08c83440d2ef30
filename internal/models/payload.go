package models

import (
	"encoding/json"
	"sort"
)

// Location 车辆位置
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Speed   float64 `json:"speed"`
	Heading float64 `json:"heading"`
}

// OperationalStatus 运行状态
type OperationalStatus struct {
	EngineRunning    bool `json:"engineRunning"`
	HydraulicsActive bool `json:"hydraulicsActive"`
	PlatformExtended bool `json:"platformExtended"`
	EmergencyStop    bool `json:"emergencyStop"`
}

// TelemetryPayload 遥测数据
//   - Readings: 数值型参数（engineRpm、tilt...）
//   - Flags: 布尔型参数（overload、lowFuel...）
type TelemetryPayload struct {
	Readings          map[string]float64
	Flags             map[string]bool
	Location          *Location
	OperationalStatus *OperationalStatus
	Quality           string
}

func (TelemetryPayload) Kind() MessageKind { return KindTelemetry }

// Value 返回参数值，布尔参数映射为 1/0
func (p TelemetryPayload) Value(parameterID string) (float64, bool) {
	if v, ok := p.Readings[parameterID]; ok {
		return v, true
	}
	if f, ok := p.Flags[parameterID]; ok {
		if f {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ParameterIDs 返回全部参数ID（排序后）
func (p TelemetryPayload) ParameterIDs() []string {
	ids := make([]string, 0, len(p.Readings)+len(p.Flags))
	for id := range p.Readings {
		ids = append(ids, id)
	}
	for id := range p.Flags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON 输出扁平结构：{"engineRpm": 1850, "overload": false, "location": {...}}
func (p TelemetryPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Readings)+len(p.Flags)+3)
	for k, v := range p.Readings {
		out[k] = v
	}
	for k, v := range p.Flags {
		out[k] = v
	}
	if p.Location != nil {
		out["location"] = p.Location
	}
	if p.OperationalStatus != nil {
		out["operationalStatus"] = p.OperationalStatus
	}
	if p.Quality != "" {
		out["quality"] = p.Quality
	}
	return json.Marshal(out)
}

// StatusPayload 车辆状态
type StatusPayload struct {
	Fields map[string]interface{}
}

func (StatusPayload) Kind() MessageKind { return KindStatus }

func (p StatusPayload) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

// RawPayload 未分类消息（如 test/topic），保留原始 JSON
type RawPayload json.RawMessage

func (RawPayload) Kind() MessageKind { return KindRaw }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return []byte(p), nil
}
