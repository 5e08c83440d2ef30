package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"mewp-telemetry/internal/models"
)

// ErrMalformedPayload 消息体无法按主题类型解析
var ErrMalformedPayload = errors.New("malformed payload")

// Input 待解码的 broker 消息
type Input struct {
	Origin           string // broker 主题，如 dingli/mewp/MEWP-001/telemetry
	Payload          []byte
	Source           models.Source
	DefaultVehicleID string
	ReceivedAt       time.Time
}

// KindFromTopic 根据主题最后一段判断消息类型
func KindFromTopic(topic string) models.MessageKind {
	segment := topic
	if idx := strings.LastIndex(topic, "/"); idx >= 0 {
		segment = topic[idx+1:]
	}
	switch segment {
	case "telemetry":
		return models.KindTelemetry
	case "alerts", "alert":
		return models.KindAlert
	case "status":
		return models.KindStatus
	default:
		return models.KindRaw
	}
}

// Decode 将 broker 消息解码为 Envelope
// 返回的错误均包装 ErrMalformedPayload
func Decode(in Input) (models.Envelope, error) {
	kind := KindFromTopic(in.Origin)

	trimmed := bytes.TrimSpace(in.Payload)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return models.Envelope{}, fmt.Errorf("%w: invalid JSON on %s", ErrMalformedPayload, in.Origin)
	}

	env := models.Envelope{
		Timestamp: in.ReceivedAt,
		Topic:     kind.Topic(),
		Origin:    in.Origin,
		Kind:      kind,
		VehicleID: in.DefaultVehicleID,
		Source:    in.Source,
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if kind == models.KindRaw {
		raw := make([]byte, len(trimmed))
		copy(raw, trimmed)
		env.Payload = models.RawPayload(raw)
		env.VehicleID = vehicleIDFromRaw(trimmed, in.DefaultVehicleID)
		return env, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return models.Envelope{}, fmt.Errorf("%w: %s payload must be a JSON object", ErrMalformedPayload, kind)
	}

	if v, ok := stringField(fields, "vehicleId"); ok && v != "" {
		env.VehicleID = v
	}
	if ts, ok := stringField(fields, "timestamp"); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed.UTC()
		}
	}

	var err error
	switch kind {
	case models.KindTelemetry:
		env.Payload, err = decodeTelemetry(fields)
	case models.KindAlert:
		env.Payload, err = decodeAlert(fields, env)
	case models.KindStatus:
		env.Payload, err = decodeStatus(trimmed)
	}
	if err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

// Encode 序列化 Envelope
func Encode(env models.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// 非参数字段
var telemetryMetaFields = map[string]struct{}{
	"vehicleId": {},
	"timestamp": {},
	"deviceId":  {},
}

func decodeTelemetry(fields map[string]json.RawMessage) (models.TelemetryPayload, error) {
	p := models.TelemetryPayload{
		Readings: make(map[string]float64),
		Flags:    make(map[string]bool),
	}

	for key, raw := range fields {
		if _, skip := telemetryMetaFields[key]; skip {
			continue
		}
		switch key {
		case "location":
			var loc models.Location
			if err := json.Unmarshal(raw, &loc); err != nil {
				return p, fmt.Errorf("%w: location: %v", ErrMalformedPayload, err)
			}
			p.Location = &loc
			continue
		case "operationalStatus":
			var st models.OperationalStatus
			if err := json.Unmarshal(raw, &st); err != nil {
				return p, fmt.Errorf("%w: operationalStatus: %v", ErrMalformedPayload, err)
			}
			p.OperationalStatus = &st
			continue
		case "quality":
			var q string
			if err := json.Unmarshal(raw, &q); err != nil {
				return p, fmt.Errorf("%w: quality must be a string", ErrMalformedPayload)
			}
			p.Quality = q
			continue
		}

		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return p, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
		switch v := value.(type) {
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return p, fmt.Errorf("%w: %s is not finite", ErrMalformedPayload, key)
			}
			p.Readings[key] = v
		case bool:
			p.Flags[key] = v
		default:
			// 其他类型字段忽略
		}
	}

	return p, nil
}

type alertFields struct {
	ID        string   `json:"id"`
	Parameter string   `json:"parameter"`
	Message   string   `json:"message"`
	Severity  string   `json:"severity"`
	Value     *float64 `json:"value"`
	Threshold *float64 `json:"threshold"`
}

func decodeAlert(fields map[string]json.RawMessage, env models.Envelope) (models.Alert, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var af alertFields
	if err := json.Unmarshal(raw, &af); err != nil {
		return models.Alert{}, fmt.Errorf("%w: alert: %v", ErrMalformedPayload, err)
	}
	if af.Parameter == "" {
		return models.Alert{}, fmt.Errorf("%w: alert without parameter", ErrMalformedPayload)
	}
	severity, ok := NormalizeSeverity(af.Severity)
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: unknown severity %q", ErrMalformedPayload, af.Severity)
	}

	alert := models.Alert{
		ID:          af.ID,
		ParameterID: af.Parameter,
		VehicleID:   env.VehicleID,
		Severity:    severity,
		Message:     af.Message,
		CreatedAt:   env.Timestamp,
	}
	if af.Value != nil {
		alert.Value = *af.Value
	}
	if af.Threshold != nil {
		alert.Threshold = *af.Threshold
	}
	return alert, nil
}

func decodeStatus(raw []byte) (models.StatusPayload, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.StatusPayload{}, fmt.Errorf("%w: status: %v", ErrMalformedPayload, err)
	}
	return models.StatusPayload{Fields: fields}, nil
}

// NormalizeSeverity 设备端级别映射到 info/warning/critical
// 空值视为 warning
func NormalizeSeverity(s string) (models.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high":
		return models.SeverityCritical, true
	case "warning", "medium", "", "warn":
		return models.SeverityWarning, true
	case "info", "low":
		return models.SeverityInfo, true
	default:
		return "", false
	}
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func vehicleIDFromRaw(raw []byte, fallback string) string {
	var probe struct {
		VehicleID string `json:"vehicleId"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.VehicleID != "" {
		return probe.VehicleID
	}
	return fallback
}
