package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"mewp-telemetry/internal/models"
)

// MaxThresholdMagnitude 阈值绝对值上限
const MaxThresholdMagnitude = 1e9

// violation 单个阈值条件的判定结果
type violation struct {
	severity models.Severity
	level    float64
	label    string
}

// violations 逐个阈值独立判定；min/max 越界视为 critical
func violations(t models.Threshold, value float64) []violation {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	dir := t.EffectiveDirection()

	var out []violation
	if t.Warning != nil && models.Crosses(value, *t.Warning, dir) {
		out = append(out, violation{severity: models.SeverityWarning, level: *t.Warning, label: string(dir) + " warning"})
	}
	if t.Critical != nil && models.Crosses(value, *t.Critical, dir) {
		out = append(out, violation{severity: models.SeverityCritical, level: *t.Critical, label: string(dir) + " critical"})
	}
	if t.Max != nil && value > *t.Max {
		out = append(out, violation{severity: models.SeverityCritical, level: *t.Max, label: "above maximum"})
	} else if t.Min != nil && value < *t.Min {
		out = append(out, violation{severity: models.SeverityCritical, level: *t.Min, label: "below minimum"})
	}
	return out
}

// thresholdInput update-threshold 对象形式
type thresholdInput struct {
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
	Warning   *float64 `json:"warning"`
	Critical  *float64 `json:"critical"`
	Direction *string  `json:"direction"`
}

// ParseThreshold 解析 update-threshold 的 threshold 字段并合并到 current
//   - 数字：设置 critical，其余字段保持不变
//   - 对象：出现的字段覆盖 current 对应字段
//
// 任何非数值输入返回 ErrValidation
func ParseThreshold(raw json.RawMessage, current models.Threshold) (models.Threshold, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return models.Threshold{}, fmt.Errorf("%w: threshold is required", models.ErrValidation)
	}

	next := current.Clone()
	// 固定现有方向，避免修改数值后推断方向翻转
	if next.Direction == "" && !current.IsZero() {
		next.Direction = current.EffectiveDirection()
	}

	switch trimmed[0] {
	case '{':
		var in thresholdInput
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return models.Threshold{}, fmt.Errorf("%w: threshold must contain numeric fields: %v", models.ErrValidation, err)
		}
		if in.Min == nil && in.Max == nil && in.Warning == nil && in.Critical == nil && in.Direction == nil {
			return models.Threshold{}, fmt.Errorf("%w: threshold object is empty", models.ErrValidation)
		}
		if in.Min != nil {
			next.Min = in.Min
		}
		if in.Max != nil {
			next.Max = in.Max
		}
		if in.Warning != nil {
			next.Warning = in.Warning
		}
		if in.Critical != nil {
			next.Critical = in.Critical
		}
		if in.Direction != nil {
			next.Direction = models.Direction(*in.Direction)
		}
	default:
		var v float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return models.Threshold{}, fmt.Errorf("%w: threshold must be numeric", models.ErrValidation)
		}
		next.Critical = &v
	}

	if err := ValidateThreshold(next); err != nil {
		return models.Threshold{}, err
	}
	return next, nil
}

// ValidateThreshold 校验阈值：有限值、范围、min ≤ max、方向一致
func ValidateThreshold(t models.Threshold) error {
	if t.IsZero() {
		return fmt.Errorf("%w: threshold has no levels", models.ErrValidation)
	}
	for name, p := range map[string]*float64{
		"min":      t.Min,
		"max":      t.Max,
		"warning":  t.Warning,
		"critical": t.Critical,
	} {
		if p == nil {
			continue
		}
		if math.IsNaN(*p) || math.IsInf(*p, 0) {
			return fmt.Errorf("%w: %s is not finite", models.ErrValidation, name)
		}
		if math.Abs(*p) > MaxThresholdMagnitude {
			return fmt.Errorf("%w: %s out of range", models.ErrValidation, name)
		}
	}
	if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
		return fmt.Errorf("%w: min greater than max", models.ErrValidation)
	}

	switch t.Direction {
	case "", models.DirectionAbove, models.DirectionBelow:
	default:
		return fmt.Errorf("%w: unknown direction %q", models.ErrValidation, t.Direction)
	}

	if t.Direction != "" && t.Warning != nil && t.Critical != nil {
		if t.Direction == models.DirectionAbove && *t.Warning > *t.Critical {
			return fmt.Errorf("%w: warning must not exceed critical for direction above", models.ErrValidation)
		}
		if t.Direction == models.DirectionBelow && *t.Warning < *t.Critical {
			return fmt.Errorf("%w: warning must not be below critical for direction below", models.ErrValidation)
		}
	}
	return nil
}
