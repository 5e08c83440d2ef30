package parameter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"mewp-telemetry/internal/alert"
	"mewp-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrUnknownParameter 参数不在目录中
var ErrUnknownParameter = errors.New("unknown parameter")

// Catalog 参数目录：单位、类别、初始值、默认阈值
type Catalog struct {
	defs  map[string]models.ParameterDefinition
	order []string
}

// catalogFile YAML / JSON 目录结构
type catalogFile struct {
	Parameters []models.ParameterDefinition `json:"parameters" yaml:"parameters"`
}

// NewCatalog 由定义列表构建目录；阈值非法或 ID 重复时返回错误
func NewCatalog(defs []models.ParameterDefinition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]models.ParameterDefinition, len(defs))}
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("parameter definition without id")
		}
		if _, dup := c.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate parameter %s", d.ID)
		}
		if !d.Threshold.IsZero() {
			if err := alert.ValidateThreshold(d.Threshold); err != nil {
				return nil, fmt.Errorf("parameter %s: %w", d.ID, err)
			}
		}
		c.defs[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// DefaultCatalog 内置目录（MEWP 参数表）
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions())
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile 从 YAML 文件加载目录
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse parameter catalog: %w", err)
	}
	return NewCatalog(f.Parameters)
}

// Fetch 从参数目录服务加载（GET url，返回 {"parameters": [...]}）
func Fetch(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (*Catalog, error) {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")

	var f catalogFile
	resp, err := client.R().
		SetContext(ctx).
		SetResult(&f).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parameter catalog: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("parameter catalog service returned status %d", resp.StatusCode())
	}

	logger.Info("Fetched parameter catalog",
		zap.String("url", url),
		zap.Int("parameters", len(f.Parameters)),
	)
	return NewCatalog(f.Parameters)
}

// Load 按优先级加载目录：文件 → 目录服务 → 内置默认
// 加载失败时回退到内置目录
func Load(ctx context.Context, file, url string, timeout time.Duration, logger *zap.Logger) *Catalog {
	if file != "" {
		c, err := LoadFile(file)
		if err == nil {
			logger.Info("Loaded parameter catalog file", zap.String("file", file), zap.Int("parameters", c.Len()))
			return c
		}
		logger.Warn("Failed to load parameter catalog file, using defaults", zap.String("file", file), zap.Error(err))
	}
	if url != "" {
		c, err := Fetch(ctx, url, timeout, logger)
		if err == nil {
			return c
		}
		logger.Warn("Failed to fetch parameter catalog, using defaults", zap.String("url", url), zap.Error(err))
	}
	return DefaultCatalog()
}

// Get 获取参数定义
func (c *Catalog) Get(id string) (models.ParameterDefinition, bool) {
	d, ok := c.defs[id]
	return d, ok
}

// Len 参数数量
func (c *Catalog) Len() int {
	return len(c.defs)
}

// Definitions 按定义顺序返回全部参数
func (c *Catalog) Definitions() []models.ParameterDefinition {
	out := make([]models.ParameterDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}

// Categories 返回全部类别（排序）
func (c *Catalog) Categories() []string {
	seen := map[string]struct{}{}
	for _, d := range c.defs {
		seen[d.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// ByCategory 返回某类别下的参数
func (c *Catalog) ByCategory(category string) []models.ParameterDefinition {
	var out []models.ParameterDefinition
	for _, id := range c.order {
		if d := c.defs[id]; d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// Thresholds 返回所有配置了阈值的参数
func (c *Catalog) Thresholds() map[string]models.Threshold {
	out := make(map[string]models.Threshold)
	for id, d := range c.defs {
		if !d.Threshold.IsZero() {
			out[id] = d.Threshold.Clone()
		}
	}
	return out
}

// MarshalJSON 输出 {"parameters": [...]}
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(catalogFile{Parameters: c.Definitions()})
}

func ptr(v float64) *float64 { return &v }

// DefaultDefinitions MEWP 参数表；布尔参数按 0/1 判定
func DefaultDefinitions() []models.ParameterDefinition {
	return []models.ParameterDefinition{
		{ID: "overload", Name: "Overload", Unit: "boolean", Category: "properUsage",
			Threshold: models.Threshold{Critical: ptr(1), Direction: models.DirectionAbove}},
		{ID: "tilt", Name: "Tilt", Unit: "degrees", Category: "properUsage", Value: 2.5,
			Threshold: models.Threshold{Warning: ptr(4), Critical: ptr(5), Direction: models.DirectionAbove}},
		{ID: "angle", Name: "Angle", Unit: "degrees", Category: "properUsage", Value: 15.3,
			Threshold: models.Threshold{Warning: ptr(25), Critical: ptr(30), Direction: models.DirectionAbove}},
		{ID: "lowFuel", Name: "Low Fuel", Unit: "boolean", Category: "properUsage",
			Threshold: models.Threshold{Warning: ptr(1), Direction: models.DirectionAbove}},
		{ID: "engineRpm", Name: "Engine RPM", Unit: "rpm", Category: "properUsage", Value: 1850,
			Threshold: models.Threshold{Warning: ptr(2200), Critical: ptr(2500), Direction: models.DirectionAbove}},
		{ID: "oilPressure", Name: "Oil Pressure", Unit: "psi", Category: "properUsage", Value: 45.2,
			Threshold: models.Threshold{Warning: ptr(35), Critical: ptr(30), Direction: models.DirectionBelow}},
		{ID: "engineTemperature", Name: "Engine Temperature", Unit: "°C", Category: "properUsage", Value: 85.5,
			Threshold: models.Threshold{Warning: ptr(95), Critical: ptr(100), Direction: models.DirectionAbove}},
		{ID: "hydraulicPressure", Name: "Hydraulic Pressure", Unit: "psi", Category: "properUsage", Value: 2800,
			Threshold: models.Threshold{Warning: ptr(2900), Critical: ptr(3000), Direction: models.DirectionAbove}},
		{ID: "batteryMonitor", Name: "Battery Monitor", Unit: "%", Category: "functionalParameter", Value: 85,
			Threshold: models.Threshold{Warning: ptr(20), Critical: ptr(10), Direction: models.DirectionBelow}},
		{ID: "signalStrength", Name: "Signal Strength", Unit: "%", Category: "functionalParameter", Value: 85},
		{ID: "pmHmr", Name: "PM HMR", Unit: "hours", Category: "assetMaintenance", Value: 245.5},
		{ID: "cmHmr", Name: "CM HMR", Unit: "hours", Category: "assetMaintenance", Value: 180.2},
	}
}
