package bridge

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimulatorOptions 模拟数据配置
type SimulatorOptions struct {
	TelemetryInterval time.Duration
	AlertInterval     time.Duration
	AlertProbability  float64
	VehicleID         string
}

// Generator 模拟遥测/报警数据生成器
// rand.Rand 非并发安全，用 mu 保护
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewGenerator 创建生成器；src 为 nil 时使用当前时间作为种子
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Generator{
		rnd: rand.New(src),
		now: time.Now,
	}
}

func (g *Generator) float() float64 {
	return g.rnd.Float64()
}

// Telemetry 生成一条模拟遥测数据
func (g *Generator) Telemetry(vehicleID string) map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	quality := "good"
	if g.float() <= 0.1 {
		quality = "poor"
	}

	return map[string]interface{}{
		"vehicleId":         vehicleID,
		"engineRpm":         1800 + g.float()*400,
		"engineTemperature": 80 + g.float()*25,
		"hydraulicPressure": 2700 + g.float()*400,
		"oilPressure":       40 + g.float()*15,
		"batteryMonitor":    70 + g.float()*30,
		"tilt":              g.float() * 10,
		"angle":             g.float() * 45,
		"overload":          g.float() < 0.05,
		"lowFuel":           g.float() < 0.1,
		"location": map[string]float64{
			"lat":     40.7128 + (g.float()-0.5)*0.01,
			"lng":     -74.0060 + (g.float()-0.5)*0.01,
			"speed":   g.float() * 20,
			"heading": g.float() * 360,
		},
		"operationalStatus": map[string]bool{
			"engineRunning":    g.float() > 0.2,
			"hydraulicsActive": g.float() > 0.3,
			"platformExtended": g.float() > 0.5,
			"emergencyStop":    g.float() < 0.02,
		},
		"quality":        quality,
		"signalStrength": 70 + g.float()*30,
	}
}

type mockAlertType struct {
	parameter string
	message   string
	severity  string
}

var mockAlertTypes = []mockAlertType{
	{"engineTemperature", "Engine temperature high", "high"},
	{"batteryMonitor", "Battery level low", "medium"},
	{"hydraulicPressure", "Hydraulic pressure fluctuation", "low"},
	{"overload", "Vehicle overload detected", "critical"},
}

// Alert 生成一条模拟报警
func (g *Generator) Alert(vehicleID string) map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	at := mockAlertTypes[g.rnd.Intn(len(mockAlertTypes))]
	now := g.now().UTC()
	return map[string]interface{}{
		"id":           fmt.Sprintf("alert_%d", now.UnixMilli()),
		"vehicleId":    vehicleID,
		"parameter":    at.parameter,
		"message":      at.message,
		"severity":     at.severity,
		"timestamp":    now.Format(time.RFC3339Nano),
		"value":        g.float() * 100,
		"active":       true,
		"acknowledged": false,
	}
}

// ShouldAlert 以概率 p 返回 true
func (g *Generator) ShouldAlert(p float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.float() < p
}
