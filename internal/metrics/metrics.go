package metrics

import (
	"mewp-telemetry/internal/alert"
	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/registry"
	"mewp-telemetry/internal/router"

	"github.com/prometheus/client_golang/prometheus"
)

// bridgeStates gauge 中出现的所有状态
var bridgeStates = []bridge.State{
	bridge.StateUninitialized,
	bridge.StateConnecting,
	bridge.StateLive,
	bridge.StateSimulated,
	bridge.StateReconnecting,
}

// Metrics 服务指标
type Metrics struct {
	Registry *prometheus.Registry

	envelopes   *prometheus.CounterVec
	malformed   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	raised      *prometheus.CounterVec
	acked       prometheus.Counter
	suppressed  prometheus.Counter
	evictions   prometheus.Counter
	bridgeState *prometheus.GaugeVec
}

// New 创建并注册指标
// reg 为 nil 时使用独立 registry，避免测试间冲突
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mewp_envelopes_total",
			Help: "Envelopes produced by the ingestion bridge.",
		}, []string{"kind", "source"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mewp_malformed_messages_total",
			Help: "Inbound broker messages discarded as malformed.",
		}, []string{"origin"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mewp_router_delivered_total",
			Help: "Events delivered to observers, by matched topic.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mewp_router_dropped_total",
			Help: "Events dropped for slow or departed observers.",
		}, []string{"topic", "reason"}),
		raised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mewp_alerts_raised_total",
			Help: "Alerts created, by severity.",
		}, []string{"severity"}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mewp_alerts_acknowledged_total",
			Help: "Alerts acknowledged by operators.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mewp_alerts_suppressed_total",
			Help: "Inbound alerts suppressed because an open alert already exists.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mewp_observer_evictions_total",
			Help: "Observers evicted by the health check.",
		}),
		bridgeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mewp_bridge_state",
			Help: "Current bridge state (1 for the active state).",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.envelopes, m.malformed, m.delivered, m.dropped,
		m.raised, m.acked, m.suppressed, m.evictions, m.bridgeState,
	)
	m.SetBridgeState(bridge.StateUninitialized)
	return m
}

// ObserveEnvelope 记录一个 bridge 输出的信封
func (m *Metrics) ObserveEnvelope(env models.Envelope) {
	m.envelopes.WithLabelValues(string(env.Kind), string(env.Source)).Inc()
}

// SetBridgeState 切换 bridge 状态 gauge
func (m *Metrics) SetBridgeState(state bridge.State) {
	for _, s := range bridgeStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.bridgeState.WithLabelValues(s.String()).Set(v)
	}
}

// RegisterRegistry 暴露连接数与已认证用户数
func (m *Metrics) RegisterRegistry(stats func() registry.Stats) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mewp_observers_connected",
			Help: "Currently registered observers.",
		}, func() float64 { return float64(stats().TotalConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mewp_observers_authenticated",
			Help: "Observers with a verified identity.",
		}, func() float64 { return float64(stats().AuthenticatedUsers) }),
	)
}

// BridgeHooks bridge 回调
func (m *Metrics) BridgeHooks() bridge.Hooks {
	return bridge.Hooks{
		Malformed:    func(origin string) { m.malformed.WithLabelValues(origin).Inc() },
		StateChanged: m.SetBridgeState,
	}
}

// RouterHooks router 回调
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		Delivered: func(topic string) { m.delivered.WithLabelValues(topic).Inc() },
		Dropped:   func(topic, reason string) { m.dropped.WithLabelValues(topic, reason).Inc() },
	}
}

// AlertHooks alert manager 回调
func (m *Metrics) AlertHooks() alert.Hooks {
	return alert.Hooks{
		Raised:       func(sev models.Severity) { m.raised.WithLabelValues(string(sev)).Inc() },
		Acknowledged: m.acked.Inc,
		Suppressed:   m.suppressed.Inc,
	}
}

// ObserverEvicted registry 驱逐回调
func (m *Metrics) ObserverEvicted(string) {
	m.evictions.Inc()
}
