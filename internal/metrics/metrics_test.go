package metrics

import (
	"testing"

	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/registry"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Hooks(t *testing.T) {
	m := New(nil)

	m.ObserveEnvelope(models.Envelope{Kind: models.KindTelemetry, Source: models.SourceSimulated})
	m.ObserveEnvelope(models.Envelope{Kind: models.KindTelemetry, Source: models.SourceSimulated})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopes.WithLabelValues("telemetry", "simulated")))

	bh := m.BridgeHooks()
	bh.Malformed("dingli/mewp/x/telemetry")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed.WithLabelValues("dingli/mewp/x/telemetry")))

	rh := m.RouterHooks()
	rh.Delivered("telemetry")
	rh.Dropped("telemetry", "timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered.WithLabelValues("telemetry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("telemetry", "timeout")))

	ah := m.AlertHooks()
	ah.Raised(models.SeverityCritical)
	ah.Acknowledged()
	ah.Suppressed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.raised.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suppressed))

	m.ObserverEvicted("obs-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
}

func TestMetrics_BridgeStateIsExclusive(t *testing.T) {
	m := New(nil)
	m.BridgeHooks().StateChanged(bridge.StateLive)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.bridgeState.WithLabelValues("live")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.bridgeState.WithLabelValues("simulated")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.bridgeState.WithLabelValues("uninitialized")))
}

func TestMetrics_RegistryGauges(t *testing.T) {
	m := New(nil)
	m.RegisterRegistry(func() registry.Stats {
		return registry.Stats{TotalConnections: 3, AuthenticatedUsers: 1}
	})

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetGauge() != nil {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, values["mewp_observers_connected"])
	assert.Equal(t, 1.0, values["mewp_observers_authenticated"])
}
