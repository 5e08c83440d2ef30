package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestKindFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  models.MessageKind
	}{
		{"dingli/mewp/MEWP-001/telemetry", models.KindTelemetry},
		{"dingli/mewp/MEWP-001/alerts", models.KindAlert},
		{"dingli/mewp/MEWP-001/status", models.KindStatus},
		{"test/topic", models.KindRaw},
		{"telemetry", models.KindTelemetry},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, KindFromTopic(tt.topic))
		})
	}
}

func TestDecode_Telemetry(t *testing.T) {
	payload := []byte(`{
		"engineRpm": 1850.5,
		"tilt": 2.1,
		"overload": true,
		"lowFuel": false,
		"quality": "good",
		"vehicleId": "MEWP-042",
		"location": {"lat": 40.71, "lng": -74.0, "speed": 3, "heading": 90},
		"operationalStatus": {"engineRunning": true, "emergencyStop": false}
	}`)

	env, err := Decode(Input{
		Origin:           "dingli/mewp/MEWP-042/telemetry",
		Payload:          payload,
		Source:           models.SourceLive,
		DefaultVehicleID: "MEWP-001",
		ReceivedAt:       receivedAt,
	})
	require.NoError(t, err)

	assert.Equal(t, models.KindTelemetry, env.Kind)
	assert.Equal(t, models.TopicTelemetry, env.Topic)
	assert.Equal(t, "dingli/mewp/MEWP-042/telemetry", env.Origin)
	assert.Equal(t, "MEWP-042", env.VehicleID)
	assert.Equal(t, models.SourceLive, env.Source)
	assert.Equal(t, receivedAt, env.Timestamp)

	p, ok := env.Payload.(models.TelemetryPayload)
	require.True(t, ok)
	assert.Equal(t, 1850.5, p.Readings["engineRpm"])
	v, ok := p.Value("overload")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	v, ok = p.Value("lowFuel")
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, "good", p.Quality)
	require.NotNil(t, p.Location)
	assert.Equal(t, 90.0, p.Location.Heading)
	require.NotNil(t, p.OperationalStatus)
	assert.True(t, p.OperationalStatus.EngineRunning)
	assert.NotContains(t, p.Readings, "vehicleId")
}

func TestDecode_DefaultVehicleAndTimestamp(t *testing.T) {
	env, err := Decode(Input{
		Origin:           "dingli/mewp/MEWP-001/telemetry",
		Payload:          []byte(`{"engineRpm": 1, "timestamp": "2026-03-01T07:59:58Z"}`),
		Source:           models.SourceSimulated,
		DefaultVehicleID: "MEWP-001",
		ReceivedAt:       receivedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "MEWP-001", env.VehicleID)
	assert.Equal(t, receivedAt.Add(-2*time.Second), env.Timestamp)
	assert.Equal(t, models.SourceSimulated, env.Source)
}

func TestDecode_Alert(t *testing.T) {
	env, err := Decode(Input{
		Origin:     "dingli/mewp/MEWP-001/alerts",
		Payload:    []byte(`{"id":"alert_1","parameter":"engineTemperature","message":"Engine temperature high","severity":"high","value":104.2}`),
		Source:     models.SourceLive,
		ReceivedAt: receivedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TopicAlerts, env.Topic)

	alert, ok := env.Payload.(models.Alert)
	require.True(t, ok)
	assert.Equal(t, "alert_1", alert.ID)
	assert.Equal(t, "engineTemperature", alert.ParameterID)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, 104.2, alert.Value)
	assert.False(t, alert.Acknowledged)
}

func TestDecode_Status(t *testing.T) {
	env, err := Decode(Input{
		Origin:  "dingli/mewp/MEWP-001/status",
		Payload: []byte(`{"online": true, "engineStatus": "idle"}`),
		Source:  models.SourceLive,
	})
	require.NoError(t, err)
	p, ok := env.Payload.(models.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, true, p.Fields["online"])
	assert.Equal(t, "idle", p.Fields["engineStatus"])
	assert.False(t, env.Timestamp.IsZero())
}

func TestDecode_Raw(t *testing.T) {
	env, err := Decode(Input{
		Origin:           "test/topic",
		Payload:          []byte(`["hello", 1]`),
		Source:           models.SourceLive,
		DefaultVehicleID: "MEWP-001",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindRaw, env.Kind)
	assert.Equal(t, models.TopicRaw, env.Topic)
	assert.Equal(t, "MEWP-001", env.VehicleID)

	data, err := json.Marshal(env.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `["hello", 1]`, string(data))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		payload string
	}{
		{"invalid json", "dingli/mewp/x/telemetry", `{"engineRpm": `},
		{"empty", "dingli/mewp/x/telemetry", ``},
		{"telemetry array", "dingli/mewp/x/telemetry", `[1,2,3]`},
		{"telemetry null", "dingli/mewp/x/telemetry", `null`},
		{"bad location", "dingli/mewp/x/telemetry", `{"location": "north"}`},
		{"alert without parameter", "dingli/mewp/x/alerts", `{"message": "x"}`},
		{"alert unknown severity", "dingli/mewp/x/alerts", `{"parameter": "tilt", "severity": "catastrophic"}`},
		{"status scalar", "dingli/mewp/x/status", `"online"`},
		{"raw invalid", "test/topic", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(Input{Origin: tt.origin, Payload: []byte(tt.payload), Source: models.SourceLive})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPayload))
		})
	}
}

func TestNormalizeSeverity(t *testing.T) {
	for in, want := range map[string]models.Severity{
		"critical": models.SeverityCritical,
		"HIGH":     models.SeverityCritical,
		"medium":   models.SeverityWarning,
		"warning":  models.SeverityWarning,
		"":         models.SeverityWarning,
		"low":      models.SeverityInfo,
		"info":     models.SeverityInfo,
	} {
		got, ok := NormalizeSeverity(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeSeverity("unknown")
	assert.False(t, ok)
}

func TestEncode_EnvelopeShape(t *testing.T) {
	env, err := Decode(Input{
		Origin:           "dingli/mewp/MEWP-001/telemetry",
		Payload:          []byte(`{"engineRpm": 1800, "overload": false}`),
		Source:           models.SourceSimulated,
		DefaultVehicleID: "MEWP-001",
		ReceivedAt:       receivedAt,
	})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2026-03-01T08:00:00Z",
		"topic": "telemetry",
		"origin": "dingli/mewp/MEWP-001/telemetry",
		"messageType": "telemetry",
		"vehicleId": "MEWP-001",
		"data": {"engineRpm": 1800, "overload": false},
		"source": "simulated"
	}`, string(data))
}

func TestEnvelope_MatchTopics(t *testing.T) {
	env := models.Envelope{Topic: models.TopicTelemetry, Origin: "dingli/mewp/MEWP-001/telemetry"}
	assert.Equal(t, []string{"telemetry", "dingli/mewp/MEWP-001/telemetry", "vehicle-data"}, env.MatchTopics())

	env = models.Envelope{Topic: models.TopicAlerts, Origin: models.TopicAlerts}
	assert.Equal(t, []string{"alerts", "vehicle-data"}, env.MatchTopics())
}
