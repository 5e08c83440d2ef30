package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mewp-telemetry/internal/collaborator"
	"mewp-telemetry/internal/config"
	"mewp-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Bridge.Namespace = "dingli"
	cfg.Bridge.DeviceClass = "mewp"
	cfg.Bridge.VehicleID = "MEWP-001"
	cfg.Bridge.MaxReconnectAttempts = 1
	cfg.Simulator.TelemetryInterval = 20 * time.Millisecond
	cfg.Simulator.AlertInterval = time.Hour
	cfg.Simulator.VehicleID = "MEWP-001"
	cfg.Registry.HealthCheckInterval = time.Hour
	cfg.Router.DeliveryTimeout = 100 * time.Millisecond
	cfg.Stats.Interval = time.Hour
	cfg.Auth.Timeout = time.Second
	return cfg
}

func startService(t *testing.T, cfg *config.Config) (*TelemetryService, string) {
	t.Helper()
	s := newTelemetryService(cfg, zap.NewNop(), Deps{Verifier: collaborator.TrustedClaims{}})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	require.Eventually(t, func() bool { return s.bridge.Source() == models.SourceSimulated }, 2*time.Second, 5*time.Millisecond)
	return s, srv.URL
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dial(t *testing.T, baseURL string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn}
	msg := c.waitFor(models.EventConnectionEstablished)
	c.id = msg["clientId"].(string)
	return c
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// waitFor 读取直到指定事件，跳过其他事件
func (c *client) waitFor(event string) map[string]interface{} {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(c.t, c.conn.ReadJSON(&frame), "waiting for %s", event)
		if frame.Event != event {
			continue
		}
		out := map[string]interface{}{}
		require.NoError(c.t, json.Unmarshal(frame.Data, &out))
		return out
	}
}

// collect 读取直到每个指定事件各收到一次，不要求到达顺序
func (c *client) collect(events ...string) map[string]map[string]interface{} {
	c.t.Helper()
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	got := make(map[string]map[string]interface{}, len(events))
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < len(want) {
		c.conn.SetReadDeadline(deadline)
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(c.t, c.conn.ReadJSON(&frame), "waiting for %v", events)
		if !want[frame.Event] {
			continue
		}
		if _, dup := got[frame.Event]; dup {
			continue
		}
		out := map[string]interface{}{}
		require.NoError(c.t, json.Unmarshal(frame.Data, &out))
		got[frame.Event] = out
	}
	return got
}

func TestService_SimulatedTelemetryReachesSubscriber(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdSubscribe, map[string]interface{}{"topics": []string{"telemetry"}})
	ack := c.waitFor(models.EventSubscriptionSuccess)
	assert.Equal(t, []interface{}{"telemetry"}, ack["subscriptions"])

	update := c.waitFor(models.EventTelemetryUpdate)
	assert.Equal(t, "simulated", update["source"])
	assert.Equal(t, "telemetry", update["messageType"])
	assert.Equal(t, "MEWP-001", update["vehicleId"])
}

func TestService_AcknowledgeBroadcastsToAllObservers(t *testing.T) {
	cfg := testConfig()
	cfg.Simulator.TelemetryInterval = time.Hour
	s, url := startService(t, cfg)

	operator := dial(t, url)
	bystander := dial(t, url)

	a, ok := s.alerts.Admit(models.Envelope{
		Timestamp: time.Now().UTC(),
		Topic:     models.TopicAlerts,
		Kind:      models.KindAlert,
		VehicleID: "MEWP-001",
		Source:    models.SourceSimulated,
		Payload: models.Alert{
			ParameterID: "engineTemperature",
			Severity:    models.SeverityCritical,
			Message:     "Engine temperature critical",
			Value:       104,
			Threshold:   100,
		},
	})
	require.True(t, ok)

	operator.send(CmdAcknowledgeAlert, map[string]interface{}{"alertId": a.ID, "userId": "op-7"})
	// 广播先于回复发出
	got := operator.collect(models.EventAlertAcknowledged, models.EventAckSuccess)
	acked := got[models.EventAckSuccess]["alert"].(map[string]interface{})
	assert.Equal(t, true, acked["acknowledged"])
	assert.NotEmpty(t, acked["acknowledgedAt"])
	assert.Equal(t, "op-7", acked["acknowledgedBy"])
	assert.Equal(t, a.ID, got[models.EventAlertAcknowledged]["alertId"])

	// 从未订阅 alerts 的 observer 也收到广播
	event := bystander.waitFor(models.EventAlertAcknowledged)
	assert.Equal(t, a.ID, event["alertId"])

	assert.Empty(t, s.alerts.Open())
}

func TestService_AcknowledgeUnknownAlert(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdAcknowledgeAlert, map[string]interface{}{"alertId": "missing"})
	reply := c.waitFor(models.EventAckError)
	assert.Equal(t, "not_found", reply["code"])
}

func TestService_UpdateThresholdRejectsNonNumeric(t *testing.T) {
	s, url := startService(t, testConfig())
	c := dial(t, url)

	before, ok := s.alerts.Threshold("engineRpm")
	require.True(t, ok)

	c.send(CmdUpdateThreshold, map[string]interface{}{"parameter": "engineRpm", "threshold": "very high"})
	reply := c.waitFor(models.EventThresholdError)
	assert.Equal(t, "validation", reply["code"])

	after, _ := s.alerts.Threshold("engineRpm")
	assert.Equal(t, before, after)
}

func TestService_UpdateThresholdBroadcasts(t *testing.T) {
	s, url := startService(t, testConfig())
	editor := dial(t, url)
	viewer := dial(t, url)

	editor.send(CmdUpdateThreshold, map[string]interface{}{
		"parameter": "engineRpm",
		"threshold": map[string]interface{}{"warning": 2100, "critical": 2400},
	})
	reply := editor.waitFor(models.EventThresholdSuccess)
	assert.Equal(t, "engineRpm", reply["parameter"])

	event := viewer.waitFor(models.EventThresholdUpdated)
	assert.Equal(t, "engineRpm", event["parameter"])

	th, _ := s.alerts.Threshold("engineRpm")
	require.NotNil(t, th.Critical)
	assert.Equal(t, 2400.0, *th.Critical)
}

func TestService_UpdateThresholdUnknownParameter(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdUpdateThreshold, map[string]interface{}{"parameter": "warpDrive", "threshold": 5})
	reply := c.waitFor(models.EventThresholdError)
	assert.Equal(t, "validation", reply["code"])
}

func TestService_Authenticate(t *testing.T) {
	s, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdAuthenticate, map[string]interface{}{
		"token": "t-1",
		"user":  map[string]interface{}{"id": "u-1", "username": "alice", "role": "operator"},
	})
	reply := c.waitFor(models.EventAuthSuccess)
	assert.Equal(t, c.id, reply["clientId"])
	assert.Equal(t, 1, s.registry.Stats().AuthenticatedUsers)

	other := dial(t, url)
	other.send(CmdAuthenticate, map[string]interface{}{"token": "t-2"})
	failed := other.waitFor(models.EventAuthError)
	assert.Equal(t, "unauthorized", failed["code"])
	assert.Equal(t, 1, s.registry.Stats().AuthenticatedUsers)
}

func TestService_CurrentStatus(t *testing.T) {
	s, url := startService(t, testConfig())
	require.Eventually(t, func() bool {
		_, ok := s.params.LatestTelemetry()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	c := dial(t, url)
	c.send(CmdCurrentStatus, nil)
	status := c.waitFor(models.EventCurrentStatus)
	assert.Equal(t, "simulated", status["connectionStatus"])
	assert.Equal(t, "simulated", status["mode"])
	assert.NotNil(t, status["telemetry"])
	assert.NotEmpty(t, status["parameters"])
}

func TestService_HistoricalData(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdHistoricalData, map[string]interface{}{"parameter": "engineRpm", "timeRange": "24h", "interval": "1h"})
	res := c.waitFor(models.EventHistoricalData)
	assert.Equal(t, "engineRpm", res["parameter"])
	assert.Len(t, res["data"], 25)
	assert.Equal(t, "synthetic", res["source"])

	c.send(CmdHistoricalData, map[string]interface{}{"parameter": "unknown"})
	failed := c.waitFor(models.EventHistoricalDataError)
	assert.Equal(t, "validation", failed["code"])
}

func TestService_PingAndUnknownCommand(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdPing, nil)
	pong := c.waitFor(models.EventPong)
	assert.NotZero(t, pong["serverTime"])

	c.send("self-destruct", map[string]interface{}{})
	failed := c.waitFor(models.EventCommandError)
	assert.Equal(t, "unknown_command", failed["code"])
}

func TestService_SubscribeValidation(t *testing.T) {
	_, url := startService(t, testConfig())
	c := dial(t, url)

	c.send(CmdSubscribe, map[string]interface{}{"topics": []string{}})
	failed := c.waitFor(models.EventSubscriptionError)
	assert.Equal(t, "validation", failed["code"])

	c.send(CmdSubscribe, map[string]interface{}{"topics": "telemetry"})
	failed = c.waitFor(models.EventSubscriptionError)
	assert.Equal(t, "validation", failed["code"])
}

func TestService_DisconnectRemovesObserver(t *testing.T) {
	s, url := startService(t, testConfig())
	c := dial(t, url)
	c.send(CmdSubscribe, map[string]interface{}{"topics": []string{"telemetry"}})
	c.waitFor(models.EventSubscriptionSuccess)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return s.registry.Stats().TotalConnections == 0 }, 2*time.Second, 10*time.Millisecond)

	res := s.router.Publish(models.Envelope{
		Timestamp: time.Now().UTC(),
		Topic:     models.TopicTelemetry,
		Kind:      models.KindTelemetry,
		Payload:   models.TelemetryPayload{Readings: map[string]float64{"engineRpm": 1900}},
		Source:    models.SourceSimulated,
	})
	assert.Equal(t, 0, res.Matched)
}

func TestService_ConnectionStatsBroadcast(t *testing.T) {
	cfg := testConfig()
	cfg.Stats.Interval = 30 * time.Millisecond
	_, url := startService(t, cfg)
	c := dial(t, url)

	stats := c.waitFor(models.EventConnectionStats)
	assert.Equal(t, 1.0, stats["totalConnections"])
	assert.Equal(t, 0.0, stats["authenticatedUsers"])
}

func TestService_RESTEndpoints(t *testing.T) {
	_, url := startService(t, testConfig())

	resp, err := http.Get(url + "/api/v1/bridge/status")
	require.NoError(t, err)
	var status struct {
		Code   int `json:"code"`
		Result struct {
			State string `json:"state"`
			Mode  string `json:"mode"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, 2000, status.Code)
	assert.Equal(t, "simulated", status.Result.State)
	assert.Equal(t, "simulated", status.Result.Mode)

	resp, err = http.Post(url+"/api/v1/bridge/publish", "application/json",
		strings.NewReader(`{"topic":"dingli/mewp/x/commands","payload":{"cmd":"stop"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_ConnectionStatsScopedToRole(t *testing.T) {
	cfg := testConfig()
	cfg.Stats.Interval = 30 * time.Millisecond
	cfg.Stats.Role = "admin"
	_, url := startService(t, cfg)

	admin := dial(t, url)
	admin.send(CmdAuthenticate, map[string]interface{}{
		"token": "t-admin",
		"user":  map[string]interface{}{"id": "u-1", "username": "root", "role": "admin"},
	})
	admin.waitFor(models.EventAuthSuccess)
	viewer := dial(t, url)

	stats := admin.waitFor(models.EventConnectionStats)
	assert.Equal(t, 1.0, stats["authenticatedUsers"])

	// 未认证 observer 在若干个广播周期内都收不到
	viewer.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		var frame struct {
			Event string `json:"event"`
		}
		if err := viewer.conn.ReadJSON(&frame); err != nil {
			break
		}
		assert.NotEqual(t, models.EventConnectionStats, frame.Event)
	}
}

func TestService_StreamArchiverWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.Stream.Enabled = true
	cfg.Stream.Name = "mewp:telemetry:stream"

	s := newTelemetryService(cfg, zap.NewNop(), Deps{Redis: client})
	assert.NotNil(t, s.sink)
	assert.Nil(t, s.archiver, "archiver needs both Redis and Postgres")

	cfg.Stream.Archive = true
	s = newTelemetryService(cfg, zap.NewNop(), Deps{Redis: client, DB: db})
	assert.NotNil(t, s.sink)
	assert.NotNil(t, s.archiver)
}
