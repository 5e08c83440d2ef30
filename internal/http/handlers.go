package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxPublishBody = 256 * 1024

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// health 健康检查：bridge 状态、Redis、数据库（均为可选依赖）
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{}
	ready := true

	if h.deps.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		checks["redis"] = h.deps.Redis.Ping(ctx).Err() == nil
		cancel()
		ready = ready && checks["redis"]
	}
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		checks["database"] = h.deps.DB.PingContext(ctx) == nil
		cancel()
		ready = ready && checks["database"]
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	}
	if h.deps.Bridge != nil {
		st := h.deps.Bridge.Status()
		body["bridge"] = st.State
		body["mode"] = st.Mode
	}
	writeJSON(w, status, body)
}

func (h *handler) bridgeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.deps.Bridge.Status()))
}

type publishRequest struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// bridgePublish 向 broker 发布消息；非 live 状态返回 503
func (h *handler) bridgePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := readBodyJSON(r, maxPublishBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, Fail("topic is required"))
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}

	if err := h.deps.Bridge.Publish(req.Topic, req.Payload); err != nil {
		if errors.Is(err, bridge.ErrBridgeUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrBrokerTimeout) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Error("Failed to publish to broker",
			zap.String("topic", req.Topic),
			zap.Error(err),
		)
		writeJSON(w, status, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]interface{}{
		"topic":     req.Topic,
		"timestamp": time.Now().UTC(),
	}))
}

func (h *handler) connections(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"stats":     h.deps.Connections.Stats(),
		"observers": h.deps.Connections.Observers(),
	}
	if h.deps.Delivery != nil {
		out["delivery"] = map[string]int64{
			"delivered": h.deps.Delivery.Delivered(),
			"dropped":   h.deps.Delivery.Dropped(),
		}
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// alerts ?open=true 只返回未确认报警
func (h *handler) alerts(w http.ResponseWriter, r *http.Request) {
	var list []models.Alert
	if r.URL.Query().Get("open") == "true" {
		list = h.deps.Alerts.Open()
	} else {
		list = h.deps.Alerts.All()
	}
	writeJSON(w, http.StatusOK, Ok(list))
}

func (h *handler) alert(w http.ResponseWriter, r *http.Request) {
	a, ok := h.deps.Alerts.Get(chi.URLParam(r, "alertID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("alert not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(a))
}

// parameters 参数最新值（?category= 过滤）
func (h *handler) parameters(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	latest := h.deps.Parameters.Latest()
	if category != "" {
		filtered := latest[:0:0]
		for _, p := range latest {
			if p.Category == category {
				filtered = append(filtered, p)
			}
		}
		latest = filtered
	}

	result := map[string]interface{}{"parameters": latest}
	if h.deps.Catalog != nil {
		result["categories"] = h.deps.Catalog.Categories()
	}
	writeJSON(w, http.StatusOK, Ok(result))
}
