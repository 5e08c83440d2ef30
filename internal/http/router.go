package httpapi

import (
	"database/sql"
	"net/http"

	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/parameter"
	"mewp-telemetry/internal/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BridgeControl bridge 状态与发布
type BridgeControl interface {
	Status() bridge.Status
	Publish(topic string, payload interface{}) error
}

// Connections observer 列表
type Connections interface {
	Observers() []models.ObserverInfo
	Stats() registry.Stats
}

// Delivery 路由累计投递计数
type Delivery interface {
	Delivered() int64
	Dropped() int64
}

// Alerts 报警查询
type Alerts interface {
	Open() []models.Alert
	All() []models.Alert
	Get(alertID string) (models.Alert, bool)
}

// Parameters 参数最新值
type Parameters interface {
	Latest() []models.ParameterSnapshot
}

// Deps 路由依赖；Redis / DB 为 nil 时健康检查跳过
type Deps struct {
	Bridge      BridgeControl
	Connections Connections
	Delivery    Delivery // 可为 nil
	Alerts      Alerts
	Parameters  Parameters
	Catalog     *parameter.Catalog
	WebSocket   http.Handler
	Gatherer    prometheus.Gatherer
	Redis       *redis.Client
	DB          *sql.DB
}

// NewRouter 注册全部路由
func NewRouter(deps Deps, logger *zap.Logger) http.Handler {
	h := &handler{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", h.health)
	r.Get("/health", h.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/bridge/status", h.bridgeStatus)
		r.Post("/bridge/publish", h.bridgePublish)
		r.Get("/connections", h.connections)
		r.Get("/alerts", h.alerts)
		r.Get("/alerts/{alertID}", h.alert)
		r.Get("/parameters", h.parameters)
	})
	return r
}
