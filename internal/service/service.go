package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	"mewp-telemetry/common/database"
	rediscommon "mewp-telemetry/common/redis"
	"mewp-telemetry/internal/alert"
	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/collaborator"
	"mewp-telemetry/internal/config"
	httpapi "mewp-telemetry/internal/http"
	"mewp-telemetry/internal/metrics"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/parameter"
	"mewp-telemetry/internal/registry"
	"mewp-telemetry/internal/repository"
	"mewp-telemetry/internal/router"
	"mewp-telemetry/internal/stream"
	"mewp-telemetry/internal/ws"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const catalogFetchTimeout = 5 * time.Second

// Deps 外部依赖；为空时按配置创建
type Deps struct {
	BrokerFactory bridge.BrokerFactory
	Generator     *bridge.Generator
	Redis         *redis.Client
	DB            *sql.DB
	Verifier      registry.Verifier
	Catalog       *parameter.Catalog
}

// TelemetryService 遥测分发服务
type TelemetryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client

	metrics    *metrics.Metrics
	catalog    *parameter.Catalog
	params     *parameter.Store
	alerts     *alert.Manager
	registry   *registry.Registry
	router     *router.Router
	bridge     *bridge.Bridge
	history    repository.HistoryProvider
	sink       *stream.Sink
	archiver   *stream.Archiver
	dispatcher *Dispatcher
	handler    http.Handler
	server     *Server

	alertCh chan models.Envelope
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTelemetryService 按配置连接 Redis / Postgres / broker 并组装组件
// 所有外部依赖都是可选的：连接失败只降级，不返回错误
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	deps := Deps{
		BrokerFactory: bridge.NewMQTTBrokerFactory(&cfg.MQTT, logger),
	}

	if cfg.Alert.StoreEnabled || cfg.Stream.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, alert store and stream sink disabled", zap.Error(err))
		} else {
			deps.Redis = client
		}
	}

	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
		if err != nil {
			logger.Warn("DB enabled but connection failed, using synthetic history", zap.Error(err))
		} else {
			deps.DB = db
			logger.Info("DB enabled for historical queries")
		}
	}

	switch {
	case cfg.Auth.TrustClaims:
		logger.Warn("AUTH_TRUST_CLAIMS enabled, claimed identities are accepted without verification")
		deps.Verifier = collaborator.TrustedClaims{}
	case cfg.Auth.ServiceURL != "":
		deps.Verifier = collaborator.NewAuthClient(cfg.Auth.ServiceURL, cfg.Auth.Timeout, logger)
	default:
		logger.Warn("AUTH_SERVICE_URL not configured, authentication requests will be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), catalogFetchTimeout)
	deps.Catalog = parameter.Load(ctx, cfg.Catalog.File, cfg.Catalog.URL, catalogFetchTimeout, logger)
	cancel()

	return newTelemetryService(cfg, logger, deps), nil
}

func newTelemetryService(cfg *config.Config, logger *zap.Logger, deps Deps) *TelemetryService {
	if cfg.Alert.EvalBuffer <= 0 {
		cfg.Alert.EvalBuffer = 256
	}
	if cfg.Stats.Interval <= 0 {
		cfg.Stats.Interval = 30 * time.Second
	}
	s := &TelemetryService{
		config:      cfg,
		logger:      logger,
		db:          deps.DB,
		redisClient: deps.Redis,
		metrics:     metrics.New(nil),
		catalog:     deps.Catalog,
		alertCh:     make(chan models.Envelope, cfg.Alert.EvalBuffer),
	}
	if s.catalog == nil {
		s.catalog = parameter.DefaultCatalog()
	}

	s.registry = registry.NewRegistry(registry.Options{
		SendBuffer:          cfg.Registry.SendBuffer,
		HealthCheckInterval: cfg.Registry.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Registry.HealthCheckTimeout,
		OnEvict:             s.metrics.ObserverEvicted,
	}, deps.Verifier, logger)
	s.metrics.RegisterRegistry(s.registry.Stats)

	s.router = router.NewRouter(s.registry, router.Options{
		DeliveryTimeout: cfg.Router.DeliveryTimeout,
		Hooks:           s.metrics.RouterHooks(),
	}, logger)

	var alertStore alert.Store
	if cfg.Alert.StoreEnabled && s.redisClient != nil {
		alertStore = alert.NewRedisStore(s.redisClient, cfg.Alert.StoreKey)
	}
	s.alerts = alert.NewManager(s.router, alert.Options{
		Source: s.source,
		Store:  alertStore,
		Hooks:  s.metrics.AlertHooks(),
	}, logger)
	s.alerts.SeedThresholds(s.catalog.Thresholds())
	s.params = parameter.NewStore(s.catalog, s.alerts)

	if cfg.Stream.Enabled && s.redisClient != nil {
		s.sink = stream.NewSink(s.redisClient, cfg.Stream.Name, cfg.Stream.MaxLen, cfg.Alert.EvalBuffer, logger)
		if cfg.Stream.Archive && s.db != nil {
			s.archiver = stream.NewArchiver(s.redisClient, cfg.Stream.Name, repository.NewPostgresReadings(s.db), stream.ArchiverOptions{
				Group:    cfg.Stream.Group,
				Consumer: cfg.Stream.Consumer,
			}, logger)
		}
	}

	synthetic := repository.NewSyntheticHistory(nil)
	if s.db != nil {
		s.history = repository.NewFallbackHistory(repository.NewPostgresHistory(s.db, logger), synthetic, logger)
	} else {
		s.history = synthetic
	}

	s.bridge = bridge.NewBridge(bridge.Options{
		Topics:               cfg.DeviceTopics(),
		SimulatedTopicPrefix: cfg.Bridge.Namespace + "/" + cfg.Bridge.DeviceClass + "/mock-device",
		VehicleID:            cfg.Bridge.VehicleID,
		Endpoint:             cfg.MQTT.Broker,
		ThingName:            cfg.Bridge.ThingName,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		MaxReconnectAttempts: cfg.Bridge.MaxReconnectAttempts,
		InitialBackoff:       cfg.Bridge.InitialBackoff,
		MaxBackoff:           cfg.Bridge.MaxBackoff,
		RecoveryInterval:     cfg.Bridge.RecoveryInterval,
		Simulator: bridge.SimulatorOptions{
			TelemetryInterval: cfg.Simulator.TelemetryInterval,
			AlertInterval:     cfg.Simulator.AlertInterval,
			AlertProbability:  cfg.Simulator.AlertProbability,
			VehicleID:         cfg.Simulator.VehicleID,
		},
	}, deps.BrokerFactory, deps.Generator, s.ingest, s.metrics.BridgeHooks(), logger)

	s.dispatcher = NewDispatcher(DispatcherDeps{
		Registry:    s.registry,
		Router:      s.router,
		Alerts:      s.alerts,
		Params:      s.params,
		Catalog:     s.catalog,
		History:     s.history,
		Bridge:      s.bridge,
		VehicleID:   cfg.Bridge.VehicleID,
		AuthTimeout: cfg.Auth.Timeout,
	}, logger)

	s.handler = httpapi.NewRouter(httpapi.Deps{
		Bridge:      s.bridge,
		Connections: s.registry,
		Delivery:    s.router,
		Alerts:      s.alerts,
		Parameters:  s.params,
		Catalog:     s.catalog,
		WebSocket:   ws.NewHandler(s.registry, s.dispatcher, ws.Options{}, logger),
		Gatherer:    s.metrics.Registry,
		Redis:       s.redisClient,
		DB:          s.db,
	}, logger)
	s.server = NewServer(cfg.HTTP.Addr, s.handler, logger)
	return s
}

// source 当前 bridge 模式（在 bridge 创建之前不会被调用）
func (s *TelemetryService) source() models.Source {
	return s.bridge.Source()
}

// ingest bridge 输出的每个信封：路由、更新参数、送入报警判定和 stream
func (s *TelemetryService) ingest(env models.Envelope) {
	s.metrics.ObserveEnvelope(env)

	switch env.Kind {
	case models.KindTelemetry:
		s.params.Update(env)
		s.router.Publish(env)
		select {
		case s.alertCh <- env:
		default:
			s.logger.Warn("Alert evaluation queue full, skipping telemetry",
				zap.String("vehicle_id", env.VehicleID),
			)
		}
	case models.KindAlert:
		// 由 alert manager 去重后再路由
		s.alerts.Admit(env)
	default:
		s.router.Publish(env)
	}

	if s.sink != nil {
		s.sink.Write(env)
	}
}

// Handler HTTP 入口（/ws、健康检查、REST）
func (s *TelemetryService) Handler() http.Handler {
	return s.handler
}

// Start 启动后台组件与 HTTP 服务（非阻塞）
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service components")
	ctx, s.cancel = context.WithCancel(ctx)

	if n, err := s.alerts.Restore(ctx); err != nil {
		s.logger.Warn("Failed to restore open alerts", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("Restored open alerts", zap.Int("count", n))
	}

	s.goRun(func() { s.alerts.Run(ctx, s.alertCh, s.params) })
	s.goRun(func() { s.registry.RunHealthCheck(ctx) })
	s.goRun(func() { s.broadcastStats(ctx) })
	if s.sink != nil {
		s.goRun(func() { s.sink.Run(ctx) })
	}
	if s.archiver != nil {
		s.goRun(func() {
			if err := s.archiver.Run(ctx); err != nil {
				s.logger.Error("Stream archiver stopped", zap.Error(err))
			}
		})
	}

	if err := s.bridge.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Telemetry service started successfully",
		zap.String("bridge_state", s.bridge.State().String()),
	)
	return nil
}

// Stop 停止服务：HTTP → bridge → 注销全部 observer → 后台协程 → 连接
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	s.bridge.Stop()
	s.registry.Shutdown()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Telemetry service stopped")
	return nil
}

// broadcastStats 周期性广播 connection-stats
func (s *TelemetryService) broadcastStats(ctx context.Context) {
	ticker := time.NewTicker(s.config.Stats.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.registry.Stats()
			msg := models.Message{
				Event: models.EventConnectionStats,
				Data: map[string]interface{}{
					"totalConnections":   st.TotalConnections,
					"authenticatedUsers": st.AuthenticatedUsers,
					"timestamp":          time.Now().UTC(),
				},
			}
			if s.config.Stats.Role != "" {
				s.router.BroadcastToRole(s.config.Stats.Role, msg)
				continue
			}
			s.router.Broadcast(msg)
		}
	}
}

func (s *TelemetryService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
