package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mewp-telemetry/internal/alert"
	"mewp-telemetry/internal/bridge"
	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/parameter"
	"mewp-telemetry/internal/registry"
	"mewp-telemetry/internal/repository"
	"mewp-telemetry/internal/router"
	"mewp-telemetry/internal/ws"

	"go.uber.org/zap"
)

const welcomeMessage = "Connected to Dingli MEWP Dashboard"

// BridgeState bridge 状态查询
type BridgeState interface {
	State() bridge.State
	Source() models.Source
}

// Dispatcher 控制命令分发：每个命令只回复发起方，生命周期事件由 alert manager 广播
type Dispatcher struct {
	registry *registry.Registry
	router   *router.Router
	alerts   *alert.Manager
	params   *parameter.Store
	catalog  *parameter.Catalog
	history  repository.HistoryProvider
	bridge   BridgeState

	vehicleID      string
	authTimeout    time.Duration
	historyTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// DispatcherDeps Dispatcher 依赖
type DispatcherDeps struct {
	Registry       *registry.Registry
	Router         *router.Router
	Alerts         *alert.Manager
	Params         *parameter.Store
	Catalog        *parameter.Catalog
	History        repository.HistoryProvider
	Bridge         BridgeState
	VehicleID      string
	AuthTimeout    time.Duration
	HistoryTimeout time.Duration
}

// NewDispatcher 创建命令分发器
func NewDispatcher(deps DispatcherDeps, logger *zap.Logger) *Dispatcher {
	if deps.AuthTimeout <= 0 {
		deps.AuthTimeout = 5 * time.Second
	}
	if deps.HistoryTimeout <= 0 {
		deps.HistoryTimeout = 10 * time.Second
	}
	return &Dispatcher{
		registry:       deps.Registry,
		router:         deps.Router,
		alerts:         deps.Alerts,
		params:         deps.Params,
		catalog:        deps.Catalog,
		history:        deps.History,
		bridge:         deps.Bridge,
		vehicleID:      deps.VehicleID,
		authTimeout:    deps.AuthTimeout,
		historyTimeout: deps.HistoryTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Connected 发送 connection-established
func (d *Dispatcher) Connected(o *registry.Observer) {
	d.reply(o.ID, models.EventConnectionEstablished, map[string]interface{}{
		"clientId":   o.ID,
		"serverTime": d.now().UTC(),
		"message":    welcomeMessage,
		"mode":       d.bridge.Source(),
	})
}

// Dispatch 处理一个控制命令
func (d *Dispatcher) Dispatch(ctx context.Context, observerID string, cmd ws.Command) {
	parsed, err := parseCommand(cmd)
	if err != nil {
		d.replyError(observerID, errorEventFor(cmd.Event), err)
		return
	}

	switch c := parsed.(type) {
	case *SubscribeCommand:
		d.subscribe(observerID, c)
	case *UnsubscribeCommand:
		d.unsubscribe(observerID, c)
	case *AuthenticateCommand:
		d.authenticate(ctx, observerID, c)
	case *CurrentStatusCommand:
		d.currentStatus(observerID)
	case *HistoricalDataCommand:
		d.historicalData(ctx, observerID, c)
	case *AcknowledgeCommand:
		d.acknowledge(observerID, c)
	case *UpdateThresholdCommand:
		d.updateThreshold(observerID, c)
	case *PingCommand:
		d.reply(observerID, models.EventPong, map[string]interface{}{
			"timestamp":  d.now().UTC(),
			"serverTime": d.now().UnixMilli(),
		})
	}
}

func (d *Dispatcher) subscribe(id string, c *SubscribeCommand) {
	subs, err := d.registry.Subscribe(id, c.Topics)
	if err != nil {
		d.replyError(id, models.EventSubscriptionError, err)
		return
	}
	d.reply(id, models.EventSubscriptionSuccess, map[string]interface{}{
		"topics":        c.Topics,
		"subscriptions": subs,
		"message":       "Successfully subscribed to topics",
		"timestamp":     d.now().UTC(),
	})
}

func (d *Dispatcher) unsubscribe(id string, c *UnsubscribeCommand) {
	subs, err := d.registry.Unsubscribe(id, c.Topics)
	if err != nil {
		d.replyError(id, models.EventUnsubscriptionError, err)
		return
	}
	d.reply(id, models.EventUnsubscriptionSuccess, map[string]interface{}{
		"topics":        c.Topics,
		"subscriptions": subs,
		"message":       "Successfully unsubscribed from topics",
		"timestamp":     d.now().UTC(),
	})
}

func (d *Dispatcher) authenticate(ctx context.Context, id string, c *AuthenticateCommand) {
	ctx, cancel := context.WithTimeout(ctx, d.authTimeout)
	defer cancel()

	identity, err := d.registry.Authenticate(ctx, id, c.Credentials)
	if err != nil {
		d.logger.Info("Authentication rejected",
			zap.String("observer_id", id),
			zap.Error(err),
		)
		d.replyError(id, models.EventAuthError, err)
		return
	}
	d.reply(id, models.EventAuthSuccess, map[string]interface{}{
		"message":   "Successfully authenticated",
		"clientId":  id,
		"user":      identity,
		"timestamp": d.now().UTC(),
	})
}

// currentStatus 最新遥测、参数快照与未确认报警
func (d *Dispatcher) currentStatus(id string) {
	state := d.bridge.State()
	if state == bridge.StateUninitialized {
		d.replyError(id, models.EventStatusError, errors.New("telemetry bridge not started"))
		return
	}

	status := map[string]interface{}{
		"timestamp":        d.now().UTC(),
		"vehicleId":        d.vehicleID,
		"telemetry":        nil,
		"parameters":       d.params.Latest(),
		"alerts":           d.alerts.Open(),
		"connectionStatus": connectionStatus(state),
		"mode":             d.bridge.Source(),
		"dataQuality":      "unknown",
	}
	if env, ok := d.params.LatestTelemetry(); ok {
		status["vehicleId"] = env.VehicleID
		status["telemetry"] = env.Payload
		status["observedAt"] = env.Timestamp
		if p, ok := env.Payload.(models.TelemetryPayload); ok && p.Quality != "" {
			status["dataQuality"] = p.Quality
		}
	}
	d.reply(id, models.EventCurrentStatus, status)
}

func (d *Dispatcher) historicalData(ctx context.Context, id string, c *HistoricalDataCommand) {
	if _, ok := d.catalog.Get(c.Parameter); !ok {
		d.replyError(id, models.EventHistoricalDataError,
			fmt.Errorf("%w: %w: %s", models.ErrValidation, parameter.ErrUnknownParameter, c.Parameter))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.historyTimeout)
	defer cancel()

	res, err := d.history.History(ctx, c.HistoryQuery)
	if err != nil {
		d.logger.Warn("Failed to get historical data",
			zap.String("observer_id", id),
			zap.String("parameter", c.Parameter),
			zap.Error(err),
		)
		d.replyError(id, models.EventHistoricalDataError, err)
		return
	}
	d.reply(id, models.EventHistoricalData, res)
}

func (d *Dispatcher) acknowledge(id string, c *AcknowledgeCommand) {
	if c.AlertID == "" {
		d.replyError(id, models.EventAckError, fmt.Errorf("%w: alertId is required", models.ErrValidation))
		return
	}
	a, err := d.alerts.Acknowledge(c.AlertID, d.actor(id, c.actor()))
	if err != nil {
		d.replyError(id, models.EventAckError, err)
		return
	}
	d.reply(id, models.EventAckSuccess, map[string]interface{}{
		"alertId":   a.ID,
		"alert":     a,
		"message":   "Alert acknowledged successfully",
		"timestamp": d.now().UTC(),
	})
}

func (d *Dispatcher) updateThreshold(id string, c *UpdateThresholdCommand) {
	if _, ok := d.catalog.Get(c.Parameter); !ok {
		d.replyError(id, models.EventThresholdError,
			fmt.Errorf("%w: %w: %s", models.ErrValidation, parameter.ErrUnknownParameter, c.Parameter))
		return
	}
	t, err := d.alerts.UpdateThreshold(c.Parameter, c.Threshold, d.actor(id, c.actor()))
	if err != nil {
		d.replyError(id, models.EventThresholdError, err)
		return
	}
	d.reply(id, models.EventThresholdSuccess, map[string]interface{}{
		"parameter": c.Parameter,
		"threshold": t,
		"message":   "Threshold updated successfully",
		"timestamp": d.now().UTC(),
	})
}

// actor 已认证身份优先，其次是命令中声明的用户，最后是 observer ID
func (d *Dispatcher) actor(observerID, claimed string) string {
	if identity, ok := d.registry.Identity(observerID); ok {
		if identity.Username != "" {
			return identity.Username
		}
		return identity.UserID
	}
	if claimed != "" {
		return claimed
	}
	return observerID
}

func (d *Dispatcher) reply(id, event string, data interface{}) {
	err := d.router.SendTo(id, models.Message{Event: event, Data: data})
	if err != nil && !errors.Is(err, registry.ErrObserverNotFound) {
		d.logger.Debug("Failed to deliver reply",
			zap.String("observer_id", id),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) replyError(id, event string, err error) {
	d.reply(id, event, models.ErrorData{
		Error:     err.Error(),
		Code:      errorCode(err),
		Timestamp: d.now().UTC(),
	})
}

// errorEventFor 命令解码失败时使用的 *-error 事件
func errorEventFor(event string) string {
	switch event {
	case CmdSubscribe:
		return models.EventSubscriptionError
	case CmdUnsubscribe:
		return models.EventUnsubscriptionError
	case CmdAuthenticate:
		return models.EventAuthError
	case CmdCurrentStatus:
		return models.EventStatusError
	case CmdHistoricalData:
		return models.EventHistoricalDataError
	case CmdAcknowledgeAlert:
		return models.EventAckError
	case CmdUpdateThreshold:
		return models.EventThresholdError
	default:
		return models.EventCommandError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownCommand):
		return "unknown_command"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, alert.ErrAlertNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrAuthenticationFailed):
		return "unauthorized"
	case errors.Is(err, registry.ErrObserverNotFound):
		return "observer_gone"
	default:
		return "internal"
	}
}

func connectionStatus(state bridge.State) string {
	switch state {
	case bridge.StateLive:
		return "connected"
	case bridge.StateSimulated:
		return "simulated"
	default:
		return state.String()
	}
}
