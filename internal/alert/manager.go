package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/router"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlertNotFound 报警不存在
var ErrAlertNotFound = errors.New("alert not found")

// Publisher 报警信封的路由出口
type Publisher interface {
	Publish(env models.Envelope) router.Result
	Broadcast(msg models.Message) router.Result
}

// SnapshotBuilder 由遥测信封生成参数快照
type SnapshotBuilder interface {
	Build(env models.Envelope) []models.ParameterSnapshot
}

// Hooks 可选回调（指标）
type Hooks struct {
	Raised       func(severity models.Severity)
	Acknowledged func()
	Suppressed   func()
}

// Options manager 配置
type Options struct {
	Source       func() models.Source // 当前 bridge 模式，用于标记报警信封来源
	Store        Store
	StoreTimeout time.Duration
	Hooks        Hooks
}

// AcknowledgedEvent alert-acknowledged 广播内容
type AcknowledgedEvent struct {
	AlertID        string       `json:"alertId"`
	AcknowledgedBy string       `json:"acknowledgedBy"`
	AcknowledgedAt time.Time    `json:"acknowledgedAt"`
	Alert          models.Alert `json:"alert"`
}

// ThresholdUpdatedEvent threshold-updated 广播内容
type ThresholdUpdatedEvent struct {
	Parameter string           `json:"parameter"`
	Threshold models.Threshold `json:"threshold"`
	UpdatedBy string           `json:"updatedBy,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Manager 报警生命周期：阈值判定、打开/确认状态、生命周期广播
// 不变量：任意时刻每个 (parameterId, severity) 至多一个未确认报警
type Manager struct {
	pub    Publisher
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// emit 串行化状态变更与其广播：alert-notification 总在对应的 alert-acknowledged 之前路由
	emit sync.Mutex

	mu         sync.Mutex
	thresholds map[string]models.Threshold
	alerts     map[string]*models.Alert
	open       map[models.AlertKey]string
	active     map[models.AlertKey]bool // 上一次判定时条件是否成立
}

// NewManager 创建报警管理器
func NewManager(pub Publisher, opts Options, logger *zap.Logger) *Manager {
	if opts.Source == nil {
		opts.Source = func() models.Source { return models.SourceLive }
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Manager{
		pub:        pub,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		thresholds: make(map[string]models.Threshold),
		alerts:     make(map[string]*models.Alert),
		open:       make(map[models.AlertKey]string),
		active:     make(map[models.AlertKey]bool),
	}
}

// SeedThresholds 初始化阈值（来自参数目录）
func (m *Manager) SeedThresholds(thresholds map[string]models.Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range thresholds {
		if t.IsZero() {
			continue
		}
		m.thresholds[id] = t.Clone()
	}
}

// Threshold 返回参数当前阈值
func (m *Manager) Threshold(parameterID string) (models.Threshold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[parameterID]
	return t.Clone(), ok
}

// Thresholds 返回全部阈值副本
func (m *Manager) Thresholds() map[string]models.Threshold {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Threshold, len(m.thresholds))
	for id, t := range m.thresholds {
		out[id] = t.Clone()
	}
	return out
}

// Restore 从存储恢复未确认报警
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	alerts, err := m.opts.Store.LoadOpen(ctx)
	if err != nil {
		return 0, err
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for i := range alerts {
		a := alerts[i]
		if _, exists := m.alerts[a.ID]; exists {
			continue
		}
		if _, dup := m.open[a.Key()]; dup {
			continue
		}
		m.alerts[a.ID] = &a
		m.open[a.Key()] = a.ID
		restored++
	}
	return restored, nil
}

// Evaluate 按阈值判定参数快照，返回新创建的报警
// 只在条件由不成立变为成立时创建；条件消失时不自动关闭报警，只能通过确认关闭
func (m *Manager) Evaluate(snap models.ParameterSnapshot) []models.Alert {
	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	threshold, ok := m.thresholds[snap.ParameterID]
	if !ok {
		threshold = snap.Thresholds
	}
	now := m.now().UTC()

	holding := make(map[models.Severity]violation, 2)
	for _, v := range violations(threshold, snap.Value) {
		if _, seen := holding[v.severity]; !seen {
			holding[v.severity] = v
		}
	}

	var created []models.Alert
	for _, sev := range []models.Severity{models.SeverityInfo, models.SeverityWarning, models.SeverityCritical} {
		key := models.AlertKey{ParameterID: snap.ParameterID, Severity: sev}
		v, holds := holding[sev]
		if !holds {
			delete(m.active, key)
			continue
		}
		if m.active[key] {
			continue
		}
		m.active[key] = true
		if _, dup := m.open[key]; dup {
			continue
		}

		a := models.Alert{
			ID:          uuid.NewString(),
			ParameterID: snap.ParameterID,
			VehicleID:   snap.VehicleID,
			Severity:    sev,
			Message:     alertMessage(snap, v),
			Value:       snap.Value,
			Threshold:   v.level,
			CreatedAt:   now,
		}
		m.alerts[a.ID] = &a
		m.open[key] = a.ID
		created = append(created, a)
	}
	m.mu.Unlock()

	for _, a := range created {
		m.raised(a)
	}
	return created
}

// Admit 接收 broker / 模拟器发来的报警信封
// 已存在相同 (parameterId, severity) 的未确认报警时抑制，不路由
func (m *Manager) Admit(env models.Envelope) (models.Alert, bool) {
	incoming, ok := env.Payload.(models.Alert)
	if !ok || incoming.Acknowledged {
		return models.Alert{}, false
	}

	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	if existingID, dup := m.open[incoming.Key()]; dup {
		existing := *m.alerts[existingID]
		m.mu.Unlock()
		if m.opts.Hooks.Suppressed != nil {
			m.opts.Hooks.Suppressed()
		}
		m.logger.Debug("Suppressing duplicate open alert",
			zap.String("parameter", incoming.ParameterID),
			zap.String("severity", string(incoming.Severity)),
			zap.String("open_alert_id", existingID),
		)
		return existing, false
	}

	a := incoming
	if _, used := m.alerts[a.ID]; a.ID == "" || used {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	if a.VehicleID == "" {
		a.VehicleID = env.VehicleID
	}
	m.alerts[a.ID] = &a
	m.open[a.Key()] = a.ID
	m.mu.Unlock()

	m.persist(a)
	m.countRaised(a)

	admitted := env
	admitted.Payload = a
	m.pub.Publish(admitted)
	return a, true
}

func (m *Manager) raised(a models.Alert) {
	m.persist(a)
	m.countRaised(a)

	m.logger.Info("Alert raised",
		zap.String("alert_id", a.ID),
		zap.String("parameter", a.ParameterID),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
	)

	m.pub.Publish(models.Envelope{
		Timestamp: a.CreatedAt,
		Topic:     models.TopicAlerts,
		Kind:      models.KindAlert,
		VehicleID: a.VehicleID,
		Payload:   a,
		Source:    m.opts.Source(),
	})
}

func (m *Manager) countRaised(a models.Alert) {
	if m.opts.Hooks.Raised != nil {
		m.opts.Hooks.Raised(a.Severity)
	}
}

// Acknowledge 确认报警；重复确认返回原记录且不再广播
func (m *Manager) Acknowledge(alertID, actor string) (models.Alert, error) {
	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return models.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.Acknowledged {
		existing := *a
		m.mu.Unlock()
		return existing, nil
	}

	at := m.now().UTC()
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &at
	if m.open[a.Key()] == a.ID {
		delete(m.open, a.Key())
	}
	acked := *a
	m.mu.Unlock()

	m.persist(acked)
	if m.opts.Hooks.Acknowledged != nil {
		m.opts.Hooks.Acknowledged()
	}
	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", acked.ID),
		zap.String("acknowledged_by", actor),
	)

	m.pub.Broadcast(models.Message{
		Event: models.EventAlertAcknowledged,
		Data: AcknowledgedEvent{
			AlertID:        acked.ID,
			AcknowledgedBy: actor,
			AcknowledgedAt: at,
			Alert:          acked,
		},
	})
	return acked, nil
}

// UpdateThreshold 校验并更新参数阈值，成功后广播给所有 observer
// 校验失败返回 ErrValidation，原阈值不变
func (m *Manager) UpdateThreshold(parameterID string, raw json.RawMessage, actor string) (models.Threshold, error) {
	parameterID = strings.TrimSpace(parameterID)
	if parameterID == "" {
		return models.Threshold{}, fmt.Errorf("%w: parameter is required", models.ErrValidation)
	}

	m.mu.Lock()
	current := m.thresholds[parameterID]
	next, err := ParseThreshold(raw, current)
	if err != nil {
		m.mu.Unlock()
		return models.Threshold{}, err
	}
	m.thresholds[parameterID] = next
	m.mu.Unlock()

	m.logger.Info("Threshold updated",
		zap.String("parameter", parameterID),
		zap.String("updated_by", actor),
	)

	m.pub.Broadcast(models.Message{
		Event: models.EventThresholdUpdated,
		Data: ThresholdUpdatedEvent{
			Parameter: parameterID,
			Threshold: next.Clone(),
			UpdatedBy: actor,
			UpdatedAt: m.now().UTC(),
		},
	})
	return next.Clone(), nil
}

// Get 获取报警
func (m *Manager) Get(alertID string) (models.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// Open 返回未确认报警（按创建时间排序）
func (m *Manager) Open() []models.Alert {
	m.mu.Lock()
	out := make([]models.Alert, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, *m.alerts[id])
	}
	m.mu.Unlock()
	sortByCreated(out)
	return out
}

// All 返回全部报警（按创建时间排序）
func (m *Manager) All() []models.Alert {
	m.mu.Lock()
	out := make([]models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	m.mu.Unlock()
	sortByCreated(out)
	return out
}

// Run 报警判定循环，消费遥测信封直到 ctx 取消或 in 关闭
func (m *Manager) Run(ctx context.Context, in <-chan models.Envelope, builder SnapshotBuilder) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if env.Kind != models.KindTelemetry {
				continue
			}
			for _, snap := range builder.Build(env) {
				m.Evaluate(snap)
			}
		}
	}
}

// persist 写入存储，失败只记录日志
func (m *Manager) persist(a models.Alert) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, a); err != nil {
		m.logger.Warn("Failed to persist alert", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

func alertMessage(snap models.ParameterSnapshot, v violation) string {
	unit := ""
	if snap.Unit != "" && snap.Unit != "boolean" {
		unit = " " + snap.Unit
	}
	return fmt.Sprintf("%s %s threshold: %.2f%s (threshold %.2f%s)",
		snap.ParameterID, v.label, snap.Value, unit, v.level, unit)
}

func sortByCreated(alerts []models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}
