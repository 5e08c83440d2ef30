package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrObserverNotFound observer 不存在（未注册或已注销）
	ErrObserverNotFound = errors.New("observer not found")
	// ErrObserverGone 投递过程中 observer 已注销
	ErrObserverGone = errors.New("observer gone")
	// ErrDeliveryTimeout 投递超时
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrAuthenticationFailed 认证服务拒绝凭证
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Verifier 外部认证服务
type Verifier interface {
	Verify(ctx context.Context, creds models.Credentials) (models.Identity, error)
}

// Options registry 配置
type Options struct {
	SendBuffer          int
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	OnEvict             func(id string)
}

// Stats 连接统计
type Stats struct {
	TotalConnections   int `json:"totalConnections"`
	AuthenticatedUsers int `json:"authenticatedUsers"`
}

// Registry 连接注册表：observer、订阅关系、认证身份
// mu 只在 map 修改期间持有，不跨越任何 I/O
type Registry struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	byConn    map[string]string
	topics    map[string]map[string]*Observer // topic → observerID → observer

	verifier Verifier
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry 创建注册表
func NewRegistry(opts Options, verifier Verifier, logger *zap.Logger) *Registry {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 2 * opts.HealthCheckInterval
	}
	return &Registry{
		observers: make(map[string]*Observer),
		byConn:    make(map[string]string),
		topics:    make(map[string]map[string]*Observer),
		verifier:  verifier,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Register 为物理连接创建 observer；同一 connKey 重复调用返回同一个 observer
func (r *Registry) Register(connKey string) *Observer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byConn[connKey]; ok {
		if o, ok := r.observers[id]; ok {
			return o
		}
	}

	o := newObserver(uuid.NewString(), connKey, r.opts.SendBuffer, r.now())
	r.observers[o.ID] = o
	r.byConn[connKey] = o.ID

	r.logger.Info("Observer registered",
		zap.String("observer_id", o.ID),
		zap.String("conn_key", connKey),
	)
	return o
}

// Deregister 注销 observer 并移除全部订阅；重复调用为 no-op
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	o, ok := r.observers[id]
	if ok {
		r.removeLocked(o)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	o.close()

	fields := []zap.Field{zap.String("observer_id", id)}
	if o.identity != nil {
		fields = append(fields, zap.String("username", o.identity.Username))
	}
	r.logger.Info("Observer deregistered", fields...)
	return true
}

func (r *Registry) removeLocked(o *Observer) {
	delete(r.observers, o.ID)
	if r.byConn[o.ConnKey] == o.ID {
		delete(r.byConn, o.ConnKey)
	}
	for topic := range o.subscriptions {
		r.unbindLocked(topic, o.ID)
	}
}

func (r *Registry) unbindLocked(topic, id string) {
	if set, ok := r.topics[topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Get 获取 observer
func (r *Registry) Get(id string) (*Observer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.observers[id]
	return o, ok
}

// Authenticate 通过认证服务验证凭证，成功后保存身份副本
// 失败时不修改已有身份，observer 保持连接
func (r *Registry) Authenticate(ctx context.Context, id string, creds models.Credentials) (models.Identity, error) {
	if _, ok := r.Get(id); !ok {
		return models.Identity{}, fmt.Errorf("%w: %s", ErrObserverNotFound, id)
	}
	if r.verifier == nil {
		return models.Identity{}, fmt.Errorf("%w: no verifier configured", ErrAuthenticationFailed)
	}

	identity, err := r.verifier.Verify(ctx, creds)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	r.mu.Lock()
	o, ok := r.observers[id]
	if ok {
		copied := identity
		o.identity = &copied
	}
	r.mu.Unlock()

	if !ok {
		return models.Identity{}, fmt.Errorf("%w: %s", ErrObserverNotFound, id)
	}

	r.logger.Info("Observer authenticated",
		zap.String("observer_id", id),
		zap.String("username", identity.Username),
	)
	return identity, nil
}

// Identity 返回 observer 的身份副本
func (r *Registry) Identity(id string) (*models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.observers[id]
	if !ok || o.identity == nil {
		return nil, false
	}
	copied := *o.identity
	return &copied, true
}

// Subscribe 订阅主题（集合并集），返回订阅后的主题集合
func (r *Registry) Subscribe(id string, topics []string) ([]string, error) {
	if err := validateTopics(topics); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.observers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObserverNotFound, id)
	}
	for _, topic := range topics {
		o.subscriptions[topic] = struct{}{}
		set, ok := r.topics[topic]
		if !ok {
			set = make(map[string]*Observer)
			r.topics[topic] = set
		}
		set[id] = o
	}
	return o.subscriptionList(), nil
}

// Unsubscribe 取消订阅（集合差集）；未订阅的主题忽略
func (r *Registry) Unsubscribe(id string, topics []string) ([]string, error) {
	if err := validateTopics(topics); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.observers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObserverNotFound, id)
	}
	for _, topic := range topics {
		delete(o.subscriptions, topic)
		r.unbindLocked(topic, id)
	}
	return o.subscriptionList(), nil
}

func validateTopics(topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: topics must be a non-empty list", models.ErrValidation)
	}
	for _, t := range topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty topic", models.ErrValidation)
		}
	}
	return nil
}

// Subscriptions 返回 observer 当前订阅
func (r *Registry) Subscriptions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.observers[id]
	if !ok {
		return nil
	}
	return o.subscriptionList()
}

// Match 命中的 observer 及其第一个匹配的主题
type Match struct {
	Observer *Observer
	Topic    string
}

// Match 按 topics 顺序查找订阅者，每个 observer 只出现一次
func (r *Registry) Match(topics []string) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	seen := make(map[string]struct{})
	for _, topic := range topics {
		for id, o := range r.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			matches = append(matches, Match{Observer: o, Topic: topic})
		}
	}
	return matches
}

// All 返回全部 observer
func (r *Registry) All() []*Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o)
	}
	return out
}

// WithRole 返回指定角色的已认证 observer
func (r *Registry) WithRole(role string) []*Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Observer
	for _, o := range r.observers {
		if o.identity != nil && o.identity.Role == role {
			out = append(out, o)
		}
	}
	return out
}

// Touch 收到 pong / ping 时刷新健康检查时间
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.observers[id]; ok {
		o.lastHealthCheck = r.now()
	}
}

// Stats 连接统计
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{TotalConnections: len(r.observers)}
	for _, o := range r.observers {
		if o.identity != nil {
			st.AuthenticatedUsers++
		}
	}
	return st
}

// Observers 返回所有 observer 的展示信息
func (r *Registry) Observers() []models.ObserverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ObserverInfo, 0, len(r.observers))
	for _, o := range r.observers {
		info := models.ObserverInfo{
			ID:              o.ID,
			ConnectedAt:     o.ConnectedAt,
			LastHealthCheck: o.lastHealthCheck,
			Subscriptions:   o.subscriptionList(),
		}
		if o.identity != nil {
			copied := *o.identity
			info.User = &copied
		}
		out = append(out, info)
	}
	return out
}

// CheckHealth 探测所有 observer，注销超过超时时间未响应的 observer
func (r *Registry) CheckHealth() []string {
	now := r.now()

	r.mu.RLock()
	var stale []string
	var alive []*Observer
	for id, o := range r.observers {
		if now.Sub(o.lastHealthCheck) > r.opts.HealthCheckTimeout {
			stale = append(stale, id)
		} else {
			alive = append(alive, o)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn("Observer health check timed out", zap.String("observer_id", id))
		if r.Deregister(id) && r.opts.OnEvict != nil {
			r.opts.OnEvict(id)
		}
	}

	for _, o := range alive {
		// 队列满时本轮跳过，超时后会被注销
		o.TryEnqueue(Frame{Probe: true})
	}
	return stale
}

// RunHealthCheck 周期性健康检查，直到 ctx 取消
func (r *Registry) RunHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth()
		}
	}
}

// Shutdown 注销全部 observer
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deregister(id)
	}
	r.logger.Info("Registry shut down", zap.Int("observers", len(ids)))
}
