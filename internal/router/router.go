package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/registry"

	"go.uber.org/zap"
)

// 丢弃原因
const (
	DropTimeout = "timeout"
	DropGone    = "observer_gone"
)

// broadcastKey 广播事件的串行化键（与路由主题区分）
const broadcastKey = "\x00broadcast"

// Hooks 可选回调（指标）
type Hooks struct {
	Delivered func(topic string)
	Dropped   func(topic, reason string)
}

// Options router 配置
type Options struct {
	DeliveryTimeout time.Duration
	Hooks           Hooks
}

// Result 单次发布的投递结果
type Result struct {
	Matched   int
	Delivered int
	Dropped   int
}

// Router 主题路由：按订阅关系把信封投递给 observer
//   - 每个 observer 只收到一次（按 observer 去重）
//   - 同一主题的发布串行执行，保证每个 observer 收到的顺序与发布顺序一致
//   - 投递超时丢弃并计数，不重试
type Router struct {
	registry *registry.Registry
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	ordered map[string]*sync.Mutex

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewRouter 创建路由
func NewRouter(reg *registry.Registry, opts Options, logger *zap.Logger) *Router {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 250 * time.Millisecond
	}
	return &Router{
		registry: reg,
		opts:     opts,
		logger:   logger,
		ordered:  make(map[string]*sync.Mutex),
	}
}

func (r *Router) topicLock(topic string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ordered[topic]
	if !ok {
		l = &sync.Mutex{}
		r.ordered[topic] = l
	}
	return l
}

type target struct {
	observer *registry.Observer
	frame    registry.Frame
}

// Publish 投递信封给所有订阅了 {topic, origin, vehicle-data} 之一的 observer
// 通过 vehicle-data 命中的 observer 收到 vehicle-data 事件，其余收到类型事件
func (r *Router) Publish(env models.Envelope) Result {
	lock := r.topicLock(env.Topic)
	lock.Lock()
	defer lock.Unlock()

	// registry 锁在 Match 返回前已释放
	matches := r.registry.Match(env.MatchTopics())
	targets := make([]target, 0, len(matches))
	for _, m := range matches {
		event := env.Kind.Event()
		if m.Topic == models.TopicVehicleData {
			event = models.EventVehicleData
		}
		targets = append(targets, target{
			observer: m.Observer,
			frame:    registry.Frame{Message: models.Message{Event: event, Data: env}},
		})
	}
	return r.deliver(env.Topic, targets)
}

// Broadcast 投递给全部 observer（不考虑订阅），用于报警确认、阈值更新等全局事件
func (r *Router) Broadcast(msg models.Message) Result {
	lock := r.topicLock(broadcastKey)
	lock.Lock()
	defer lock.Unlock()

	return r.deliver(msg.Event, r.framesFor(r.registry.All(), msg))
}

// BroadcastToRole 投递给指定角色的已认证 observer
func (r *Router) BroadcastToRole(role string, msg models.Message) Result {
	lock := r.topicLock(broadcastKey)
	lock.Lock()
	defer lock.Unlock()

	return r.deliver(msg.Event, r.framesFor(r.registry.WithRole(role), msg))
}

// SendTo 直接回复某个 observer
func (r *Router) SendTo(id string, msg models.Message) error {
	o, ok := r.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrObserverNotFound, id)
	}
	frame := registry.Frame{Message: msg}
	if o.TryEnqueue(frame) {
		r.markDelivered(msg.Event)
		return nil
	}
	if err := o.Enqueue(frame, r.opts.DeliveryTimeout); err != nil {
		r.markDropped(msg.Event, err)
		return err
	}
	r.markDelivered(msg.Event)
	return nil
}

func (r *Router) framesFor(observers []*registry.Observer, msg models.Message) []target {
	targets := make([]target, 0, len(observers))
	for _, o := range observers {
		targets = append(targets, target{observer: o, frame: registry.Frame{Message: msg}})
	}
	return targets
}

// deliver 先非阻塞入队，队列满的 observer 并行等待至超时
func (r *Router) deliver(topic string, targets []target) Result {
	res := Result{Matched: len(targets)}

	var slow []target
	for _, t := range targets {
		if t.observer.TryEnqueue(t.frame) {
			res.Delivered++
			r.markDelivered(topic)
			continue
		}
		if t.observer.Closed() {
			res.Dropped++
			r.markDropped(topic, registry.ErrObserverGone)
			continue
		}
		slow = append(slow, t)
	}
	if len(slow) == 0 {
		return res
	}

	errs := make([]error, len(slow))
	var wg sync.WaitGroup
	for i, t := range slow {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			errs[i] = t.observer.Enqueue(t.frame, r.opts.DeliveryTimeout)
		}(i, t)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			res.Delivered++
			r.markDelivered(topic)
			continue
		}
		res.Dropped++
		r.markDropped(topic, err)
		if errors.Is(err, registry.ErrDeliveryTimeout) {
			r.logger.Debug("Delivery timed out, dropping",
				zap.String("topic", topic),
				zap.String("observer_id", slow[i].observer.ID),
			)
		}
	}
	return res
}

func (r *Router) markDelivered(topic string) {
	r.delivered.Add(1)
	if r.opts.Hooks.Delivered != nil {
		r.opts.Hooks.Delivered(topic)
	}
}

func (r *Router) markDropped(topic string, err error) {
	r.dropped.Add(1)
	reason := DropTimeout
	if errors.Is(err, registry.ErrObserverGone) {
		reason = DropGone
	}
	if r.opts.Hooks.Dropped != nil {
		r.opts.Hooks.Dropped(topic, reason)
	}
}

// Delivered 累计成功投递数
func (r *Router) Delivered() int64 {
	return r.delivered.Load()
}

// Dropped 累计丢弃数
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}
