package registry

import (
	"sort"
	"sync"
	"time"

	"mewp-telemetry/internal/models"
)

// Frame 发送队列中的一帧
// Probe 为 true 时表示健康检查探测（transport 发送 ping 帧）
type Frame struct {
	Message models.Message
	Probe   bool
}

// Observer 一个已连接的客户端会话
// subscriptions / identity / lastHealthCheck 由 Registry.mu 保护
type Observer struct {
	ID          string
	ConnKey     string
	ConnectedAt time.Time

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	subscriptions   map[string]struct{}
	identity        *models.Identity
	lastHealthCheck time.Time
}

func newObserver(id, connKey string, buffer int, now time.Time) *Observer {
	return &Observer{
		ID:              id,
		ConnKey:         connKey,
		ConnectedAt:     now,
		send:            make(chan Frame, buffer),
		done:            make(chan struct{}),
		subscriptions:   make(map[string]struct{}),
		lastHealthCheck: now,
	}
}

// Outbox transport 写协程读取的队列
// 队列不会被关闭，退出以 Done() 为准
func (o *Observer) Outbox() <-chan Frame {
	return o.send
}

// Done 注销后关闭
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Closed 是否已注销
func (o *Observer) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// TryEnqueue 非阻塞入队
func (o *Observer) TryEnqueue(f Frame) bool {
	if o.Closed() {
		return false
	}
	select {
	case o.send <- f:
		return true
	default:
		return false
	}
}

// Enqueue 阻塞入队，直到写入、超时或 observer 注销
func (o *Observer) Enqueue(f Frame, timeout time.Duration) error {
	if o.Closed() {
		return ErrObserverGone
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o.send <- f:
		return nil
	case <-o.done:
		return ErrObserverGone
	case <-timer.C:
		return ErrDeliveryTimeout
	}
}

func (o *Observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

func (o *Observer) subscriptionList() []string {
	topics := make([]string, 0, len(o.subscriptions))
	for t := range o.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
