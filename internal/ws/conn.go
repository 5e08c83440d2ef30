package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mewp-telemetry/internal/models"
	"mewp-telemetry/internal/registry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// Command observer 发来的控制命令 {"event": "...", "data": {...}}
type Command struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dispatcher 处理连接建立与控制命令
type Dispatcher interface {
	Connected(o *registry.Observer)
	Dispatch(ctx context.Context, observerID string, cmd Command)
}

// Options transport 配置
type Options struct {
	WriteWait      time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// Handler /ws 升级处理：每个连接一个读协程和一个写协程
type Handler struct {
	upgrader   websocket.Upgrader
	registry   *registry.Registry
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
}

// NewHandler 创建 websocket handler
func NewHandler(reg *registry.Registry, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Handler {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		// dashboard 与服务不同源部署
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		registry:   reg,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// ServeHTTP 升级连接并阻塞直到读协程退出
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	connKey := fmt.Sprintf("%s/%p", r.RemoteAddr, conn)
	o := h.registry.Register(connKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.writePump(conn, o)
	h.dispatcher.Connected(o)
	h.readPump(ctx, conn, o)
}

// readPump 读取控制命令；任何入站帧都刷新健康检查时间
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, o *registry.Observer) {
	defer func() {
		h.registry.Deregister(o.ID)
		conn.Close()
	}()

	conn.SetReadLimit(h.opts.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		h.registry.Touch(o.ID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read error",
					zap.String("observer_id", o.ID),
					zap.Error(err),
				)
			}
			return
		}
		h.registry.Touch(o.ID)

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Event == "" {
			o.TryEnqueue(registry.Frame{Message: models.Message{
				Event: models.EventCommandError,
				Data: models.ErrorData{
					Error:     "invalid command frame",
					Code:      "malformed",
					Timestamp: time.Now().UTC(),
				},
			}})
			continue
		}
		h.dispatcher.Dispatch(ctx, o.ID, cmd)
	}
}

// writePump 唯一写协程：消息帧 WriteJSON，探测帧发 ping
func (h *Handler) writePump(conn *websocket.Conn, o *registry.Observer) {
	defer conn.Close()

	for {
		select {
		case <-o.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteWait))
			return
		case f := <-o.Outbox():
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			var err error
			if f.Probe {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = conn.WriteJSON(f.Message)
			}
			if err != nil {
				h.logger.Debug("Websocket write error",
					zap.String("observer_id", o.ID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
