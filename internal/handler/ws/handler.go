// Package ws is the WebSocket transport of the relay: it upgrades /ws requests,
// owns the socket pumps and feeds frames to a relay session.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

// Options tunes the per-connection transport.
type Options struct {
	MaxMessageSize int64
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	return o
}

// pingPeriod must stay below PongTimeout so a healthy peer is never timed out.
func (o Options) pingPeriod() time.Duration {
	return o.PongTimeout * 9 / 10
}

// Handler WebSocket 接入处理器
type Handler struct {
	manager  *relay.Manager
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 处理器
func New(manager *relay.Manager, opts Options, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由，/ws 为 /ws/chat 的别名
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 处理单个连接的完整生命周期
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn := newConn(socket, h.opts, h.log)
	go conn.writePump()
	log := conn.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("connection opened")

	ctx := r.Context()
	session, err := h.manager.Open(ctx, conn, token)
	if err != nil {
		<-conn.Done()
		return
	}

	// r.Context derives from the server base context, which is canceled on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(registry.CloseGoingAway, "server shutting down")
	})
	defer stop()

	h.readLoop(ctx, socket, session, log)

	session.Close()
	_ = conn.Close(websocket.CloseNormalClosure, "")
	<-conn.Done()
	log.Debug().Msg("connection closed")
}

func (h *Handler) readLoop(ctx context.Context, socket *websocket.Conn, session *relay.Session, log zerolog.Logger) {
	socket.SetReadLimit(h.opts.MaxMessageSize)
	extend := func() {
		if err := socket.SetReadDeadline(time.Now().Add(h.opts.PongTimeout)); err != nil {
			log.Debug().Err(err).Msg("set read deadline")
		}
	}
	extend()
	socket.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			logReadError(log, err, h.opts.MaxMessageSize)
			return
		}
		extend()
		session.HandleFrame(ctx, data)
	}
}

func logReadError(log zerolog.Logger, err error, limit int64) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Info().Int64("limit", limit).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug().Err(err).Msg("peer closed")
	case isExpectedCloseError(err):
		log.Debug().Err(err).Msg("socket closed")
	default:
		log.Info().Err(err).Msg("read failed")
	}
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
