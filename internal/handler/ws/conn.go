package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/model/event"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type closeRequest struct {
	code   int
	reason string
}

// Conn wraps one upgraded socket. Every frame, control frames included, is
// written by the single writePump goroutine, so frames reach the peer in the
// order Send was called.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options
	log  zerolog.Logger

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	closeReq  closeRequest
}

func newConn(ws *websocket.Conn, opts Options, log zerolog.Logger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		ws:      ws,
		opts:    opts,
		log:     log.With().Str("conn", id).Logger(),
		send:    make(chan []byte, opts.SendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IsOpen() bool { return c.open.Load() }

// Send queues env for writing. It never blocks: a full queue drops the frame.
func (c *Conn) Send(env event.Envelope) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the writer to flush queued frames and finish with a close frame.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.closeReq = closeRequest{code: code, reason: reason}
		close(c.closing)
	})
	return nil
}

// Done is closed once the writer has exited and the socket is released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.open.Store(false)
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("close socket")
		}
		close(c.done)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logWriteError(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logWriteError(err)
				return
			}
		case <-c.closing:
			c.flush()
			c.writeClose()
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// flush writes whatever was queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logWriteError(err)
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeReq.code, c.closeReq.reason)
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logWriteError(err)
	}
}

func (c *Conn) logWriteError(err error) {
	if isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("write on closed socket")
		return
	}
	c.log.Warn().Err(err).Msg("write failed")
}
