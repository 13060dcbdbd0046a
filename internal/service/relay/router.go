// Package relay authenticates connections, routes their events and fans the
// results out to other live connections.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/event"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

// Target selects the recipients of one outbound envelope.
type Target int

const (
	ToSender Target = iota
	ToAll
	ToOthers
)

func (t Target) String() string {
	switch t {
	case ToSender:
		return "sender"
	case ToAll:
		return "all"
	case ToOthers:
		return "others"
	default:
		return "unknown"
	}
}

// Delivery pairs an envelope with its recipients, relative to the sending connection.
type Delivery struct {
	Target   Target
	Envelope event.Envelope
}

const unknownSender = "Unknown"

// Client-facing error messages.
const (
	msgNotAuthenticated = "Not authenticated"
	msgSaveFailed       = "Database save failed"
	msgAuthFailed       = "Auth failed"
	msgInvalidFormat    = "Invalid message format"
	msgInvalidPayload   = "Invalid message payload"
	msgInternal         = "Internal error"
)

// Router maps inbound events to the deliveries they produce. It performs no
// socket I/O; the only side effect is the gateway call for MESSAGE.
type Router struct {
	registry *registry.Registry
	gateway  chatservice.Gateway
	log      zerolog.Logger
	now      func() time.Time
}

func NewRouter(reg *registry.Registry, gateway chatservice.Gateway, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		gateway:  gateway,
		log:      log,
		now:      time.Now,
	}
}

// Route dispatches one decoded event from connID. Unknown types never get here:
// Decode rejects them.
func (r *Router) Route(ctx context.Context, connID string, in event.Inbound) []Delivery {
	switch ev := in.(type) {
	case event.Message:
		return r.handleMessage(ctx, connID, ev)
	case event.Typing:
		return []Delivery{{Target: ToOthers, Envelope: event.Relay(event.TypeTyping, ev.Payload)}}
	case event.ReadReceipt:
		return []Delivery{{Target: ToAll, Envelope: event.Relay(event.TypeReadReceipt, ev.Payload)}}
	case event.Ping:
		return []Delivery{{Target: ToSender, Envelope: event.Pong()}}
	}
	// AUTH is handled by Session.
	return nil
}

// authenticated reports whether connID is bound to a user.
func (r *Router) authenticated(connID string) bool {
	_, ok := r.registry.UserID(connID)
	return ok
}

func (r *Router) handleMessage(ctx context.Context, connID string, ev event.Message) []Delivery {
	senderID, ok := r.registry.UserID(connID)
	if !ok {
		return []Delivery{toSender(event.Error(msgNotAuthenticated))}
	}
	senderName, ok := r.registry.DisplayName(senderID)
	if !ok {
		senderName = unknownSender
	}

	saved, err := r.gateway.Save(ctx, chat.Message{
		ChatID:     ev.ChatID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       ev.Text,
		Status:     chat.StatusSent,
	})
	if err != nil {
		r.log.Error().Err(err).Str("conn", connID).Str("chat", ev.ChatID).Msg("save message failed")
		return []Delivery{toSender(event.Error(msgSaveFailed))}
	}

	timestamp := saved.Timestamp
	if timestamp == 0 {
		timestamp = r.now().UnixMilli()
	}

	published := chat.Message{
		ID:         saved.ID,
		ChatID:     ev.ChatID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       ev.Text,
		Timestamp:  timestamp,
		Status:     chat.StatusSent,
	}
	return []Delivery{
		{Target: ToAll, Envelope: event.NewMessage(published)},
		toSender(event.MessageDelivered(saved.ID, ev.ChatID)),
	}
}

func toSender(env event.Envelope) Delivery {
	return Delivery{Target: ToSender, Envelope: env}
}
