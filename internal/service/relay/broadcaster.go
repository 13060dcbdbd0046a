package relay

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/zhouzirui/z-relay/backend/internal/model/event"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

// Broadcaster writes envelopes to registered connections. Write failures are
// logged and never returned; closed connections are skipped.
type Broadcaster struct {
	registry *registry.Registry
	log      zerolog.Logger
}

func NewBroadcaster(reg *registry.Registry, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: reg, log: log}
}

func (b *Broadcaster) SendToOne(conn registry.Conn, env event.Envelope) {
	if err := conn.Send(env); err != nil {
		b.log.Warn().Err(err).Str("conn", conn.ID()).Str("type", string(env.Type)).Msg("send failed")
	}
}

// BroadcastAll writes to every registered connection that is still open.
func (b *Broadcaster) BroadcastAll(env event.Envelope) {
	b.fanout(b.recipients(""), env)
}

// BroadcastOthers writes to every open registered connection except excludeConnID.
func (b *Broadcaster) BroadcastOthers(excludeConnID string, env event.Envelope) {
	b.fanout(b.recipients(excludeConnID), env)
}

// Deliver executes router output in order, resolving ToSender to sender.
func (b *Broadcaster) Deliver(sender registry.Conn, deliveries []Delivery) {
	for _, d := range deliveries {
		switch d.Target {
		case ToSender:
			b.SendToOne(sender, d.Envelope)
		case ToAll:
			b.BroadcastAll(d.Envelope)
		case ToOthers:
			b.BroadcastOthers(sender.ID(), d.Envelope)
		}
	}
}

func (b *Broadcaster) recipients(excludeConnID string) []registry.Conn {
	open := lo.Filter(b.registry.Snapshot(), func(e registry.Entry, _ int) bool {
		return e.Conn.IsOpen() && e.Conn.ID() != excludeConnID
	})
	return lo.Map(open, func(e registry.Entry, _ int) registry.Conn { return e.Conn })
}

func (b *Broadcaster) fanout(conns []registry.Conn, env event.Envelope) {
	for _, conn := range conns {
		b.SendToOne(conn, env)
	}
	b.log.Debug().Str("type", string(env.Type)).Int("recipients", len(conns)).Msg("broadcast")
}
