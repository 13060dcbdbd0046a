package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/model/event"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

// ErrHandshakeRejected is returned by Open when the handshake token is invalid.
var ErrHandshakeRejected = errors.New("handshake token rejected")

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	StateUnauthenticated
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Manager ties connections to the registry: it runs the handshake, hands every
// frame to the router and performs the single cleanup at close.
type Manager struct {
	verifier    TokenVerifier
	registry    *registry.Registry
	router      *Router
	broadcaster *Broadcaster
	log         zerolog.Logger
}

func NewManager(verifier TokenVerifier, reg *registry.Registry, gateway chatservice.Gateway, log zerolog.Logger) *Manager {
	log = log.With().Str("component", "relay").Logger()
	return &Manager{
		verifier:    verifier,
		registry:    reg,
		router:      NewRouter(reg, gateway, log),
		broadcaster: NewBroadcaster(reg, log),
		log:         log,
	}
}

// Broadcaster exposes the fan-out used by every session.
func (m *Manager) Broadcaster() *Broadcaster {
	return m.broadcaster
}

// Session is the per-connection state machine. HandleFrame must be called
// from a single goroutine, in frame arrival order.
type Session struct {
	manager *Manager
	conn    registry.Conn
	connLog zerolog.Logger
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	identity auth.Identity

	closeOnce sync.Once
}

// Open runs the connect-time handshake. Without a token the session waits for
// an AUTH frame; an invalid token closes the connection with a policy
// violation and returns ErrHandshakeRejected. A connection arriving after ctx is
// done is closed as going away and never registered.
func (m *Manager) Open(ctx context.Context, conn registry.Conn, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		if cerr := conn.Close(registry.CloseGoingAway, "server shutting down"); cerr != nil {
			m.log.Debug().Err(cerr).Str("conn", conn.ID()).Msg("close during shutdown")
		}
		return nil, fmt.Errorf("open session: %w", err)
	}

	connLog := m.log.With().Str("conn", conn.ID()).Logger()
	s := &Session{
		manager: m,
		conn:    conn,
		connLog: connLog,
		log:     connLog,
		state:   StateConnecting,
	}

	if token == "" {
		s.setState(StateUnauthenticated)
		m.broadcaster.SendToOne(conn, event.AuthRequired())
		s.log.Debug().Msg("connected without token, awaiting AUTH")
		return s, nil
	}

	identity, err := m.verifier.Verify(token)
	if err != nil {
		s.setState(StateClosed)
		s.log.Info().Err(err).Msg("handshake token rejected")
		if cerr := conn.Close(registry.ClosePolicyViolation, "Invalid token"); cerr != nil {
			s.log.Debug().Err(cerr).Msg("close after rejected handshake")
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	if _, ok := s.authenticate(identity); !ok {
		return s, nil
	}
	m.broadcaster.SendToOne(conn, event.System("Welcome, "+identity.Username))
	m.broadcaster.SendToOne(conn, event.ConnectionSuccess(identity.UserID, identity.Username))
	m.broadcaster.BroadcastAll(event.UserStatus(identity.UserID, identity.Username, true))
	return s, nil
}

// HandleFrame decodes and dispatches one inbound frame. Every failure, panics
// included, is reported to this connection only.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	if s.State() == StateClosed {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("recovered while handling frame")
			s.reply(event.Error(msgInternal))
		}
	}()

	in, err := event.Decode(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejected frame")
		s.reply(event.Error(s.decodeErrorMessage(err)))
		return
	}

	if a, ok := in.(event.Auth); ok {
		s.handleAuth(a)
		return
	}

	deliveries := s.manager.router.Route(ctx, s.conn.ID(), in)
	s.manager.broadcaster.Deliver(s.conn, deliveries)
}

func (s *Session) handleAuth(a event.Auth) {
	identity, err := s.manager.verifier.Verify(a.Token)
	if err != nil {
		s.log.Info().Err(err).Msg("auth failed")
		s.reply(event.Error(msgAuthFailed))
		return
	}
	previous, ok := s.authenticate(identity)
	if !ok {
		return
	}
	s.reply(event.AuthSuccess(identity.UserID, identity.Username))
	if previous.UserID != "" && previous.UserID != identity.UserID {
		s.manager.broadcaster.BroadcastAll(event.UserStatus(previous.UserID, previous.Username, false))
	}
	s.manager.broadcaster.BroadcastAll(event.UserStatus(identity.UserID, identity.Username, true))
}

// authenticate registers the identity and returns the one it replaces. It
// reports false when the session has already closed.
func (s *Session) authenticate(identity auth.Identity) (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return auth.Identity{}, false
	}
	previous := s.identity
	s.manager.registry.Register(s.conn.ID(), identity.UserID, identity.Username, s.conn)
	s.state = StateAuthenticated
	s.identity = identity
	s.log = s.connLog.With().Str("user", identity.UserID).Logger()
	s.log.Info().Str("username", identity.Username).Msg("authenticated")
	return previous, true
}

// Close releases the session exactly once: the registry entry goes away and,
// when a user was bound, everyone still connected sees it go offline.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		identity := s.identity
		s.mu.Unlock()

		s.manager.registry.Unregister(s.conn.ID())
		if identity.UserID == "" {
			s.log.Debug().Msg("closed before authentication")
			return
		}
		s.manager.broadcaster.BroadcastAll(event.UserStatus(identity.UserID, identity.Username, false))
		s.log.Info().Msg("closed")
	})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound user, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.identity.UserID != ""
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) reply(env event.Envelope) {
	s.manager.broadcaster.SendToOne(s.conn, env)
}

// decodeErrorMessage maps a decode failure to the client message. A bad MESSAGE
// payload from an unauthenticated connection reports the missing
// authentication, which is checked first.
func (s *Session) decodeErrorMessage(err error) string {
	var unknown *event.UnknownTypeError
	switch {
	case errors.As(err, &unknown):
		return "Unknown type: " + unknown.Type
	case errors.Is(err, event.ErrInvalidPayload):
		if !s.manager.router.authenticated(s.conn.ID()) {
			return msgNotAuthenticated
		}
		return msgInvalidPayload
	default:
		return msgInvalidFormat
	}
}
