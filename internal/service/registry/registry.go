// Package registry tracks which user owns which live connection.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/model/event"
)

// Conn is a live bidirectional transport. The registry references it but never owns it.
type Conn interface {
	ID() string
	Send(env event.Envelope) error
	IsOpen() bool
	Close(code int, reason string) error
}

// Entry is a point-in-time view of one registered user.
type Entry struct {
	UserID      string
	DisplayName string
	Conn        Conn
}

type binding struct {
	connID string
	conn   Conn
}

// Registry maps users to their current connection (last writer wins) and
// connections back to the user they authenticated as. Critical sections never
// perform I/O.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	byUser map[string]binding // userID -> current connection
	byConn map[string]string  // connID -> userID
	names  map[string]string  // userID -> display name
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		byUser: make(map[string]binding),
		byConn: make(map[string]string),
		names:  make(map[string]string),
	}
}

// Register binds connID to userID and makes conn the user's current connection.
// A previous connection of the same user is replaced silently and stays open.
func (r *Registry) Register(connID, userID, displayName string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-authentication as another user: drop the old user's mapping if it still points here.
	if prev, ok := r.byConn[connID]; ok && prev != userID {
		if b, ok := r.byUser[prev]; ok && b.connID == connID {
			delete(r.byUser, prev)
			delete(r.names, prev)
		}
	}

	if b, ok := r.byUser[userID]; ok && b.connID != connID {
		r.log.Debug().Str("user", userID).Str("old_conn", b.connID).Str("conn", connID).Msg("replacing current connection")
	}

	r.byUser[userID] = binding{connID: connID, conn: conn}
	r.byConn[connID] = userID
	r.names[userID] = displayName
}

// Unregister removes connID. The user mapping is removed only when it still
// points at connID, so a stale close never evicts a newer connection.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	if b, ok := r.byUser[userID]; ok && b.connID == connID {
		delete(r.byUser, userID)
		delete(r.names, userID)
	}
	return userID, true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byUser[userID]
	return b.conn, ok
}

func (r *Registry) DisplayName(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[userID]
	return name, ok
}

// UserID resolves the user a connection authenticated as.
func (r *Registry) UserID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Snapshot copies the current user -> connection mapping. The result is safe
// to iterate while the registry keeps changing.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byUser))
	for userID, b := range r.byUser {
		entries = append(entries, Entry{UserID: userID, DisplayName: r.names[userID], Conn: b.conn})
	}
	return entries
}

// Len returns the number of users with a current connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Close closes every registered connection. Transports then unregister
// themselves through their normal close path.
func (r *Registry) Close() {
	entries := r.Snapshot()
	for _, e := range entries {
		if err := e.Conn.Close(CloseGoingAway, "server shutting down"); err != nil {
			r.log.Debug().Err(err).Str("user", e.UserID).Msg("close on shutdown")
		}
	}
	r.log.Info().Int("connections", len(entries)).Msg("registry closed")
}

// Close codes shared with the transport (RFC 6455).
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)
