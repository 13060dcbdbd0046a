package relay

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/zhouzirui/z-relay/backend/internal/mocks"
	"github.com/zhouzirui/z-relay/backend/internal/model/event"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

var errConnClosed = errors.New("connection closed")

// recordingConn captures every envelope written to it.
type recordingConn struct {
	id string

	mu          sync.Mutex
	sent        []event.Envelope
	closed      bool
	closeCode   int
	closeReason string
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(env event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *recordingConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *recordingConn) envelopes() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Envelope(nil), c.sent...)
}

func (c *recordingConn) types() []event.Type {
	envs := c.envelopes()
	out := make([]event.Type, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// payloadOf decodes an envelope payload into a generic map.
func payloadOf(t *testing.T, env event.Envelope) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}

func errorMessage(t *testing.T, env event.Envelope) string {
	t.Helper()
	require.Equal(t, event.TypeError, env.Type)
	msg, _ := payloadOf(t, env)["message"].(string)
	return msg
}

type fixture struct {
	registry *registry.Registry
	gateway  *mocks.MockGateway
	verifier *auth.Verifier
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	log := zerolog.New(io.Discard)

	verifier, err := auth.NewVerifier(testSecret, auth.WithInsecureTestTokens(true))
	require.NoError(t, err)

	reg := registry.New(log)
	gateway := mocks.NewMockGateway(ctrl)
	return &fixture{
		registry: reg,
		gateway:  gateway,
		verifier: verifier,
		manager:  NewManager(verifier, reg, gateway, log),
	}
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// register binds conn to userID directly, bypassing the handshake.
func (f *fixture) register(conn *recordingConn, userID, name string) {
	f.registry.Register(conn.ID(), userID, name, conn)
}
