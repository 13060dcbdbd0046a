package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/event"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testServer struct {
	*httptest.Server
	registry *registry.Registry
}

func newTestServer(t *testing.T, ctx context.Context, opts Options) *testServer {
	t.Helper()
	log := zerolog.New(io.Discard)

	verifier, err := auth.NewVerifier(testSecret, auth.WithInsecureTestTokens(true))
	require.NoError(t, err)
	reg := registry.New(log)
	manager := relay.NewManager(verifier, reg, chatservice.NewMemoryStore(), log)

	r := chi.NewRouter()
	New(manager, opts, log).RegisterRoutes(r)

	srv := httptest.NewUnstartedServer(r)
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, registry: reg}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	return s.dialPath(t, "/ws/chat", token)
}

func (s *testServer) dialPath(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) event.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env event.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func readTypes(t *testing.T, c *websocket.Conn, n int) []event.Type {
	t.Helper()
	out := make([]event.Type, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, readEnvelope(t, c).Type)
	}
	return out
}

func readCloseCode(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

func TestHandshakeWithToken(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})

	c := srv.dial(t, "mock-jwt-token-alice1")

	welcome := readEnvelope(t, c)
	req.Equal(event.TypeSystem, welcome.Type)
	req.JSONEq(`{"content":"Welcome, User_alic"}`, string(welcome.Payload))
	success := readEnvelope(t, c)
	req.Equal(event.TypeConnectionSuccess, success.Type)
	req.JSONEq(`{"userId":"alice1","username":"User_alic"}`, string(success.Payload))
	req.Equal(event.TypeUserStatus, readEnvelope(t, c).Type)
}

func TestLegacyPathAlias(t *testing.T) {
	srv := newTestServer(t, context.Background(), Options{})

	c := srv.dialPath(t, "/ws", "")

	require.Equal(t, event.TypeAuthRequired, readEnvelope(t, c).Type)
}

func TestHandshakeWithoutTokenThenAuth(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})

	c := srv.dial(t, "")
	req.Equal(event.TypeAuthRequired, readEnvelope(t, c).Type)

	req.NoError(c.WriteJSON(map[string]any{
		"type":    "AUTH",
		"payload": map[string]string{"token": "mock-jwt-token-bobby"},
	}))
	req.Equal([]event.Type{event.TypeAuthSuccess, event.TypeUserStatus}, readTypes(t, c, 2))
}

func TestHandshakeWithSignedToken(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})
	token, err := auth.Issue(testSecret, auth.Identity{UserID: "u-42", Username: "carol"}, time.Minute)
	req.NoError(err)

	c := srv.dial(t, token)

	req.JSONEq(`{"content":"Welcome, carol"}`, string(readEnvelope(t, c).Payload))
}

func TestHandshakeInvalidTokenCloses(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})

	c := srv.dial(t, "bogus")

	ce := readCloseCode(t, c)
	req.Equal(websocket.ClosePolicyViolation, ce.Code)
	req.Equal("Invalid token", ce.Text)
	req.Eventually(func() bool { return srv.registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMessageFanOutAndOffline(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})

	alice := srv.dial(t, "mock-jwt-token-alice1")
	readTypes(t, alice, 3)
	bob := srv.dial(t, "mock-jwt-token-bobby2")
	readTypes(t, bob, 3)
	// alice sees bob come online
	req.Equal(event.TypeUserStatus, readEnvelope(t, alice).Type)

	req.NoError(alice.WriteJSON(map[string]any{
		"type":    "MESSAGE",
		"payload": map[string]string{"chatId": "general", "text": "hello"},
	}))

	got := readEnvelope(t, bob)
	req.Equal(event.TypeNewMessage, got.Type)
	req.Contains(string(got.Payload), `"text":"hello"`)
	req.Contains(string(got.Payload), `"senderId":"alice1"`)
	req.Equal([]event.Type{event.TypeNewMessage, event.TypeMessageDelivered}, readTypes(t, alice, 2))

	req.NoError(bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	offline := readEnvelope(t, alice)
	req.Equal(event.TypeUserStatus, offline.Type)
	req.JSONEq(`{"userId":"bobby2","username":"User_bobb","isOnline":false}`, string(offline.Payload))
	req.Eventually(func() bool { return srv.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{})
	c := srv.dial(t, "")
	readEnvelope(t, c)

	req.NoError(c.WriteMessage(websocket.TextMessage, []byte("not json")))
	got := readEnvelope(t, c)
	req.Equal(event.TypeError, got.Type)
	req.JSONEq(`{"message":"Invalid message format"}`, string(got.Payload))

	req.NoError(c.WriteJSON(map[string]string{"type": "PING"}))
	req.Equal(event.TypePong, readEnvelope(t, c).Type)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, context.Background(), Options{MaxMessageSize: 64})
	c := srv.dial(t, "")
	readEnvelope(t, c)

	req.NoError(c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 256))))

	req.Equal(websocket.CloseMessageTooBig, readCloseCode(t, c).Code)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newTestServer(t, ctx, Options{})

	c := srv.dial(t, "mock-jwt-token-alice1")
	readTypes(t, c, 3)

	cancel()

	req.Equal(websocket.CloseGoingAway, readCloseCode(t, c).Code)
	req.Eventually(func() bool { return srv.registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOptionsDefaults(t *testing.T) {
	req := require.New(t)
	opts := Options{SendBuffer: 8}.withDefaults()
	req.Equal(8, opts.SendBuffer)
	req.EqualValues(64*1024, opts.MaxMessageSize)
	req.Equal(54*time.Second, opts.pingPeriod())
}
