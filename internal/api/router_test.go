package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/gateway"
	"github.com/founditure/realtime/internal/metrics"
	"github.com/founditure/realtime/internal/protocol"
	"github.com/founditure/realtime/internal/registry"
	"github.com/founditure/realtime/internal/store"
	"github.com/founditure/realtime/internal/thread"
)

type fixture struct {
	router   http.Handler
	store    *store.MemoryStore
	verifier *auth.JWTVerifier
}

func newFixture(t *testing.T, gw *gateway.Gateway, st *store.MemoryStore) *fixture {
	t.Helper()

	if st == nil {
		st = store.NewMemoryStore()
	}
	verifier := auth.NewJWTVerifier("api-secret", "")
	if gw != nil {
		verifier = gatewayVerifier
	}

	reg := prometheus.NewRegistry()
	router := NewRouter(Config{
		Logger:         zerolog.Nop(),
		Store:          st,
		Gateway:        gw,
		Verifier:       verifier,
		Metrics:        metrics.New(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		NodeID:         "node-1",
	})
	return &fixture{router: router, store: st, verifier: verifier}
}

func (f *fixture) do(t *testing.T, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := f.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func seed(t *testing.T, st store.MessageStore, from, to, contextRef, content string) *chat.Message {
	t.Helper()

	threadID, err := thread.Resolve(from, to, contextRef)
	require.NoError(t, err)

	msg, err := st.Save(context.Background(), &chat.Message{
		ID:               chat.NewID(),
		SenderID:         from,
		RecipientID:      to,
		ThreadID:         threadID,
		ContextRef:       contextRef,
		Content:          content,
		Type:             chat.TypeText,
		Status:           delivery.StatusSent,
		SentAt:           time.Now().UTC(),
		IdempotencyToken: chat.NewID(),
	})
	require.NoError(t, err)

	return msg
}

func TestV1RequiresAuth(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/v1/threads", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "pass", body.Checks["store"].Status)
	assert.Equal(t, "node-1", body.Node)
}

func TestHealthDegraded(t *testing.T) {
	router := NewRouter(Config{
		Logger:   zerolog.Nop(),
		Store:    store.NewMemoryStore(),
		Verifier: auth.NewJWTVerifier("x", ""),
		Checks: map[string]Checker{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.do(t, http.MethodGet, "/healthz", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_http_requests_total")
}

func TestListThreadsAndMessages(t *testing.T) {
	f := newFixture(t, nil, nil)
	seed(t, f.store, "seller", "buyer", "sofa-1", "still available?")
	seed(t, f.store, "buyer", "seller", "sofa-1", "yes")
	seed(t, f.store, "seller", "buyer", "", "general question")

	rec := f.do(t, http.MethodGet, "/v1/threads", "buyer")
	require.Equal(t, http.StatusOK, rec.Code)

	var threads ThreadListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&threads))
	assert.Len(t, threads.Threads, 2)

	rec = f.do(t, http.MethodGet, "/v1/threads/seller/messages?context=sofa-1", "buyer")
	require.Equal(t, http.StatusOK, rec.Code)

	var list MessageListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "still available?", list.Messages[0].Content)
	assert.Equal(t, "yes", list.Messages[1].Content)

	rec = f.do(t, http.MethodGet, "/v1/threads/seller/messages?context=sofa-1&limit=1", "buyer")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "yes", list.Messages[0].Content)
}

func TestListMessagesWithSelf(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/v1/threads/alice/messages", "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, nil, nil)
	first := seed(t, f.store, "seller", "buyer", "sofa-1", "one")
	second := seed(t, f.store, "seller", "buyer", "sofa-1", "two")
	seed(t, f.store, "buyer", "seller", "sofa-1", "mine")

	rec := f.do(t, http.MethodPost, "/v1/threads/seller/read?context=sofa-1", "buyer")
	require.Equal(t, http.StatusOK, rec.Code)

	var body MarkReadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []string{first.ID, second.ID}, body.MessageIDs)

	stored, err := f.store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusRead, stored.Status)

	rec = f.do(t, http.MethodPost, "/v1/threads/seller/read?context=sofa-1", "buyer")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body.MessageIDs)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, nil, nil)
	msg := seed(t, f.store, "seller", "buyer", "", "oops")

	tests := []struct {
		name   string
		path   string
		user   string
		status int
	}{
		{"unknown message", "/v1/messages/nope", "seller", http.StatusNotFound},
		{"not the sender", "/v1/messages/" + msg.ID, "buyer", http.StatusForbidden},
		{"sender", "/v1/messages/" + msg.ID, "seller", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodDelete, tt.path, tt.user)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	stored, err := f.store.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDeleted, stored.Status)
}

var gatewayVerifier = auth.NewJWTVerifier("gateway-secret", "")

func TestMarkReadNotifiesConnectedSender(t *testing.T) {
	bus := fanout.NewLocalPubSub(context.Background(), 64)
	defer bus.Close()

	reg := registry.New(zerolog.Nop())
	adapter := fanout.NewAdapter(bus, reg, fanout.AdapterOptions{NodeID: "node-1", Logger: zerolog.Nop()})
	require.NoError(t, adapter.Start())
	defer adapter.Stop()

	st := store.NewMemoryStore()
	gw, err := gateway.New(gateway.Config{
		Registry: reg,
		Fanout:   adapter,
		Store:    st,
		Verifier: gatewayVerifier,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	f := newFixture(t, gw, st)
	server := httptest.NewServer(f.router)
	defer server.Close()
	defer gw.Shutdown(context.Background())

	msg := seed(t, st, "seller", "buyer", "", "hello")

	token, err := gatewayVerifier.Issue("seller", time.Hour)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return reg.Online("seller") }, 2*time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/v1/threads/seller/read", "buyer")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	receipt, ok := env.Payload.(*protocol.ReadReceipt)
	require.True(t, ok, "expected read receipt, got %s", env.Type())
	assert.Equal(t, delivery.StatusRead, receipt.Status)
	assert.Equal(t, []string{msg.ID}, receipt.MessageIDs)
	assert.Equal(t, "buyer", receipt.By)
}
