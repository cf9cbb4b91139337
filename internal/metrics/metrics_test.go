package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/gateway"
	"github.com/founditure/realtime/internal/protocol"
)

var _ gateway.MetricsCollector = (*Collector)(nil)

func TestConnectionGauge(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ConnectionOpened("c1", "alice")
	c.ConnectionOpened("c2", "bob")
	c.ConnectionClosed("c1", 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.connectionDuration))
}

func TestFrameCounters(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.FrameReceived("private_message", 120)
	c.FrameReceived("private_message", 80)
	c.FrameReceived("heartbeat", 20)
	c.FrameSent(64)
	c.FrameDropped("evicted")
	c.FrameDropped("evicted")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesReceived.WithLabelValues("private_message")))
	assert.Equal(t, 220.0, testutil.ToFloat64(c.frameBytesIn))
	assert.Equal(t, 64.0, testutil.ToFloat64(c.frameBytesOut))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("evicted")))
}

func TestErrorsLabelledByKind(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Error("dispatcher", protocol.Validation("empty"))
	c.Error("dispatcher", errors.New("boom"))
	c.Error("dispatcher", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("dispatcher", string(protocol.KindValidation))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("dispatcher", string(protocol.KindInternal))))
}

func TestObserverUsesScopeKind(t *testing.T) {
	c := New(prometheus.NewRegistry())

	observe := c.Observer()
	observe(fanout.Room("furniture"), protocol.FrameRoomMessage, 3)
	observe(fanout.User("alice"), protocol.FramePrivateMessage, 2)

	assert.Equal(t, 2, testutil.CollectAndCount(c.broadcastRecipients))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/v1/threads/{peer}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, peer := range []string{"alice", "bob"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/"+peer+"/messages", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(c.httpRequests.WithLabelValues(http.MethodGet, "/v1/threads/{peer}/messages", "418"))
	assert.Equal(t, 2.0, got)
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
