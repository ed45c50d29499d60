package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminHarness struct {
	admin    *AdminServer
	hub      *Hub
	registry *broadcast.Registry
	feeds    *fakeFeeds
	latest   *utils.MemoryManager
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	registry := broadcast.NewRegistry(64, logger.Nop())
	feeds := newFakeFeeds()
	latest := utils.NewMemoryManager(10)
	hub := NewHub(registry, feeds, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	reporter := NewStatusReporter("test-feeder", nil)
	reporter.Registry = registry

	cfg := &models.MConfig{Name: "test-feeder", Host: "127.0.0.1", LogLevel: "info"}
	return &adminHarness{
		admin:    NewAdminServer(cfg, reporter, latest, hub, logger.Nop()),
		hub:      hub,
		registry: registry,
		feeds:    feeds,
		latest:   latest,
	}
}

func (h *adminHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.admin.Handler().ServeHTTP(w, req)
	return w
}

// -----------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newAdminHarness(t)
	w := h.get(t, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestStatusEndpoint(t *testing.T) {
	h := newAdminHarness(t)
	w := h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "test-feeder", st.Name)
	assert.Empty(t, st.Feeds)
}

func TestLatestEndpoint(t *testing.T) {
	h := newAdminHarness(t)
	sub := tickSub("EUR-USD")
	base := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	h.latest.AddDataPoint(sub, tick(sub, base, 100))
	h.latest.AddDataPoint(sub, tick(sub, base.Add(time.Second), 101))

	w := h.get(t, "/api/latest?symbol=simulated:forex:EUR-USD&resolution=instant&type=ticks&limit=5")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Subscription string            `json:"subscription"`
		Events       []models.BaseData `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, sub.String(), body.Subscription)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "101", body.Events[0].Tick.Price.String())
}

func TestStatsEndpoint(t *testing.T) {
	h := newAdminHarness(t)
	sub := tickSub("EUR-USD")
	base := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	for i, p := range []int64{100, 104, 98, 102} {
		h.latest.AddDataPoint(sub, tick(sub, base.Add(time.Duration(i)*time.Second), p))
	}

	w := h.get(t, "/api/stats?symbol=simulated:forex:EUR-USD&resolution=instant&type=ticks")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Summary struct {
			Count int     `json:"count"`
			Open  float64 `json:"open"`
			Close float64 `json:"close"`
			High  float64 `json:"high"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Summary.Count)
	assert.Equal(t, 100.0, body.Summary.Open)
	assert.Equal(t, 102.0, body.Summary.Close)
	assert.Equal(t, 104.0, body.Summary.High)

	w = h.get(t, "/api/stats?symbol=simulated:forex:GBP-USD&resolution=instant&type=ticks")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatestEndpointValidatesQuery(t *testing.T) {
	h := newAdminHarness(t)

	w := h.get(t, "/api/latest?symbol=simulated:forex:EUR-USD&resolution=instant&type=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.get(t, "/api/latest?symbol=EUR-USD&resolution=instant&type=ticks")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.get(t, "/api/latest?symbol=simulated:forex:EUR-USD&resolution=7x&type=ticks")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSAllowsLocalOrigins(t *testing.T) {
	h := newAdminHarness(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	h.admin.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	h.admin.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// -----------------------------------------------------------------------------
// Monitor websocket
// -----------------------------------------------------------------------------

func TestMonitorStreamsSubscriptionEvents(t *testing.T) {
	h := newAdminHarness(t)
	srv := httptest.NewServer(h.admin.Handler())
	defer srv.Close()

	sub := tickSub("EUR-USD")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor?symbol=simulated:forex:EUR-USD&resolution=instant&type=ticks"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() monitorMessage {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg monitorMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	hello := read()
	assert.Equal(t, "hello", hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	assert.Equal(t, sub.String(), hello.Subscription)
	assert.Equal(t, 1, h.feeds.Refs(sub))
	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, h.registry.Publish(sub, tick(sub, time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC), 100)))
	ev := read()
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, sub.String(), ev.Subscription)

	h.hub.Broadcast(monitorMessage{Type: "status", Data: map[string]int{"sessions": 0}})
	assert.Equal(t, "status", read().Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 0 && h.hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorRejectsFailedSubscription(t *testing.T) {
	h := newAdminHarness(t)
	sub := tickSub("EUR-USD")
	h.feeds.fail[sub] = assert.AnError

	w := h.get(t, "/ws/monitor?symbol=simulated:forex:EUR-USD&resolution=instant&type=ticks")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, h.registry.ReceiverCount(sub))
}
