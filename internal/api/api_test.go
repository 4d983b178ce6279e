package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/db"
	"github.com/volley-project/volley/internal/events"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/netgame"
	"github.com/volley-project/volley/internal/network"
)

const arena = `name: arena
static:
  - kind: wall
    position: {x: 0, y: 0}
    size: {x: 640, y: 10}
`

type fixedStatus netgame.Status

func (f fixedStatus) Status() netgame.Status { return netgame.Status(f) }

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *db.SessionStore) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arena"+level.Extension), []byte(arena), 0o644))

	board := network.NewStatsBoard()
	board.Publish([]network.Stats{
		{Peer: "10.0.0.2:4000", State: "connected", RTT: 40},
		{Peer: "10.0.0.1:4000", State: "connected", RTT: 20},
	})

	sessions, err := db.NewSessionStore(filepath.Join(t.TempDir(), "volley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	cfg := config.DefaultConfig().API
	cfg.RateLimitRPS = 0
	s := NewServer(cfg, "1.2.3", fixedStatus{Level: "arena", Players: 2}, board, level.NewStore(dir))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "volley_test_total", Help: "test"}))
	s.SetDependencies(sessions, reg)
	return s, sessions
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s.Handler(), "/api/ping")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3", decode(t, w)["version"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s.Handler(), "/api/status")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "arena", body["level"])
	assert.EqualValues(t, 2, body["players"])
}

func TestConnectionsSortedByPeer(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s.Handler(), "/api/connections")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Connections []network.Stats `json:"connections"`
		Total       int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, "10.0.0.1:4000", body.Connections[0].Peer)
	assert.Equal(t, 20.0, body.Connections[0].RTT)
}

func TestLevels(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := get(t, h, "/api/levels")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"arena"}, decode(t, w)["levels"])

	w = get(t, h, "/api/levels/arena")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, arena, w.Body.String())
	assert.Equal(t, "application/x-yaml", w.Header().Get("Content-Type"))

	_, err := level.Parse(w.Body.Bytes())
	assert.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/levels/pit").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/levels/.hidden").Code)
}

func TestSessions(t *testing.T) {
	s, sessions := newTestServer(t)
	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, sessions.RecordLevel("arena", at))
	require.NoError(t, sessions.RecordConnect(events.SessionPayload{SessionID: "a", Peer: "10.0.0.1:4000", PlayerID: 4}, at))
	require.NoError(t, sessions.RecordConnect(events.SessionPayload{SessionID: "b", Peer: "10.0.0.2:4000", PlayerID: 5}, at.Add(time.Second)))
	h := s.Handler()

	w := get(t, h, "/api/sessions?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []db.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "b", body.Sessions[0].ID)
	assert.Equal(t, "arena", body.Sessions[0].Level)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions?limit=x").Code)

	w = get(t, h, "/api/level_loads")
	require.Equal(t, http.StatusOK, w.Code)
	loads := decode(t, w)
	assert.Equal(t, "arena", loads["current"])
	assert.EqualValues(t, 1, loads["total"])
}

func TestSessionsWithoutJournal(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetDependencies(nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/api/sessions").Code)
	assert.NotContains(t, get(t, s.Handler(), "/metrics").Body.String(), "volley_test_total")
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s.Handler(), "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "volley_test_total 0")
}

func TestUnknownAPIRoute(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/nope").Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst is twice the rate")
	assert.True(t, rl.Allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.RateLimitRPS = 1
	h := s.Handler()

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = get(t, h, "/api/ping").Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
