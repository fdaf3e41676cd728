package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/server/handler"
)

type fakeEngine struct {
	running   bool
	startErr  error
	updateErr error
	cfg       domain.EngineConfig
	active    []domain.Trade
	history   []domain.Trade
	stats     domain.EngineStats
	lastPatch domain.EngineConfigPatch
}

func (f *fakeEngine) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop() { f.running = false }

func (f *fakeEngine) UpdateConfig(patch domain.EngineConfigPatch) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.lastPatch = patch
	f.cfg = patch.Apply(f.cfg)
	return nil
}

func (f *fakeEngine) GetStatus() domain.EngineStatus {
	return domain.EngineStatus{Running: f.running, ActiveTradeCount: len(f.active)}
}

func (f *fakeEngine) GetConfig() domain.EngineConfig  { return f.cfg }
func (f *fakeEngine) GetActiveTrades() []domain.Trade { return f.active }
func (f *fakeEngine) GetTradeHistory() []domain.Trade { return f.history }
func (f *fakeEngine) GetStats() domain.EngineStats    { return f.stats }

type fakeHistoryStore struct {
	recent []domain.Trade
	err    error
}

func (s *fakeHistoryStore) Insert(context.Context, domain.Trade) error { return nil }
func (s *fakeHistoryStore) ListRecent(_ context.Context, limit int) ([]domain.Trade, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.recent) > limit {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}
func (s *fakeHistoryStore) ListBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}
func (s *fakeHistoryStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *fakeHistoryStore) Count(context.Context) (int64, error)                   { return 0, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, eng *fakeEngine, store domain.TradeStore, apiKey string) *Server {
	t.Helper()
	logger := testLogger()
	return New(
		Config{Port: 0, APIKey: apiKey},
		Handlers{
			Health: handler.NewHealthHandler(nil),
			Engine: handler.NewEngineHandler(eng, logger),
			Trades: handler.NewTradeHandler(eng, store, logger),
		},
		nil,
		logger,
	)
}

func doRequest(t *testing.T, srv *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthCheck(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_HealthDegradedOnFailingCheck(t *testing.T) {
	srv := New(
		Config{Port: 0},
		Handlers{
			Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			}),
			Engine: handler.NewEngineHandler(&fakeEngine{}, testLogger()),
			Trades: handler.NewTradeHandler(&fakeEngine{}, nil, testLogger()),
		},
		nil,
		testLogger(),
	)

	rec := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Contains(t, body.Checks["redis"], "connection refused")
}

func TestServer_EngineStartStop(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestServer(t, eng, nil, "")

	rec := doRequest(t, srv, http.MethodPost, "/api/engine/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.running)

	rec = doRequest(t, srv, http.MethodPost, "/api/engine/stop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.running)
}

func TestServer_EngineStartConflict(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("no enabled chain with endpoints")}
	srv := newTestServer(t, eng, nil, "")

	rec := doRequest(t, srv, http.MethodPost, "/api/engine/start", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no enabled chain")
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	eng := &fakeEngine{cfg: domain.EngineConfig{IntervalSeconds: 300, MinConfidence: 70}}
	srv := newTestServer(t, eng, nil, "")

	rec := doRequest(t, srv, http.MethodPut, "/api/engine/config",
		`{"interval_seconds": 120, "min_confidence": 85}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg domain.EngineConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 120, cfg.IntervalSeconds)
	assert.Equal(t, 85, cfg.MinConfidence)

	rec = doRequest(t, srv, http.MethodGet, "/api/engine/config", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 120, cfg.IntervalSeconds)
}

func TestServer_ConfigRejectsMalformedPatch(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, "")

	rec := doRequest(t, srv, http.MethodPut, "/api/engine/config", `{"interval_seconds": "soon"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ActiveTradesAlwaysArray(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/trades/active", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestServer_HistoryFromStoreWhenConfigured(t *testing.T) {
	store := &fakeHistoryStore{recent: []domain.Trade{
		{ID: "db-1", Status: domain.TradeCompleted},
		{ID: "db-2", Status: domain.TradeStopped},
	}}
	eng := &fakeEngine{history: []domain.Trade{{ID: "mem-1"}}}
	srv := newTestServer(t, eng, store, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/trades/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []domain.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 2)
	assert.Equal(t, "db-1", trades[0].ID)
}

func TestServer_HistoryMemorySourceNewestFirst(t *testing.T) {
	eng := &fakeEngine{history: []domain.Trade{
		{ID: "oldest"}, {ID: "middle"}, {ID: "newest"},
	}}
	srv := newTestServer(t, eng, &fakeHistoryStore{}, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/trades/history?source=memory&limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []domain.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 2)
	assert.Equal(t, "newest", trades[0].ID)
	assert.Equal(t, "middle", trades[1].ID)
}

func TestServer_HistoryStoreFailure(t *testing.T) {
	store := &fakeHistoryStore{err: errors.New("connection refused")}
	srv := newTestServer(t, &fakeEngine{}, store, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/trades/history", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	eng := &fakeEngine{stats: domain.EngineStats{TotalTrades: 3, TotalProfit: 25, WinRate: 66.67}}
	srv := newTestServer(t, eng, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats domain.EngineStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalTrades)
	assert.InDelta(t, 66.67, stats.WinRate, 0.001)
}

func TestServer_AuthRequired(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, "secret-key")

	rec := doRequest(t, srv, http.MethodGet, "/api/engine/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	hdr := http.Header{}
	hdr.Set("X-API-Key", "wrong")
	rec = doRequest(t, srv, http.MethodGet, "/api/engine/status", "", hdr)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	hdr.Set("X-API-Key", "secret-key")
	rec = doRequest(t, srv, http.MethodGet, "/api/engine/status", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)

	hdr = http.Header{}
	hdr.Set("Authorization", "Bearer secret-key")
	rec = doRequest(t, srv, http.MethodGet, "/api/engine/status", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil, "")

	hdr := http.Header{}
	hdr.Set("Origin", "https://dash.example.com")
	rec := doRequest(t, srv, http.MethodOptions, "/api/engine/status", "", hdr)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
