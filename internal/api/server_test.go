package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stellarsim/internal/engine"
	"github.com/seantiz/stellarsim/internal/events"
	"github.com/seantiz/stellarsim/internal/store"
)

// fixedRand returns the same draw every time.
type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64 { return f.v }

// drawComplete never trips the single or batch failure roll.
const drawComplete = 0.5

type testEnv struct {
	srv    *Server
	eng    *engine.Engine
	store  store.Store
	broker *events.Broker
	ts     *httptest.Server
	hook   *logtest.Hook
}

func newTestEnv(t *testing.T, draw float64, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithUnit(t, draw, time.Millisecond, opts)
}

func newTestEnvWithUnit(t *testing.T, draw float64, unit time.Duration, opts Options) *testEnv {
	t.Helper()

	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	s := store.WithNotifications(mem, broker)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	eng := engine.New(s, logger, engine.Options{
		TimeUnit: unit,
		Random:   fixedRand{v: draw},
	})

	srv := NewServer(":0", s, eng, broker, logger, opts)
	t.Cleanup(srv.Close)
	t.Cleanup(eng.Wait)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, eng: eng, store: s, broker: broker, ts: ts, hook: hook}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, drawComplete, Options{}).srv
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRequestsAreLogged(t *testing.T) {
	env := newTestEnv(t, drawComplete, Options{})

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, e := range env.hook.AllEntries() {
		if e.Message == "Request" && e.Data["path"] == "/healthz" {
			found = true
			assert.Equal(t, http.StatusOK, e.Data["status"])
			assert.Equal(t, "api", e.Data["component"])
		}
	}
	assert.True(t, found, "request log entry missing")
}

func TestPagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultListLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=0", defaultListLimit, 0},
		{"?limit=1000", defaultListLimit, 0},
		{"?limit=abc&offset=-3", defaultListLimit, 0},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/jobs"+tt.query, nil)
		limit, offset := pagination(r)
		assert.Equal(t, tt.wantLimit, limit, tt.query)
		assert.Equal(t, tt.wantOffset, offset, tt.query)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestEnv(t, drawComplete, Options{RateLimit: 10, CorrelationTTL: time.Minute}).srv
	srv.Close()
	srv.Close()
}
