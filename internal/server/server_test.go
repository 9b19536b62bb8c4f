package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/internal/server"
	"github.com/leapstack-labs/leapcube/internal/testutil"
	"github.com/leapstack-labs/leapcube/pkg/compiler"
)

func newServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	cfg.Logger = testutil.NewTestLogger(t)
	c, err := compiler.New(testutil.ShopModel(t), compiler.Options{Logger: cfg.Logger})
	require.NoError(t, err)
	return server.New(cfg, c)
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHandleSQL(t *testing.T) {
	h := newServer(t, server.Config{}).Handler()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "single query",
			body:       `{"query": {"measures": ["orders.count"], "dimensions": ["orders.status"]}}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				res := body["sql"].(map[string]any)
				assert.Contains(t, res["sql"], `"orders__count"`)
				assert.NotEmpty(t, res["requestId"])
				assert.Len(t, res["aliases"], 2)
			},
		},
		{
			name:       "security context from body",
			body:       `{"query": {"measures": ["customers.count"]}, "securityContext": {"tenant_id": "acme"}}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				res := body["sql"].(map[string]any)
				assert.Equal(t, []any{"acme"}, res["params"])
			},
		},
		{
			name:       "batch",
			body:       `{"query": [{"measures": ["orders.count"]}, {"measures": ["line_items.count"]}]}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				results := body["results"].([]any)
				require.Len(t, results, 2)
				assert.Contains(t, results[1].(map[string]any)["sql"], `"line_items__count"`)
			},
		},
		{
			name:       "unknown member",
			body:       `{"query": {"measures": ["orders.nope"]}}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "member_resolution", body["type"])
			},
		},
		{
			name:       "missing query",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "query is required", body["error"])
			},
		},
		{
			name:       "malformed body",
			body:       `{"query": `,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/v1/sql", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestHandlePreAggsAndMeta(t *testing.T) {
	h := newServer(t, server.Config{}).Handler()

	rec, body := do(t, h, http.MethodPost, "/v1/preaggs", `{"timezone": "UTC"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["preAggregations"])

	rec, body = do(t, h, http.MethodGet, "/v1/meta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cubes := body["cubes"].([]any)
	require.NotEmpty(t, cubes)
	assert.Equal(t, "orders", cubes[0].(map[string]any)["name"])

	rec, body = do(t, h, http.MethodGet, "/v1/join-path?cubes=orders,products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders", body["root"])
	assert.Len(t, body["joins"], 2)

	rec, _ = do(t, h, http.MethodGet, "/v1/join-path", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/v1/sql", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newServer(t, server.Config{RateLimit: server.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}}).Handler()

	for i := range 2 {
		rec, _ := do(t, h, http.MethodGet, "/v1/meta", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec, body := do(t, h, http.MethodGet, "/v1/meta", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// health checks are not limited
	rec, _ = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "model.yml", testutil.ShopYAML)
	s := newServer(t, server.Config{ModelPath: path})
	before := s.Compiler()

	require.NoError(t, s.Reload())
	assert.NotSame(t, before, s.Compiler())

	broken := testutil.WriteFile(t, dir, "model.yml", "cubes: [{name: x, sql_table: t, measures: [{name: m, type: bogus}]}]")
	require.Equal(t, path, broken)
	current := s.Compiler()
	require.Error(t, s.Reload())
	assert.Same(t, current, s.Compiler(), "failed reload keeps the current compiler")
}

func TestServeListener(t *testing.T) {
	s := newServer(t, server.Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/sql", "application/json",
		strings.NewReader(`{"query": {"measures": ["orders.count"]}}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
