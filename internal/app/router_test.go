package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/adapter/httpserver"
	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/app"
	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/storage"
)

const routerSecret = "router-secret"

// routerBroker is an always-up broker for routing tests.
type routerBroker struct{}

func (routerBroker) Connect(context.Context) error                             { return nil }
func (routerBroker) Disconnect() error                                         { return nil }
func (routerBroker) Ready() bool                                               { return true }
func (routerBroker) Depth(context.Context, string) (int64, error)              { return 0, nil }
func (routerBroker) Consume(context.Context, string, domain.MessageHandler) error { return nil }

func (routerBroker) Publish(context.Context, string, any, string, bool) error { return nil }

func (routerBroker) PublishResilient(context.Context, string, any, string, time.Duration) bool {
	return true
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New("redis://" + mr.Addr())
	require.NoError(t, kv.Connect(context.Background()))
	t.Cleanup(func() { _ = kv.Disconnect() })

	cfg := config.Config{
		InputQueue:       "agent.mandates",
		DailyTickLimit:   1000,
		JWTSecret:        routerSecret,
		RateLimitPerMin:  1000,
		CORSAllowOrigins: "*",
		OTELServiceName:  "agentgrid",
	}
	store := storage.New(kv)
	quota := rediskv.NewQuotaManager(kv, cfg.DailyTickLimit)
	tokens := httpserver.NewJWTValidator(cfg.JWTSecret)
	srv := httpserver.NewServer(cfg, routerBroker{}, store, quota, tokens, kv)
	return app.BuildRouter(cfg, srv)
}

func routerBearer(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(routerSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestRouter_TaskRoutesAtBareAndVersionedPaths(t *testing.T) {
	t.Parallel()
	router := newRouter(t)
	auth := routerBearer(t, "u-1")

	for _, path := range []string{"/tasks", "/v1/tasks"} {
		body, err := json.Marshal(map[string]any{"mandate": "m", "max_ticks": 2})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", auth)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, path)

		var resp struct {
			CorrelationID string `json:"correlation_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.CorrelationID)

		for _, statusPath := range []string{"/tasks/", "/v1/tasks/"} {
			get := httptest.NewRequest(http.MethodGet, statusPath+resp.CorrelationID, nil)
			get.Header.Set("Authorization", auth)
			out := httptest.NewRecorder()
			router.ServeHTTP(out, get)
			assert.Equal(t, http.StatusOK, out.Code, statusPath)
		}
	}
}

func TestRouter_TaskRoutesRequireAuth(t *testing.T) {
	t.Parallel()
	router := newRouter(t)

	for _, path := range []string{"/tasks", "/v1/tasks"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"mandate":"m"}`)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRouter_OperationalRoutes(t *testing.T) {
	t.Parallel()
	router := newRouter(t)

	for _, path := range []string{"/agents/count", "/v1/agents/count", "/health", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, app.ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example , https://b.example "))
}
