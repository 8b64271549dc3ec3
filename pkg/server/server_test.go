package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt2frame/framegate/pkg/breaker"
	"github.com/prompt2frame/framegate/pkg/config"
	"github.com/prompt2frame/framegate/pkg/coordinator"
	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/ratelimit"
)

const testScript = `from manim import *

class Demo(Scene):
    def construct(self):
        self.play(Create(Circle()))`

type stubGenerator struct {
	mu  sync.Mutex
	err error
}

func (g *stubGenerator) GenerateScript(ctx context.Context, _ string, _ models.GenerateParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return testScript, g.err
}

type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(ctx context.Context, _ string, q models.Quality) (models.Artifact, error) {
	if r.err != nil {
		return models.Artifact{}, r.err
	}
	return models.Artifact{
		URL:        "http://renderer:8000/media/videos/demo_" + string(q) + ".mp4",
		RenderTime: 4321 * time.Millisecond,
		CodeLength: len(testScript),
	}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []models.GenerationRecord
}

func (m *memRecorder) Record(_ context.Context, rec models.GenerationRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv     *Server
	gen     *stubGenerator
	rend    *stubRenderer
	breaker *breaker.Breaker
	history *memRecorder
}

func setupServer(t *testing.T, ccfg coordinator.Config, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		gen:     &stubGenerator{},
		rend:    &stubRenderer{},
		history: &memRecorder{},
	}
	if ccfg.Breaker == nil {
		ccfg.Breaker = breaker.New(breaker.Settings{Name: "codegen", FailureThreshold: 2, Cooldown: time.Minute})
	}
	env.breaker = ccfg.Breaker
	if ccfg.Generator == nil {
		ccfg.Generator = env.gen
	}
	if ccfg.Renderer == nil {
		ccfg.Renderer = env.rend
	}
	coord, err := coordinator.New(ccfg)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Listen = ":0"
	cfg.Server.AdminToken = "admin-secret"
	opts = append([]Option{WithHistory(env.history)}, opts...)
	env.srv = New(cfg, coord, opts...)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

const generateBody = `{"prompt":"A red circle transforms into a square","quality":"m"}`

func TestGenerate(t *testing.T) {
	env := setupServer(t, coordinator.Config{})

	w := env.do(t, http.MethodPost, "/generate", generateBody, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Framegate-Cache"))

	var resp models.GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "http://renderer:8000/media/videos/demo_m.mp4", resp.VideoURL)
	assert.False(t, resp.Cached)
	assert.Equal(t, coordinator.RenderKey("A red circle transforms into a square", models.QualityMedium), resp.Fingerprint)
	assert.InDelta(t, 4.32, resp.RenderTime, 1e-9)
	assert.Equal(t, len(testScript), resp.CodeLength)
	assert.Equal(t, w.Header().Get("X-Correlation-ID"), resp.CorrelationID)
	_, err := uuid.Parse(resp.CorrelationID)
	assert.NoError(t, err)

	w = env.do(t, http.MethodPost, "/generate", `{"prompt":"a red circle   transforms into a SQUARE"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Framegate-Cache"))

	env.history.mu.Lock()
	defer env.history.mu.Unlock()
	require.Len(t, env.history.recs, 2)
	assert.Equal(t, models.OutcomeRendered, env.history.recs[0].Outcome)
	assert.Equal(t, models.OutcomeCacheHit, env.history.recs[1].Outcome)
	assert.Equal(t, "192.0.2.1", env.history.recs[0].ClientID)
}

func TestGenerateReusesCorrelationID(t *testing.T) {
	env := setupServer(t, coordinator.Config{})
	id := uuid.NewString()

	w := env.do(t, http.MethodPost, "/generate", generateBody, map[string]string{"X-Correlation-ID": id})
	assert.Equal(t, id, w.Header().Get("X-Correlation-ID"))

	w = env.do(t, http.MethodPost, "/generate", generateBody, map[string]string{"X-Correlation-ID": "not-a-uuid"})
	assert.NotEqual(t, "not-a-uuid", w.Header().Get("X-Correlation-ID"))
}

func TestGenerateBadRequests(t *testing.T) {
	env := setupServer(t, coordinator.Config{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `prompt=hi`},
		{"short prompt", `{"prompt":"hi"}`},
		{"bad quality", `{"prompt":"A red circle","quality":"4k"}`},
		{"unsafe prompt", `{"prompt":"exec('rm -rf /') in a circle"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/generate", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			e := decodeError(t, w)
			assert.Equal(t, "invalid_request", e.Type)
			assert.Equal(t, w.Header().Get("X-Correlation-ID"), e.CorrelationID)
			assert.NotEmpty(t, e.Suggestion)
		})
	}
}

func TestGenerateMethodNotAllowed(t *testing.T) {
	env := setupServer(t, coordinator.Config{})
	w := env.do(t, http.MethodGet, "/generate", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGenerateRateLimited(t *testing.T) {
	lim, err := ratelimit.NewMemory([]ratelimit.Limit{{Name: "per_minute", Requests: 1, Window: time.Minute}})
	require.NoError(t, err)
	env := setupServer(t, coordinator.Config{Limiter: lim})

	w := env.do(t, http.MethodPost, "/generate", generateBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/generate", generateBody, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	e := decodeError(t, w)
	assert.Equal(t, "rate_limited", e.Type)
	assert.Equal(t, 60, e.RetryAfter)
}

func TestGenerateUpstreamFailures(t *testing.T) {
	t.Run("generation", func(t *testing.T) {
		env := setupServer(t, coordinator.Config{})
		env.gen.err = errors.New("upstream 500")

		w := env.do(t, http.MethodPost, "/generate", generateBody, nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "generation_failed", decodeError(t, w).Type)
	})

	t.Run("render", func(t *testing.T) {
		env := setupServer(t, coordinator.Config{})
		env.rend.err = errors.New("manim exited 1")

		w := env.do(t, http.MethodPost, "/generate", generateBody, nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "render_failed", decodeError(t, w).Type)

		env.history.mu.Lock()
		defer env.history.mu.Unlock()
		require.Len(t, env.history.recs, 1)
		assert.Equal(t, models.OutcomeRenderFailed, env.history.recs[0].Outcome)
		assert.NotEmpty(t, env.history.recs[0].Fingerprint)
	})

	t.Run("timeout", func(t *testing.T) {
		env := setupServer(t, coordinator.Config{Generator: blockingGenerator{}, GenerateTimeout: 10 * time.Millisecond})

		w := env.do(t, http.MethodPost, "/generate", generateBody, nil)
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, "timeout", decodeError(t, w).Type)
	})
}

type blockingGenerator struct{}

func (blockingGenerator) GenerateScript(ctx context.Context, _ string, _ models.GenerateParams) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBreakerOpenAndHealth(t *testing.T) {
	env := setupServer(t, coordinator.Config{})
	env.gen.err = errors.New("upstream 503")

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	for range 2 {
		w = env.do(t, http.MethodPost, "/generate", generateBody, nil)
		require.Equal(t, http.StatusBadGateway, w.Code)
	}

	w = env.do(t, http.MethodPost, "/generate", generateBody, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "service_unavailable", decodeError(t, w).Type)

	w = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var h healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "open", h.Breaker)
	assert.Equal(t, "degraded", h.Status)
}

func TestHealthRendererCheck(t *testing.T) {
	env := setupServer(t, coordinator.Config{}, WithRendererCheck(pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	})))

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var h healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "unreachable", h.Renderer)
	assert.Equal(t, "closed", h.Breaker)
}

func TestStats(t *testing.T) {
	env := setupServer(t, coordinator.Config{})
	env.do(t, http.MethodPost, "/generate", generateBody, nil)
	env.do(t, http.MethodPost, "/generate", generateBody, nil)

	w := env.do(t, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats coordinator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats.Requests)
	assert.EqualValues(t, 1, stats.RenderCache.Hits)
	assert.Equal(t, "closed", stats.Breaker.State)
}

func TestAdminEndpoints(t *testing.T) {
	lim, err := ratelimit.NewMemory([]ratelimit.Limit{{Name: "per_minute", Requests: 1, Window: time.Minute}})
	require.NoError(t, err)
	env := setupServer(t, coordinator.Config{Limiter: lim}, WithRateLimitReset(func(_ context.Context, id string) error {
		lim.Reset(id)
		return nil
	}))
	auth := map[string]string{"Authorization": "Bearer admin-secret"}

	w := env.do(t, http.MethodPost, "/admin/breaker/reset", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	env.do(t, http.MethodPost, "/generate", generateBody, nil)
	w = env.do(t, http.MethodPost, "/generate", generateBody, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.do(t, http.MethodPost, "/admin/ratelimit/reset?client=192.0.2.1", "", auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/generate", generateBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/admin/ratelimit/reset", "", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for range 2 {
		_ = env.breaker.Call(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	require.Equal(t, breaker.Open, env.breaker.State())
	w = env.do(t, http.MethodPost, "/admin/breaker/reset", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, breaker.Closed, env.breaker.State())
}

func TestAdminRejectsWrongToken(t *testing.T) {
	env := setupServer(t, coordinator.Config{})

	for _, header := range []string{
		"Bearer admin-secre",
		"Bearer admin-secret2",
		"Bearer ADMIN-SECRET",
		"Bearer ",
		"admin-secret",
	} {
		w := env.do(t, http.MethodPost, "/admin/breaker/reset", "", map[string]string{"Authorization": header})
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}

	w := env.do(t, http.MethodPost, "/admin/breaker/reset", "", map[string]string{"Authorization": "Bearer admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	env := setupServer(t, coordinator.Config{})
	env.srv.cfg.Server.AdminToken = ""

	w := env.do(t, http.MethodPost, "/admin/breaker/reset", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		headers map[string]string
		want    string
	}{
		{"remote addr", false, nil, "192.0.2.1"},
		{"untrusted xff ignored", false, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"first xff hop", true, map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, "203.0.113.9"},
		{"real ip", true, map[string]string{"X-Real-IP": "198.51.100.4"}, "198.51.100.4"},
		{"xff wins over real ip", true, map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "198.51.100.4"}, "203.0.113.9"},
		{"trusted without headers", true, nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/generate", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIdentity(r, tt.trust))
		})
	}
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, retrySeconds(0))
	assert.Equal(t, 1, retrySeconds(200*time.Millisecond))
	assert.Equal(t, 31, retrySeconds(30*time.Second+time.Millisecond))
	assert.Equal(t, 60, retrySeconds(time.Minute))
}
