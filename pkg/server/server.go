// Package server is the HTTP front of framegate.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prompt2frame/framegate/pkg/breaker"
	"github.com/prompt2frame/framegate/pkg/config"
	"github.com/prompt2frame/framegate/pkg/coordinator"
	"github.com/prompt2frame/framegate/pkg/models"
)

// Recorder stores generation outcomes.
type Recorder interface {
	Record(ctx context.Context, rec models.GenerationRecord) error
}

// Pinger checks that a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the generation API.
type Server struct {
	cfg        *config.Config
	coord      *coordinator.Coordinator
	history    Recorder
	renderer   Pinger
	resetLimit func(ctx context.Context, clientID string) error
	logger     *slog.Logger
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithHistory records every generation request.
func WithHistory(r Recorder) Option {
	return func(s *Server) { s.history = r }
}

// WithRendererCheck makes /health report whether the renderer answers.
func WithRendererCheck(p Pinger) Option {
	return func(s *Server) { s.renderer = p }
}

// WithRateLimitReset enables POST /admin/ratelimit/reset.
func WithRateLimitReset(fn func(ctx context.Context, clientID string) error) Option {
	return func(s *Server) { s.resetLimit = fn }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server wired to the coordinator.
func New(cfg *config.Config, c *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		coord:  c,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/generate", s.handleGenerate)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/admin/breaker/reset", s.admin(s.handleBreakerReset))
	s.mux.HandleFunc("/admin/ratelimit/reset", s.admin(s.handleRateLimitReset))
	return s
}

type ctxKey struct{}

// CorrelationID returns the request's correlation ID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ServeHTTP implements http.Handler. Every response carries an
// X-Correlation-ID header; a valid UUID supplied by the client is reused.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Correlation-ID")
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set("X-Correlation-ID", id)
	s.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("framegate listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, r, http.StatusMethodNotAllowed, apiError{Type: "method_not_allowed", Message: "method not allowed"})
		return
	}
	start := time.Now()
	ctx := r.Context()
	clientID := clientIdentity(r, s.cfg.Server.TrustProxyHeaders)

	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.record(ctx, clientID, "", "", models.OutcomeInvalid, start)
		writeJSONError(w, r, http.StatusBadRequest, apiError{
			Type:       "invalid_request",
			Message:    "request body must be JSON with a prompt field",
			Suggestion: `Send {"prompt": "...", "quality": "m"}.`,
		})
		return
	}
	r.Body.Close()

	if timeout := s.cfg.Server.RequestTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	quality := models.Quality(req.Quality)
	art, err := s.coord.Generate(ctx, clientID, req.Prompt, quality)
	if err != nil {
		var fp string
		var ce *coordinator.Error
		if errors.As(err, &ce) {
			fp = ce.Fingerprint
		}
		outcome := outcomeOf(err)
		s.record(ctx, clientID, fp, quality, outcome, start)

		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			s.logger.InfoContext(ctx, "client went away", "correlation_id", CorrelationID(ctx), "client", clientID)
			return
		}
		status, body := describeError(err)
		if status >= 500 {
			s.logger.WarnContext(ctx, "generate failed",
				"correlation_id", CorrelationID(ctx), "client", clientID, "status", status, "error", err)
		}
		writeJSONError(w, r, status, body)
		return
	}

	outcome := models.OutcomeRendered
	cacheHeader := "miss"
	if art.Cached {
		outcome = models.OutcomeCacheHit
		cacheHeader = "hit"
	}
	s.record(ctx, clientID, art.Fingerprint, art.Quality, outcome, start)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Framegate-Cache", cacheHeader)
	json.NewEncoder(w).Encode(models.GenerateResponse{
		VideoURL:      art.URL,
		Cached:        art.Cached,
		Fingerprint:   art.Fingerprint,
		RenderTime:    math.Round(art.RenderTime.Seconds()*100) / 100,
		CodeLength:    art.CodeLength,
		CorrelationID: CorrelationID(ctx),
	})
}

func (s *Server) record(ctx context.Context, clientID, fp string, q models.Quality, outcome models.Outcome, start time.Time) {
	if s.history == nil {
		return
	}
	rec := models.GenerationRecord{
		CorrelationID: CorrelationID(ctx),
		ClientID:      clientID,
		Fingerprint:   fp,
		Quality:       q,
		Outcome:       outcome,
		LatencyMs:     time.Since(start).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.ErrorContext(ctx, "record generation", "error", err)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Breaker  string `json:"breaker"`
	Renderer string `json:"renderer,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.coord.Breaker().State()
	resp := healthResponse{Status: "ok", Breaker: state.String()}
	status := http.StatusOK
	if state != breaker.Closed {
		resp.Status = "degraded"
	}
	if state == breaker.Open {
		status = http.StatusServiceUnavailable
		if ra := s.coord.Breaker().RetryAfter(); ra > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(ra))
		}
	}

	if s.renderer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Renderer = "ok"
		if err := s.renderer.Ping(ctx); err != nil {
			resp.Renderer = "unreachable"
			resp.Status = "degraded"
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

// admin guards h with the configured bearer token. Admin endpoints do not
// exist when no token is configured.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(extractBearer(r)), []byte(s.cfg.Server.AdminToken)) != 1 {
			writeJSONError(w, r, http.StatusUnauthorized, apiError{Type: "unauthorized", Message: "missing or invalid admin token"})
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, r, http.StatusMethodNotAllowed, apiError{Type: "method_not_allowed", Message: "method not allowed"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.coord.Breaker().Reset()
	s.logger.InfoContext(r.Context(), "breaker reset by admin", "correlation_id", CorrelationID(r.Context()))
	writeJSON(w, http.StatusOK, s.coord.Breaker().Snapshot())
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if s.resetLimit == nil {
		writeJSONError(w, r, http.StatusNotImplemented, apiError{Type: "not_supported", Message: "rate limiting is disabled"})
		return
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		writeJSONError(w, r, http.StatusBadRequest, apiError{Type: "invalid_request", Message: "client query parameter is required"})
		return
	}
	if err := s.resetLimit(r.Context(), client); err != nil {
		s.logger.ErrorContext(r.Context(), "rate limit reset", "client", client, "error", err)
		writeJSONError(w, r, http.StatusInternalServerError, apiError{Type: "internal_error", Message: "reset failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": client})
}

// clientIdentity returns the rate-limit identity for r. Proxy headers are
// only honoured when trusted: the first X-Forwarded-For hop, then
// X-Real-IP. Otherwise the connection's remote host is used.
func clientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
