// Package coordinator turns generation requests into rendered artifacts.
//
// A request is admitted by the rate limiter, fingerprinted, and answered
// from the render cache when possible. Otherwise exactly one computation per
// fingerprint runs: the script comes from the prompt cache or from the
// code-generation service behind a circuit breaker, and is then rendered.
// Concurrent requests for the same fingerprint share that computation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prompt2frame/framegate/pkg/breaker"
	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/ratelimit"
	"github.com/prompt2frame/framegate/pkg/ttlcache"
	"github.com/prompt2frame/framegate/pkg/validate"
)

// ScriptGenerator turns a prompt into an animation script.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, prompt string, params models.GenerateParams) (string, error)
}

// Renderer turns a script into a rendered artifact.
type Renderer interface {
	Render(ctx context.Context, script string, quality models.Quality) (models.Artifact, error)
}

// ArtifactStore durably records rendered artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, entry models.ArtifactEntry) error
}

// Config wires a Coordinator. Generator and Renderer are required.
type Config struct {
	Generator ScriptGenerator
	Renderer  Renderer
	// Limiter is optional; nil admits every request.
	Limiter ratelimit.Limiter
	// Breaker guards the generator. A default breaker is built when nil.
	Breaker *breaker.Breaker
	// Store is optional.
	Store  ArtifactStore
	Params models.GenerateParams

	PromptTTL        time.Duration
	RenderTTL        time.Duration
	PromptMaxEntries int
	RenderMaxEntries int
	CacheShards      int

	GenerateTimeout time.Duration
	RenderTimeout   time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Requests    int64             `json:"requests"`
	PromptCache models.CacheStats `json:"prompt_cache"`
	RenderCache models.CacheStats `json:"render_cache"`
	Breaker     breaker.Snapshot  `json:"breaker"`
	RateLimit   *ratelimit.Stats  `json:"rate_limit,omitempty"`
	InFlight    int               `json:"in_flight"`

	// RenderFlights and ScriptFlights count computations started; joins
	// onto a running computation are counted in DedupJoins instead.
	RenderFlights int64 `json:"render_flights"`
	ScriptFlights int64 `json:"script_flights"`
	DedupJoins    int64 `json:"dedup_joins"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	breaker *breaker.Breaker

	prompts *ttlcache.Cache[string, string]
	renders *ttlcache.Cache[string, models.Artifact]

	renderFlights *inflight[models.Artifact]
	scriptFlights *inflight[string]

	requests atomic.Int64
}

// New validates cfg, applies defaults and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Generator == nil {
		return nil, errors.New("coordinator: script generator is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("coordinator: renderer is required")
	}
	if cfg.PromptTTL <= 0 {
		cfg.PromptTTL = 24 * time.Hour
	}
	if cfg.RenderTTL <= 0 {
		cfg.RenderTTL = 7 * 24 * time.Hour
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 60 * time.Second
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Breaker
	if b == nil {
		b = breaker.New(breaker.Settings{Name: "codegen", Clock: cfg.Clock})
	}

	return &Coordinator{
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		breaker: b,
		prompts: ttlcache.New[string, string](ttlcache.Config{
			Shards:     cfg.CacheShards,
			MaxEntries: cfg.PromptMaxEntries,
			Clock:      cfg.Clock,
		}),
		renders: ttlcache.New[string, models.Artifact](ttlcache.Config{
			Shards:     cfg.CacheShards,
			MaxEntries: cfg.RenderMaxEntries,
			Clock:      cfg.Clock,
		}),
		renderFlights: newInflight[models.Artifact](),
		scriptFlights: newInflight[string](),
	}, nil
}

// Breaker returns the breaker guarding the code-generation service.
func (c *Coordinator) Breaker() *breaker.Breaker { return c.breaker }

// Generate returns the artifact for prompt at the given quality. An empty
// quality selects medium. Failures are *Error values matching one of the
// package sentinels, except that a caller whose ctx ends while waiting gets
// ctx.Err() and the shared computation carries on for the others.
func (c *Coordinator) Generate(ctx context.Context, clientID, prompt string, quality models.Quality) (models.Artifact, error) {
	c.requests.Add(1)

	if err := c.admit(ctx, clientID); err != nil {
		return models.Artifact{}, err
	}

	if err := validate.Prompt(prompt); err != nil {
		return models.Artifact{}, invalid("%w", err)
	}
	q, err := models.ParseQuality(string(quality))
	if err != nil {
		return models.Artifact{}, invalid("%w", err)
	}
	clean := validate.SanitizePrompt(prompt)
	rk := RenderKey(clean, q)

	if art, ok := c.renders.Get(rk); ok {
		art.Cached = true
		return art, nil
	}

	art, shared, err := c.renderFlights.do(ctx, rk, func() (models.Artifact, error) {
		return c.produce(context.WithoutCancel(ctx), rk, clean, q)
	})
	if err != nil {
		return models.Artifact{}, err
	}
	if shared {
		c.logger.DebugContext(ctx, "joined in-flight render", "fingerprint", rk)
	}
	return art, nil
}

func (c *Coordinator) admit(ctx context.Context, clientID string) error {
	if c.cfg.Limiter == nil {
		return nil
	}
	d, err := c.cfg.Limiter.Admit(ctx, clientID)
	if err != nil {
		// Fail open.
		c.logger.WarnContext(ctx, "rate limiter unavailable, admitting request", "client", clientID, "error", err)
		return nil
	}
	if !d.Allowed {
		c.logger.InfoContext(ctx, "rate limited", "client", clientID, "limit", d.Limit, "retry_after", d.RetryAfter)
		return &Error{
			Kind:       ErrRateLimited,
			RetryAfter: d.RetryAfter,
			Err:        fmt.Errorf("limit %q exceeded", d.Limit),
		}
	}
	return nil
}

// produce runs one render flight. ctx carries the originating request's
// values but none of its cancellation.
func (c *Coordinator) produce(ctx context.Context, rk, prompt string, q models.Quality) (models.Artifact, error) {
	// A flight that finished between the caller's cache miss and this one
	// starting has already filled the cache.
	if art, ok := c.renders.Get(rk); ok {
		art.Cached = true
		return art, nil
	}

	script, err := c.script(ctx, prompt)
	if err != nil {
		return models.Artifact{}, withFingerprint(err, rk)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RenderTimeout)
	defer cancel()
	start := c.cfg.Clock()
	art, err := c.cfg.Renderer.Render(rctx, script, q)
	if err != nil {
		c.logger.WarnContext(ctx, "render failed", "fingerprint", rk, "quality", q, "error", err)
		return models.Artifact{}, withFingerprint(stageError(ErrRenderFailed, err), rk)
	}

	art.Fingerprint = rk
	art.Quality = q
	art.Cached = false
	if art.CodeLength == 0 {
		art.CodeLength = len(script)
	}
	if art.RenderTime == 0 {
		art.RenderTime = c.cfg.Clock().Sub(start)
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = c.cfg.Clock()
	}
	c.renders.Put(rk, art, c.cfg.RenderTTL)

	if c.cfg.Store != nil {
		entry := models.ArtifactEntry{
			Fingerprint: rk,
			Prompt:      prompt,
			Artifact:    art,
			CreatedAt:   art.CreatedAt,
			TTL:         c.cfg.RenderTTL,
		}
		if err := c.cfg.Store.Put(ctx, entry); err != nil {
			c.logger.ErrorContext(ctx, "persist artifact", "fingerprint", rk, "error", err)
		}
	}

	c.logger.InfoContext(ctx, "rendered", "fingerprint", rk, "quality", q, "render_time", art.RenderTime)
	return art, nil
}

// script resolves the generated script for prompt, sharing one
// code-generation call between every quality of the same prompt.
func (c *Coordinator) script(ctx context.Context, prompt string) (string, error) {
	pk := PromptKey(prompt)
	if s, ok := c.prompts.Get(pk); ok {
		return s, nil
	}

	s, _, err := c.scriptFlights.do(ctx, pk, func() (string, error) {
		if s, ok := c.prompts.Get(pk); ok {
			return s, nil
		}

		gctx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		defer cancel()
		s, err := breaker.Do(gctx, c.breaker, func(ctx context.Context) (string, error) {
			raw, err := c.cfg.Generator.GenerateScript(ctx, prompt, c.cfg.Params)
			if err != nil {
				return "", err
			}
			s := validate.CleanScript(raw)
			if err := validate.Script(s); err != nil {
				return "", err
			}
			return s, nil
		})
		if err != nil {
			return "", c.generationError(ctx, pk, err)
		}

		c.prompts.Put(pk, s, c.cfg.PromptTTL)
		return s, nil
	})
	return s, err
}

func (c *Coordinator) generationError(ctx context.Context, pk string, err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		c.logger.WarnContext(ctx, "code generation rejected, circuit open", "prompt_key", pk)
		return &Error{
			Kind:       ErrServiceUnavailable,
			RetryAfter: c.breaker.RetryAfter(),
			Err:        err,
		}
	}
	c.logger.WarnContext(ctx, "code generation failed", "prompt_key", pk, "error", err)
	return stageError(ErrGenerationFailed, err)
}

// Preload seeds the render cache from durably stored entries, keeping only
// those still live. It returns how many were loaded.
func (c *Coordinator) Preload(entries []models.ArtifactEntry) int {
	now := c.cfg.Clock()
	n := 0
	for _, e := range entries {
		left := e.TTL - now.Sub(e.CreatedAt)
		if left <= 0 {
			continue
		}
		art := e.Artifact
		art.Fingerprint = e.Fingerprint
		c.renders.Put(e.Fingerprint, art, left)
		n++
	}
	return n
}

// Sweep drops expired entries from both caches and returns how many.
func (c *Coordinator) Sweep() int {
	return c.prompts.Sweep() + c.renders.Sweep()
}

// Run sweeps both caches every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}

// Stats returns cache, breaker, limiter and single-flight counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Requests:      c.requests.Load(),
		PromptCache:   c.prompts.Stats(),
		RenderCache:   c.renders.Stats(),
		Breaker:       c.breaker.Snapshot(),
		InFlight:      c.renderFlights.len(),
		RenderFlights: c.renderFlights.started.Load(),
		ScriptFlights: c.scriptFlights.started.Load(),
		DedupJoins:    c.renderFlights.joined.Load() + c.scriptFlights.joined.Load(),
	}
	if c.cfg.Limiter != nil {
		ls := c.cfg.Limiter.Stats()
		s.RateLimit = &ls
	}
	return s
}
