package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prompt2frame/framegate/pkg/breaker"
	cachepkg "github.com/prompt2frame/framegate/pkg/cache/sqlite"
	"github.com/prompt2frame/framegate/pkg/config"
	"github.com/prompt2frame/framegate/pkg/coordinator"
	"github.com/prompt2frame/framegate/pkg/history"
	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/ratelimit"
	"github.com/prompt2frame/framegate/pkg/server"
	"github.com/prompt2frame/framegate/pkg/upstream/codegen"
	"github.com/prompt2frame/framegate/pkg/upstream/renderer"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the generation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting framegate", "config", configPath, "version", version)
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// limiter bundles the configured rate limiter with its admin and
// maintenance hooks.
type limiter struct {
	ratelimit.Limiter
	reset func(ctx context.Context, clientID string) error
	run   func(ctx context.Context) error
	close func() error
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig) (*limiter, error) {
	limits := cfg.RateLimits()
	switch cfg.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		rl, err := ratelimit.NewRedis(client, limits, ratelimit.WithKeyPrefix(cfg.KeyPrefix))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &limiter{
			Limiter: rl,
			reset:   rl.Reset,
			close:   client.Close,
		}, nil
	default:
		ml, err := ratelimit.NewMemory(limits)
		if err != nil {
			return nil, err
		}
		return &limiter{
			Limiter: ml,
			reset: func(_ context.Context, clientID string) error {
				ml.Reset(clientID)
				return nil
			},
			run: func(ctx context.Context) error { return ml.Run(ctx, cfg.SweepInterval.Std()) },
		}, nil
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	genOpts := []codegen.Option{codegen.WithHTTPClient(&http.Client{Timeout: cfg.Codegen.Timeout.Std()})}
	if cfg.Codegen.SystemPrompt != "" {
		genOpts = append(genOpts, codegen.WithSystemPrompt(cfg.Codegen.SystemPrompt))
	}
	gen := codegen.New(cfg.Codegen.URL, cfg.Codegen.APIKey, genOpts...)
	rend := renderer.New(cfg.Renderer.URL,
		renderer.WithHTTPClient(&http.Client{Timeout: cfg.Renderer.Timeout.Std()}),
		renderer.WithRenderTimeout(cfg.Renderer.RenderTimeout.Std()),
	)

	b := breaker.New(breaker.Settings{
		Name:             "codegen",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow.Std(),
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	ccfg := coordinator.Config{
		Generator: gen,
		Renderer:  rend,
		Breaker:   b,
		Params: models.GenerateParams{
			Model:       cfg.Codegen.Model,
			Temperature: cfg.Codegen.Temperature,
			MaxTokens:   cfg.Codegen.MaxTokens,
		},
		PromptTTL:        cfg.Cache.PromptTTL.Std(),
		RenderTTL:        cfg.Cache.RenderTTL.Std(),
		PromptMaxEntries: cfg.Cache.PromptMaxEntries,
		RenderMaxEntries: cfg.Cache.RenderMaxEntries,
		CacheShards:      cfg.Cache.Shards,
		GenerateTimeout:  cfg.Codegen.Timeout.Std(),
		RenderTimeout:    cfg.Renderer.Timeout.Std(),
		Logger:           logger,
	}

	srvOpts := []server.Option{server.WithLogger(logger), server.WithRendererCheck(rend)}

	var lim *limiter
	if cfg.RateLimit.Enabled {
		var err error
		lim, err = newLimiter(ctx, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		if lim.close != nil {
			defer func() { _ = lim.close() }()
		}
		ccfg.Limiter = lim
		srvOpts = append(srvOpts, server.WithRateLimitReset(lim.reset))
	}

	var store *cachepkg.Store
	if cfg.Cache.Persist {
		var err error
		store, err = cachepkg.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("init artifact store: %w", err)
		}
		defer func() { _ = store.Close() }()
		ccfg.Store = store
	}

	if cfg.History.Enabled {
		hist, err := history.New(cfg.DBPath, cfg.History.Retention.Std())
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer func() { _ = hist.Close() }()
		srvOpts = append(srvOpts, server.WithHistory(hist))
	}

	coord, err := coordinator.New(ccfg)
	if err != nil {
		return err
	}

	if store != nil {
		entries, err := store.Live(ctx)
		if err != nil {
			return fmt.Errorf("load artifacts: %w", err)
		}
		logger.Info("render cache preloaded", "entries", coord.Preload(entries))
	}

	srv := server.New(cfg, coord, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return coord.Run(gctx, cfg.Cache.SweepInterval.Std()) })
	if store != nil {
		g.Go(func() error {
			if err := store.Run(gctx, cfg.Cache.SweepInterval.Std()); err != nil {
				logger.Error("artifact store sweeper stopped", "error", err)
			}
			return nil
		})
	}
	if lim != nil && lim.run != nil {
		g.Go(func() error { return lim.run(gctx) })
	}

	err = g.Wait()
	logger.Info("framegate stopped")
	return err
}
