package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt2frame/framegate/pkg/config"
)

func TestNewLimiterMemory(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.Limits = []config.LimitConfig{{Name: "burst", Requests: 1, Window: cfg.Limits[0].Window}}

	lim, err := newLimiter(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, lim.run)
	assert.Nil(t, lim.close)

	ctx := context.Background()
	d, err := lim.Admit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = lim.Admit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, lim.reset(ctx, "10.0.0.1"))
	d, err = lim.Admit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLoadConfigValidates(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("listen: \":9090\"\n"), 0o644))
	cfg, err := loadConfig(good)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("breaker:\n  failure_threshold: -1\n"), 0o644))
	_, err = loadConfig(bad)
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
