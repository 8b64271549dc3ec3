package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prompt2frame/framegate/pkg/history"
	"github.com/prompt2frame/framegate/pkg/models"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	dbPath := filepath.Join(t.TempDir(), "artifacts_test.db")
	s, err := New(dbPath, WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func entry(fp string, created time.Time, ttl time.Duration) models.ArtifactEntry {
	return models.ArtifactEntry{
		Fingerprint: fp,
		Prompt:      "a red circle transforms into a square",
		Artifact: models.Artifact{
			URL:        "http://renderer:8080/media/videos/" + fp + ".mp4",
			Quality:    models.QualityMedium,
			RenderTime: 3 * time.Second,
			CodeLength: 240,
			CreatedAt:  created,
		},
		CreatedAt: created,
		TTL:       ttl,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	if err := s.Put(ctx, entry("fp1", clk.now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Artifact.URL != "http://renderer:8080/media/videos/fp1.mp4" {
		t.Errorf("unexpected url: %s", got.Artifact.URL)
	}
	if got.Artifact.Fingerprint != "fp1" {
		t.Errorf("fingerprint not restored: %q", got.Artifact.Fingerprint)
	}
	if got.TTL != time.Hour {
		t.Errorf("ttl = %s, want 1h", got.TTL)
	}
	if !got.CreatedAt.Equal(clk.now) {
		t.Errorf("created_at = %s, want %s", got.CreatedAt, clk.now)
	}

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown fingerprint")
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	if err := s.Put(ctx, entry("fp1", clk.now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(time.Hour - time.Millisecond)
	if _, ok := s.Get(ctx, "fp1"); !ok {
		t.Error("expected hit just before expiry")
	}

	clk.now = clk.now.Add(time.Millisecond)
	if _, ok := s.Get(ctx, "fp1"); ok {
		t.Error("expected miss at expiry")
	}
}

func TestLive(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	start := clk.now

	_ = s.Put(ctx, entry("old", start.Add(-2*time.Hour), time.Hour))
	_ = s.Put(ctx, entry("a", start.Add(-time.Minute), time.Hour))
	_ = s.Put(ctx, entry("b", start, time.Hour))

	live, err := s.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(live))
	}
	if live[0].Fingerprint != "b" || live[1].Fingerprint != "a" {
		t.Errorf("unexpected order: %s, %s", live[0].Fingerprint, live[1].Fingerprint)
	}
}

func TestPutReplaces(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	_ = s.Put(ctx, entry("fp1", clk.now, time.Hour))
	e := entry("fp1", clk.now, 2*time.Hour)
	e.Artifact.URL = "http://renderer:8080/media/videos/new.mp4"
	if err := s.Put(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Artifact.URL != e.Artifact.URL {
		t.Errorf("entry not replaced: %s", got.Artifact.URL)
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	_ = s.Put(ctx, entry("h1", clk.now, time.Hour))
	_ = s.Put(ctx, entry("h2", clk.now.Add(-2*time.Hour), time.Hour))
	s.Get(ctx, "h1") // hit
	s.Get(ctx, "h2") // miss, expired

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 2 {
		t.Errorf("expected 2 entries, got %d", stats.Entries)
	}
	if stats.Expirations != 1 {
		t.Errorf("expected 1 expired, got %d", stats.Expirations)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	_ = s.Put(ctx, entry("h1", clk.now, time.Hour))
	_ = s.Put(ctx, entry("h2", clk.now.Add(-2*time.Hour), time.Hour))

	n, err := s.Clear(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", n)
	}
	if _, ok := s.Get(ctx, "h1"); !ok {
		t.Error("live entry should survive expired-only clear")
	}

	if _, err := s.Clear(ctx, false); err != nil {
		t.Fatal(err)
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}

func TestConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	const writers = 200
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, entry(fmt.Sprintf("fp%03d", i), clk.now, time.Hour))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	live, err := s.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != writers {
		t.Errorf("live entries = %d, want %d", len(live), writers)
	}
}

func TestSharedFileWithHistory(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "framegate_test.db")
	now := time.Now()

	s, err := New(dbPath, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h, err := history.New(dbPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })

	const writers = 100
	errs := make(chan error, 2*writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, entry(fmt.Sprintf("fp%03d", i), now, time.Hour))
		}()
		go func() {
			defer wg.Done()
			errs <- h.Record(ctx, models.GenerationRecord{
				CorrelationID: fmt.Sprintf("corr-%d", i),
				ClientID:      "10.0.0.1",
				Fingerprint:   fmt.Sprintf("fp%03d", i),
				Quality:       models.QualityMedium,
				Outcome:       models.OutcomeRendered,
				CreatedAt:     now,
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
	live, err := s.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != writers {
		t.Errorf("live entries = %d, want %d", len(live), writers)
	}
	recs, err := h.Query(ctx, history.QueryOpts{Limit: writers * 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != writers {
		t.Errorf("history records = %d, want %d", len(recs), writers)
	}
}
