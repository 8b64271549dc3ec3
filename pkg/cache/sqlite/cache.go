// Package sqlite persists rendered artifacts so the render cache survives
// restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prompt2frame/framegate/pkg/models"
)

// Store is a durable artifact store backed by SQLite. Entries are keyed by
// render fingerprint and expire once created_at + ttl has passed.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

const createArtifactsTable = `
CREATE TABLE IF NOT EXISTS artifacts (
	fingerprint TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	quality TEXT NOT NULL,
	artifact BLOB NOT NULL,
	created_at_ms INTEGER NOT NULL,
	ttl_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON artifacts(created_at_ms, ttl_ms);
`

// New opens (or creates) the store at dbPath. Writers wait up to five
// seconds for the database lock, so the file can be shared with the
// history log.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createArtifactsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artifact db: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// Put stores or replaces the entry for e.Fingerprint.
func (s *Store) Put(ctx context.Context, e models.ArtifactEntry) error {
	data, err := json.Marshal(e.Artifact)
	if err != nil {
		return fmt.Errorf("artifact put: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (fingerprint, prompt, quality, artifact, created_at_ms, ttl_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, e.Prompt, string(e.Artifact.Quality), data, created.UnixMilli(), e.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("artifact put: %w", err)
	}
	return nil
}

// Get returns the live entry for fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (models.ArtifactEntry, bool) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, prompt, artifact, created_at_ms, ttl_ms FROM artifacts
		 WHERE fingerprint = ? AND created_at_ms + ttl_ms > ?`,
		fingerprint, s.nowMs(),
	)
	e, err := scanEntry(row)
	if err != nil {
		s.misses.Add(1)
		return models.ArtifactEntry{}, false
	}
	s.hits.Add(1)
	return e, true
}

// Live returns every entry that has not expired, newest first.
func (s *Store) Live(ctx context.Context) ([]models.ArtifactEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, prompt, artifact, created_at_ms, ttl_ms FROM artifacts
		 WHERE created_at_ms + ttl_ms > ? ORDER BY created_at_ms DESC`,
		s.nowMs(),
	)
	if err != nil {
		return nil, fmt.Errorf("artifact live: %w", err)
	}
	defer rows.Close()

	var out []models.ArtifactEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("artifact live: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (models.ArtifactEntry, error) {
	var (
		e         models.ArtifactEntry
		data      []byte
		createdMs int64
		ttlMs     int64
	)
	if err := sc.Scan(&e.Fingerprint, &e.Prompt, &data, &createdMs, &ttlMs); err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e.Artifact); err != nil {
		return e, fmt.Errorf("decode artifact %s: %w", e.Fingerprint, err)
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.Artifact.Fingerprint = e.Fingerprint
	return e, nil
}

// Stats returns lookup counters and the number of stored rows, expired or
// not.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var count, expired int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN created_at_ms + ttl_ms <= ? THEN 1 ELSE 0 END), 0) FROM artifacts`,
		s.nowMs(),
	).Scan(&count, &expired)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("artifact stats: %w", err)
	}
	return models.CacheStats{
		Entries:     count,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Expirations: expired,
	}, nil
}

// Clear removes entries and returns how many. If expiredOnly is true, only
// expired entries are removed.
func (s *Store) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE created_at_ms + ttl_ms <= ?`, s.nowMs())
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM artifacts`)
	}
	if err != nil {
		return 0, fmt.Errorf("artifact clear: %w", err)
	}
	return res.RowsAffected()
}

// Run removes expired entries every interval until ctx is done. It stops
// and returns the first sweep error.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
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
			if _, err := s.Clear(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
