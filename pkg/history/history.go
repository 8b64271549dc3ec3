// Package history keeps a SQLite log of generation outcomes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prompt2frame/framegate/pkg/models"
)

// Log writes and queries generation records.
type Log struct {
	db        *sql.DB
	retention time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
}

// QueryOpts filters Query results. Zero fields match everything.
type QueryOpts struct {
	ClientID string
	Outcome  models.Outcome
	Since    time.Time
	Limit    int
}

// pragmas make writers wait for the lock instead of failing with
// SQLITE_BUSY. The file is shared with the artifact store.
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// New opens the history database at dbPath. When retention is positive a
// background loop deletes older records every hour until Close.
func New(dbPath string, retention time.Duration) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	l := &Log{db: db, retention: retention, done: make(chan struct{})}
	if retention > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS generations (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		client_id      TEXT NOT NULL,
		fingerprint    TEXT NOT NULL DEFAULT '',
		quality        TEXT NOT NULL DEFAULT '',
		outcome        TEXT NOT NULL,
		latency_ms     INTEGER NOT NULL,
		created_at     DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_generations_client ON generations(client_id, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at)`)
	return err
}

// Record stores one generation outcome.
func (l *Log) Record(ctx context.Context, rec models.GenerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO generations (correlation_id, client_id, fingerprint, quality, outcome, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.ClientID, rec.Fingerprint, string(rec.Quality), string(rec.Outcome),
		rec.LatencyMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

func (opts QueryOpts) where() (string, []any) {
	q := " WHERE 1=1"
	var args []any
	if opts.ClientID != "" {
		q += " AND client_id = ?"
		args = append(args, opts.ClientID)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	return q, args
}

// Query returns matching records, newest first. Limit defaults to 100.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]models.GenerationRecord, error) {
	where, args := opts.where()
	q := `SELECT id, correlation_id, client_id, fingerprint, quality, outcome, latency_ms, created_at
		FROM generations` + where + ` ORDER BY created_at DESC, id DESC LIMIT ?`

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var recs []models.GenerationRecord
	for rows.Next() {
		var r models.GenerationRecord
		var quality, outcome string
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.ClientID, &r.Fingerprint,
			&quality, &outcome, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Quality = models.Quality(quality)
		r.Outcome = models.Outcome(outcome)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Summary aggregates records by outcome, most frequent first.
func (l *Log) Summary(ctx context.Context, opts QueryOpts) ([]models.OutcomeSummary, error) {
	where, args := opts.where()
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), AVG(latency_ms) FROM generations`+where+
			` GROUP BY outcome ORDER BY COUNT(*) DESC, outcome`, args...)
	if err != nil {
		return nil, fmt.Errorf("history summary: %w", err)
	}
	defer rows.Close()

	var out []models.OutcomeSummary
	for rows.Next() {
		var s models.OutcomeSummary
		var outcome string
		if err := rows.Scan(&outcome, &s.Count, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan history summary: %w", err)
		}
		s.Outcome = models.Outcome(outcome)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes records older than the retention period.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-l.retention).UTC()
	res, err := l.db.ExecContext(ctx, `DELETE FROM generations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
