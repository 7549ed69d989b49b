// Package sqlite records the per-track index of every run in a SQLite
// database so tracks can be queried across years and runs.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/store"

	// Pure-Go driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	run_id    TEXT    NOT NULL,
	year      INTEGER NOT NULL,
	track_id  INTEGER NOT NULL,
	first_jd  INTEGER NOT NULL,
	last_jd   INTEGER NOT NULL,
	points    INTEGER NOT NULL,
	flags     INTEGER NOT NULL,
	discarded INTEGER NOT NULL,
	PRIMARY KEY (run_id, track_id)
);
CREATE INDEX IF NOT EXISTS tracks_year ON tracks (year, discarded);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

// Catalog is a SQLite-backed track index.
// It implements pipeline.Catalog.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the catalog at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// Years finish concurrently; one connection serialises the writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	tuneCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, p := range pragmas {
		if _, err := db.ExecContext(tuneCtx, p); err != nil {
			logger.Warn("sqlite tuning skipped", "pragma", p, "error", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

// RecordYear replaces the rows of one year of a run.
func (c *Catalog) RecordYear(ctx context.Context, runID string, year int, entries []store.IndexEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE run_id = ? AND year = ?`, runID, year); err != nil {
		return fmt.Errorf("clear year %d: %w", year, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tracks
		(run_id, year, track_id, first_jd, last_jd, points, flags, discarded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, runID, year, e.TrackID, int64(e.FirstJD), int64(e.LastJD),
			e.Points, int(e.Flags), e.Discarded); err != nil {
			return fmt.Errorf("insert track %d: %w", e.TrackID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit year %d: %w", year, err)
	}
	c.logger.Debug("catalog updated", "run_id", runID, "year", year, "tracks", len(entries))
	return nil
}

// Query selects tracks of a run.
type Query struct {
	RunID            string
	FirstYear        int // 0 for no lower bound
	LastYear         int // 0 for no upper bound
	MinPoints        int
	IncludeDiscarded bool
}

// Tracks returns the index entries matching q in track_id order.
func (c *Catalog) Tracks(ctx context.Context, q Query) ([]store.IndexEntry, error) {
	sqlText := `SELECT track_id, first_jd, last_jd, points, flags, discarded
		FROM tracks WHERE run_id = ? AND points >= ?`
	args := []any{q.RunID, q.MinPoints}
	if q.FirstYear > 0 {
		sqlText += ` AND year >= ?`
		args = append(args, q.FirstYear)
	}
	if q.LastYear > 0 {
		sqlText += ` AND year <= ?`
		args = append(args, q.LastYear)
	}
	if !q.IncludeDiscarded {
		sqlText += ` AND discarded = 0`
	}
	sqlText += ` ORDER BY track_id`

	rows, err := c.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	var out []store.IndexEntry
	for rows.Next() {
		var (
			e           store.IndexEntry
			first, last int64
			flags       int
		)
		if err := rows.Scan(&e.TrackID, &first, &last, &e.Points, &flags, &e.Discarded); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		e.FirstJD, e.LastJD, e.Flags = domain.JD(first), domain.JD(last), domain.Flags(flags)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs lists the run ids in the catalog.
func (c *Catalog) Runs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM tracks ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CheckReadiness pings the database.
func (c *Catalog) CheckReadiness(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
