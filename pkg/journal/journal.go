// Package journal persists snapshots of finished transfer sessions in
// SQLite so failed uploads can be inspected and resumed after the process
// that ran them is gone.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/richardartoul/blobcache/pkg/transfer"
)

// Journal is a transfer.Recorder backed by a SQLite database.
type Journal struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// Open opens or creates the journal at filename. An empty filename opens a
// private in-memory database.
func Open(filename string) (*Journal, error) {
	memory := filename == ""
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if memory {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			direction TEXT,
			status TEXT,
			total_size INTEGER,
			chunk_size INTEGER,
			bytes_transferred INTEGER,
			completed_chunks TEXT,
			error TEXT,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS status_idx ON transfers (status, finished_at)",
	}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores snap, replacing any earlier record with the same id.
func (j *Journal) Record(ctx context.Context, snap transfer.Snapshot) error {
	chunks, err := json.Marshal(snap.CompletedChunks)
	if err != nil {
		return fmt.Errorf("failed to encode completed chunks: %w", err)
	}

	j.writeMutex.Lock()
	defer j.writeMutex.Unlock()
	_, err = j.db.ExecContext(ctx, `INSERT OR REPLACE INTO transfers (
		id, direction, status, total_size, chunk_size, bytes_transferred,
		completed_chunks, error, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.Direction.String(),
		snap.Status.String(),
		snap.TotalSize,
		snap.ChunkSize,
		snap.BytesTransferred,
		string(chunks),
		snap.Err,
		unixNano(snap.StartedAt),
		unixNano(snap.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer %s: %w", snap.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, direction, status, total_size, chunk_size,
	bytes_transferred, completed_chunks, error, started_at, finished_at
	FROM transfers`

// Load returns the record for id. The boolean is false when none exists.
func (j *Journal) Load(ctx context.Context, id string) (transfer.Snapshot, bool, error) {
	row := j.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Snapshot{}, false, nil
	}
	if err != nil {
		return transfer.Snapshot{}, false, err
	}
	return snap, true, nil
}

// List returns every record with the given status, oldest finish first.
func (j *Journal) List(ctx context.Context, status transfer.Status) ([]transfer.Snapshot, error) {
	rows, err := j.db.QueryContext(ctx, selectColumns+" WHERE status = ? ORDER BY finished_at, id", status.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var snaps []transfer.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return snaps, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Prune deletes records that finished before cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.writeMutex.Lock()
	defer j.writeMutex.Unlock()

	res, err := j.db.ExecContext(ctx, "DELETE FROM transfers WHERE finished_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner removes records older than retention every interval until ctx
// is done.
func (j *Journal) RunPruner(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := j.Prune(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("failed to prune journal", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned journal", "removed", n)
			}
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (transfer.Snapshot, error) {
	var (
		snap              transfer.Snapshot
		direction, status string
		chunks            string
		started, finished int64
	)
	if err := s.Scan(&snap.ID, &direction, &status, &snap.TotalSize, &snap.ChunkSize,
		&snap.BytesTransferred, &chunks, &snap.Err, &started, &finished); err != nil {
		return snap, err
	}

	st, err := transfer.ParseStatus(status)
	if err != nil {
		return snap, err
	}
	snap.Status = st
	if direction == transfer.Download.String() {
		snap.Direction = transfer.Download
	}
	if err := json.Unmarshal([]byte(chunks), &snap.CompletedChunks); err != nil {
		return snap, fmt.Errorf("failed to decode completed chunks: %w", err)
	}
	snap.StartedAt = fromUnixNano(started)
	snap.FinishedAt = fromUnixNano(finished)
	return snap, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
