// Package history keeps a sqlite record of finished playback sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // SQLite driver (pure Go)
	_ "github.com/ncruces/go-sqlite3/embed"  // Embed SQLite WASM binary

	"github.com/e7canasta/orion-care-sensor/modules/playback"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	url                TEXT NOT NULL,
	play_type          TEXT NOT NULL,
	variant            TEXT NOT NULL,
	started_ms         INTEGER NOT NULL,
	ended_ms           INTEGER NOT NULL,
	end_reason         TEXT NOT NULL,
	fallbacks          INTEGER NOT NULL DEFAULT 0,
	video_bitrate_kbps INTEGER NOT NULL DEFAULT 0,
	audio_bitrate_kbps INTEGER NOT NULL DEFAULT 0,
	dropped_frames     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_ms);
`

// Session is one stored row.
type Session struct {
	ID               string
	URL              string
	PlayType         string
	Variant          string
	StartedAt        time.Time
	EndedAt          time.Time
	EndReason        string
	Fallbacks        uint64
	VideoBitrateKbps int64
	AudioBitrateKbps int64
	DroppedFrames    int64
}

// Store writes session summaries to sqlite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path (":memory:" is accepted) and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history: database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("history: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite is single-writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	slog.Info("history: database ready", "path", path)
	return &Store{db: db}, nil
}

// Record stores s. A summary with an ID already stored replaces the row.
func (s *Store) Record(ctx context.Context, sum playback.SessionSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, url, play_type, variant, started_ms, ended_ms, end_reason,
			 fallbacks, video_bitrate_kbps, audio_bitrate_kbps, dropped_frames)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID,
		sum.URL,
		sum.PlayType.String(),
		sum.Variant.String(),
		sum.StartedAt.UnixMilli(),
		sum.EndedAt.UnixMilli(),
		sum.EndReason,
		int64(sum.Fallbacks),
		sum.LastStats.VideoBitrateKbps,
		sum.LastStats.AudioBitrateKbps,
		sum.LastStats.DroppedFrames,
	)
	if err != nil {
		return fmt.Errorf("history: record session %s: %w", sum.ID, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, play_type, variant, started_ms, ended_ms, end_reason,
		       fallbacks, video_bitrate_kbps, audio_bitrate_kbps, dropped_frames
		FROM sessions
		ORDER BY started_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			row                Session
			startedMs, endedMs int64
			fallbacks          int64
		)
		if err := rows.Scan(&row.ID, &row.URL, &row.PlayType, &row.Variant, &startedMs, &endedMs,
			&row.EndReason, &fallbacks, &row.VideoBitrateKbps, &row.AudioBitrateKbps, &row.DroppedFrames); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		row.StartedAt = time.UnixMilli(startedMs)
		row.EndedAt = time.UnixMilli(endedMs)
		row.Fallbacks = uint64(fallbacks)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate sessions: %w", err)
	}
	return out, nil
}

// Run records summaries from ch until ctx is cancelled or ch is closed.
// Write failures are logged and the loop continues.
func (s *Store) Run(ctx context.Context, ch <-chan playback.SessionSummary) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sum, ok := <-ch:
			if !ok {
				return nil
			}
			// A summary already taken off the channel is written even when
			// ctx is cancelled meanwhile.
			if err := s.Record(context.WithoutCancel(ctx), sum); err != nil {
				slog.Warn("history: write failed", "session_id", sum.ID, "error", err)
				continue
			}
			slog.Debug("history: session recorded", "session_id", sum.ID, "end_reason", sum.EndReason)
		}
	}
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
