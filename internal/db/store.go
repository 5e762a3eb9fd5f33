// Package db is the message archive: a best-effort sqlite record of log
// entries and route forwards behind the in-memory ring.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/midiroute/internal/model"
)

var ErrNotFound = errors.New("not found")

// ForwardRecord is one persisted route dispatch.
type ForwardRecord struct {
	RouteID  string
	SourceID string
	TargetID string
	At       time.Time
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

// InsertLogEntry archives one message-log entry.
func (s *Store) InsertLogEntry(ctx context.Context, e model.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO log_entries(ts, endpoint_name, channel, message_type, detail)
VALUES (?, ?, ?, ?, ?)
`, ts(e.Timestamp), e.EndpointName, e.Channel, string(e.Type), e.Detail)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// ListRecentLogEntries returns the newest entries, oldest first.
func (s *Store) ListRecentLogEntries(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT ts, endpoint_name, channel, message_type, detail
FROM (
	SELECT entry_id, ts, endpoint_name, channel, message_type, detail
	FROM log_entries ORDER BY entry_id DESC LIMIT ?
) ORDER BY entry_id ASC
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()
	var out []model.LogEntry
	for rows.Next() {
		var rawTS, name, mt, detail string
		var channel int
		if err := rows.Scan(&rawTS, &name, &channel, &mt, &detail); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		at, err := parseTS(rawTS)
		if err != nil {
			return nil, fmt.Errorf("parse log entry ts: %w", err)
		}
		out = append(out, model.LogEntry{
			Timestamp:    at,
			EndpointName: name,
			Channel:      channel,
			Type:         model.MessageType(mt),
			Detail:       detail,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

// InsertForward archives one route dispatch.
func (s *Store) InsertForward(ctx context.Context, f ForwardRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO forwards(route_id, source_id, target_id, ts)
VALUES (?, ?, ?, ?)
`, f.RouteID, f.SourceID, f.TargetID, ts(f.At))
	if err != nil {
		return fmt.Errorf("insert forward: %w", err)
	}
	return nil
}

// CountForwards reports archived dispatches for one route.
func (s *Store) CountForwards(ctx context.Context, routeID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forwards WHERE route_id = ?`, routeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count forwards: %w", err)
	}
	return n, nil
}

// PurgeBefore drops archived rows older than cutoff from both tables.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE ts < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge log entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forwards WHERE ts < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge forwards: %w", err)
	}
	return nil
}
