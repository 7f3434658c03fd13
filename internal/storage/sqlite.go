package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutActive(ctx context.Context, r ActiveRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active(tag, id, revision, payload, posted_at, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tag, id) DO UPDATE SET revision=excluded.revision, payload=excluded.payload, updated_at=excluded.updated_at`,
		r.Tag, r.ID, r.Revision, string(r.Payload), fmtTime(r.PostedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteActive(ctx context.Context, tag string, id int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM active WHERE tag = ? AND id = ?`, tag, id)
	return err
}

func (s *sqliteStore) ClearActive(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM active`)
	return err
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]ActiveRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, id, revision, payload, posted_at, updated_at FROM active ORDER BY posted_at, tag, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveRecord
	for rows.Next() {
		var (
			r               ActiveRecord
			payload         string
			posted, updated string
		)
		if err := rows.Scan(&r.Tag, &r.ID, &r.Revision, &payload, &posted, &updated); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.PostedAt = parseTime(posted)
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, intent_id, identifier, action, component, code, exception_type, exception_message, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.IntentID, e.Identifier, e.Action, nullStr(e.Component), e.Code,
		nullStr(e.ExceptionType), nullStr(e.ExceptionMessage), e.TookMS,
	)
	return err
}

// RecentAudit returns up to limit entries, newest last.
func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, intent_id, identifier, action, component, code, exception_type, exception_message, took_ms
		 FROM (SELECT * FROM audit ORDER BY seq DESC LIMIT ?) ORDER BY seq`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                 AuditEntry
			at                string
			comp, etype, emsg sql.NullString
		)
		if err := rows.Scan(&at, &e.IntentID, &e.Identifier, &e.Action, &comp, &e.Code, &etype, &emsg, &e.TookMS); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.Component = comp.String
		e.ExceptionType = etype.String
		e.ExceptionMessage = emsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
