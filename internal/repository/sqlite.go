package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"govchat-api/internal/domain"
)

var openDB = sql.Open

// SQLiteStore keeps the turn audit log in a local SQLite file for the
// development server.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database at path and runs
// migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("repository: create data dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("repository: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			turn_id        TEXT PRIMARY KEY,
			thread_id      TEXT    NOT NULL,
			question       TEXT    NOT NULL,
			answer         TEXT    NOT NULL,
			mode           TEXT    NOT NULL,
			source         TEXT    NOT NULL,
			no_results     INTEGER NOT NULL DEFAULT 0,
			citation_count INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn appends one turn to the audit log.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn domain.Turn) error {
	if turn.Handle.IsZero() {
		return errors.New("repository: RecordTurn: handle is required")
	}
	turn = withTurnKeys(turn, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, thread_id, question, answer, mode, source, no_results, citation_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.Handle.String(), turn.Question, turn.Answer,
		string(turn.Mode), string(turn.Source), turn.NoResults, turn.CitationCount, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: RecordTurn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns of a conversation, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, handle domain.Handle, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, thread_id, question, answer, mode, source, no_results, citation_count, created_at
		 FROM turns WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		handle.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t             domain.Turn
			handleStr     string
			mode, source  string
			noResults     bool
			citationCount int
		)
		if err := rows.Scan(&t.TurnID, &handleStr, &t.Question, &t.Answer, &mode, &source, &noResults, &citationCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: RecentTurns scan: %w", err)
		}
		t.Handle = domain.Handle(handleStr)
		t.Mode = domain.Mode(mode)
		t.Source = domain.AgentSource(source)
		t.NoResults = noResults
		t.CitationCount = citationCount
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: RecentTurns rows: %w", err)
	}
	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
