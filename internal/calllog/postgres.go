package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore archives call log entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_log (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			language TEXT NOT NULL,
			at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_session_at ON call_log (session_id, at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.AtMs == 0 {
		entry.AtMs = time.Now().UnixMilli()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_log (id, session_id, kind, content, language, at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.SessionID,
		string(entry.Kind),
		entry.Text,
		entry.Language,
		entry.AtMs,
	)
	if err != nil {
		return fmt.Errorf("append call log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, kind, content, language, at_ms
		 FROM call_log WHERE session_id=$1 ORDER BY at_ms DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Text, &e.Language, &e.AtMs); err != nil {
			return nil, fmt.Errorf("scan call log row: %w", err)
		}
		e.Kind = Kind(kind)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
