package postgis

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE TABLE IF NOT EXISTS points (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		location GEOMETRY(POINT, 4326) NOT NULL,
		owner_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_points_location ON points USING GIST (location)`,
	`CREATE INDEX IF NOT EXISTS idx_points_owner ON points (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		point_id BIGINT NOT NULL REFERENCES points (id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		author_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_point ON messages (point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages (author_id, created_at DESC)`,
}

// EnsureSchema creates the extension, tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement '%s': %w", stmt, err)
		}
	}
	s.log.InfoContext(ctx, "Database schema ensured")
	return nil
}

// Stats describes table sizes and row counts.
type Stats struct {
	Points    int64
	Messages  int64
	TableSize string
	IndexSize string
}

const statsQuery = `
	SELECT
		(SELECT count(*) FROM points),
		(SELECT count(*) FROM messages),
		pg_size_pretty(pg_total_relation_size('points') + pg_total_relation_size('messages')),
		pg_size_pretty(pg_indexes_size('points') + pg_indexes_size('messages'))`

// Stats returns row counts and on-disk sizes of the store tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, statsQuery).Scan(&st.Points, &st.Messages, &st.TableSize, &st.IndexSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read table statistics: %w", err)
	}
	return st, nil
}
