// Package postgis is the PostgreSQL + PostGIS backend of the entity store.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kass/go-geo-points/pkg/models"
)

const foreignKeyViolation = "23503"

// Database is the subset of pgxpool.Pool the store needs.
type Database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store implements store.Backend on PostGIS.
type Store struct {
	db  Database
	log *slog.Logger
}

// NewDatabase opens a connection pool and checks it.
func NewDatabase(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewStore creates a new instance of Store with the provided Database.
func NewStore(db Database, log *slog.Logger) *Store {
	return &Store{db: db, log: log}
}

const (
	pointColumns = `id, name, ST_Y(location), ST_X(location), owner_id, created_at, updated_at`

	insertPointQuery = `
		INSERT INTO points (name, location, owner_id, created_at, updated_at)
		VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326), $4, now(), now())
		RETURNING id, created_at, updated_at`

	updatePointQuery = `
		UPDATE points
		SET name = $2,
			location = ST_SetSRID(ST_MakePoint($3, $4), 4326),
			updated_at = GREATEST(now(), updated_at)
		WHERE id = $1
		RETURNING owner_id, created_at, updated_at`

	deletePointMessagesQuery = `DELETE FROM messages WHERE point_id = $1`
	deletePointQuery         = `DELETE FROM points WHERE id = $1`

	getPointQuery          = `SELECT ` + pointColumns + ` FROM points WHERE id = $1`
	listPointsByOwnerQuery = `SELECT ` + pointColumns + ` FROM points WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	pointsByIDsQuery       = `SELECT ` + pointColumns + ` FROM points WHERE id = ANY($1)`
	allPointsQuery         = `SELECT ` + pointColumns + ` FROM points`

	messageColumns = `id, point_id, text, author_id, created_at, updated_at`

	insertMessageQuery = `
		INSERT INTO messages (point_id, text, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, created_at, updated_at`

	deleteMessageQuery        = `DELETE FROM messages WHERE id = $1`
	getMessageQuery           = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	listMessagesByAuthorQuery = `SELECT ` + messageColumns + ` FROM messages WHERE author_id = $1 ORDER BY created_at DESC, id DESC`
	messagesByPointIDsQuery   = `SELECT ` + messageColumns + ` FROM messages WHERE point_id = ANY($1)`
)

func (s *Store) InsertPoint(ctx context.Context, p models.Point) (models.Point, error) {
	err := s.db.QueryRow(ctx, insertPointQuery, p.Name, p.Location.Lon, p.Location.Lat, p.OwnerID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Point{}, fmt.Errorf("failed to insert point: %w", err)
	}
	s.log.DebugContext(ctx, "Point inserted", "id", p.ID)
	return p, nil
}

func (s *Store) UpdatePoint(ctx context.Context, p models.Point) (models.Point, error) {
	err := s.db.QueryRow(ctx, updatePointQuery, p.ID, p.Name, p.Location.Lon, p.Location.Lat).
		Scan(&p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Point{}, fmt.Errorf("point %d: %w", p.ID, models.ErrNotFound)
	}
	if err != nil {
		return models.Point{}, fmt.Errorf("failed to update point %d: %w", p.ID, err)
	}
	return p, nil
}

// DeletePoint deletes the messages of the point and the point in one transaction.
func (s *Store) DeletePoint(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	cascaded, err := deletePointTx(ctx, tx, id)
	if err != nil {
		if errRb := tx.Rollback(ctx); errRb != nil {
			s.log.ErrorContext(ctx, "Failed to rollback point deletion", "id", id, "error", errRb)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit point deletion: %w", err)
	}
	return cascaded, nil
}

func deletePointTx(ctx context.Context, tx pgx.Tx, id int64) (int64, error) {
	tag, err := tx.Exec(ctx, deletePointMessagesQuery, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages of point %d: %w", id, err)
	}
	cascaded := tag.RowsAffected()

	tag, err = tx.Exec(ctx, deletePointQuery, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete point %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("point %d: %w", id, models.ErrNotFound)
	}
	return cascaded, nil
}

func (s *Store) GetPoint(ctx context.Context, id int64) (models.Point, error) {
	p, err := scanPoint(s.db.QueryRow(ctx, getPointQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Point{}, fmt.Errorf("point %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Point{}, fmt.Errorf("failed to get point %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListPointsByOwner(ctx context.Context, ownerID int64) ([]models.Point, error) {
	return s.queryPoints(ctx, listPointsByOwnerQuery, ownerID)
}

func (s *Store) PointsByIDs(ctx context.Context, ids []int64) ([]models.Point, error) {
	if len(ids) == 0 {
		return []models.Point{}, nil
	}
	return s.queryPoints(ctx, pointsByIDsQuery, ids)
}

func (s *Store) AllPoints(ctx context.Context) ([]models.Point, error) {
	return s.queryPoints(ctx, allPointsQuery)
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	err := s.db.QueryRow(ctx, insertMessageQuery, m.PointID, m.Text, m.AuthorID).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return models.Message{}, fmt.Errorf("point %d: %w", m.PointID, models.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, deleteMessageQuery, id)
	if err != nil {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, getMessageQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) ListMessagesByAuthor(ctx context.Context, authorID int64) ([]models.Message, error) {
	return s.queryMessages(ctx, listMessagesByAuthorQuery, authorID)
}

func (s *Store) MessagesByPointIDs(ctx context.Context, pointIDs []int64) ([]models.Message, error) {
	if len(pointIDs) == 0 {
		return []models.Message{}, nil
	}
	return s.queryMessages(ctx, messagesByPointIDsQuery, pointIDs)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) queryPoints(ctx context.Context, query string, args ...any) ([]models.Point, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	points := make([]models.Point, 0)
	for rows.Next() {
		p, errScan := scanPoint(rows)
		if errScan != nil {
			return nil, fmt.Errorf("failed to scan point: %w", errScan)
		}
		points = append(points, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return points, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, errScan := scanMessage(rows)
		if errScan != nil {
			return nil, fmt.Errorf("failed to scan message: %w", errScan)
		}
		messages = append(messages, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return messages, nil
}

func scanPoint(row pgx.Row) (models.Point, error) {
	var p models.Point
	err := row.Scan(&p.ID, &p.Name, &p.Location.Lat, &p.Location.Lon, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.PointID, &m.Text, &m.AuthorID, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}
