package meeting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a meeting does not exist.
	ErrNotFound = errors.New("meeting: not found")

	// ErrNoPending is returned by [Store.ClaimNextPending] when no meeting
	// is waiting for a capture bot.
	ErrNoPending = errors.New("meeting: no pending capture")
)

// DB is the subset of [pgxpool.Pool] the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

var _ DB = (*pgxpool.Pool)(nil)

// Open creates a connection pool for dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("meeting store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("meeting store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("meeting store: ping: %w", err)
	}
	return pool, nil
}

// Store reads and claims meetings. The meeting table is owned by the core
// service; the worker never creates or migrates it.
type Store struct {
	db DB
}

// NewStore returns a store over db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const selectMeeting = `
	SELECT m.id,
	       COALESCE(m.name, ''),
	       COALESCE(m.url, ''),
	       m.name_platform,
	       m.status,
	       COALESCE(m.meeting_platform_id, ''),
	       COALESCE(m.meeting_password, ''),
	       COALESCE(u.keycloak_uuid::text, '')
	FROM   meeting m
	LEFT   JOIN "user" u ON u.id = m.user_id`

// Get returns the meeting with id.
func (s *Store) Get(ctx context.Context, id int64) (Meeting, error) {
	m, err := scanMeeting(s.db.QueryRow(ctx, selectMeeting+"\n\tWHERE m.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("meeting store: get %d: %w", id, err)
	}
	return m, nil
}

// Status returns only the status of meeting id.
func (s *Store) Status(ctx context.Context, id int64) (Status, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT status FROM meeting WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("meeting store: status %d: %w", id, err)
	}
	return ParseStatus(raw)
}

// ClaimNextPending locks the oldest CAPTURE_PENDING meeting, skipping rows
// other workers hold, marks it CAPTURE_BOT_IS_CONNECTING and returns it.
// It returns [ErrNoPending] when there is nothing to claim.
func (s *Store) ClaimNextPending(ctx context.Context) (Meeting, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Meeting{}, fmt.Errorf("meeting store: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = selectMeeting + `
	WHERE  m.status = $1
	ORDER  BY m.id
	LIMIT  1
	FOR    UPDATE OF m SKIP LOCKED`

	m, err := scanMeeting(tx.QueryRow(ctx, q, string(StatusCapturePending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNoPending
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("meeting store: select pending: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE meeting SET status = $1 WHERE id = $2`,
		string(StatusCaptureBotIsConnecting), m.ID)
	if err != nil {
		return Meeting{}, fmt.Errorf("meeting store: mark connecting: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Meeting{}, fmt.Errorf("meeting store: mark connecting: %d rows affected", tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return Meeting{}, fmt.Errorf("meeting store: commit claim: %w", err)
	}

	m.Status = StatusCaptureBotIsConnecting
	return m, nil
}

// SetStatus overwrites the status of meeting id. The core API owns status
// transitions; this is used only to give a claimed meeting back after the
// worker failed to reach the API.
func (s *Store) SetStatus(ctx context.Context, id int64, st Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE meeting SET status = $1 WHERE id = $2`, string(st), id)
	if err != nil {
		return fmt.Errorf("meeting store: set status %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanMeeting(row pgx.Row) (Meeting, error) {
	var (
		m                      Meeting
		platform, status, uuid string
	)
	err := row.Scan(&m.ID, &m.Name, &m.URL, &platform, &status, &m.PlatformMeetingID, &m.Password, &uuid)
	if err != nil {
		return Meeting{}, err
	}
	if m.Platform, err = ParsePlatform(platform); err != nil {
		return Meeting{}, err
	}
	if m.Status, err = ParseStatus(status); err != nil {
		return Meeting{}, err
	}
	m.OwnerUUID = uuid
	return m, nil
}
