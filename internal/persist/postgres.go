package persist

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS quiz_sessions (
	session_id TEXT PRIMARY KEY,
	moderator  TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	joinable   BOOLEAN NOT NULL,
	summary    JSONB NOT NULL,
	snapshot   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS quiz_sessions_status_idx ON quiz_sessions (status);

CREATE TABLE IF NOT EXISTS participants (
	participant_id TEXT PRIMARY KEY,
	avatar         TEXT NOT NULL DEFAULT '',
	total_score    BIGINT NOT NULL DEFAULT 0,
	games_played   BIGINT NOT NULL DEFAULT 0,
	last_active    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS participant_sessions (
	participant_id TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	version        BIGINT NOT NULL,
	score          BIGINT NOT NULL,
	played         BIGINT NOT NULL,
	PRIMARY KEY (participant_id, session_id)
);`

// PostgresStore archives snapshots and profiles in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, snap domain.SessionSnapshot) (err error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	sum := snap.Summary()
	summary, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		upsertSessionStmt = `
INSERT INTO quiz_sessions (session_id, moderator, status, version, joinable, summary, snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_id) DO UPDATE SET
	status = EXCLUDED.status,
	version = EXCLUDED.version,
	joinable = EXCLUDED.joinable,
	summary = EXCLUDED.summary,
	snapshot = EXCLUDED.snapshot,
	updated_at = EXCLUDED.updated_at
WHERE quiz_sessions.version <= EXCLUDED.version;`

		// The ledger row keeps the latest contribution of a session; the profile gets the difference.
		contributeStmt = `
WITH prev AS (
	SELECT score, played FROM participant_sessions
	WHERE participant_id = $1::text AND session_id = $2::text
), cur AS (
	INSERT INTO participant_sessions (participant_id, session_id, version, score, played)
	VALUES ($1::text, $2::text, $3::bigint, $4::bigint, $5::bigint)
	ON CONFLICT (participant_id, session_id) DO UPDATE SET
		version = EXCLUDED.version,
		score = EXCLUDED.score,
		played = EXCLUDED.played
	WHERE participant_sessions.version <= EXCLUDED.version
	RETURNING score, played
)
INSERT INTO participants (participant_id, avatar, total_score, games_played, last_active)
SELECT $1::text, $6::text, cur.score - COALESCE(prev.score, 0), cur.played - COALESCE(prev.played, 0), $7::timestamptz
FROM cur LEFT JOIN prev ON TRUE
ON CONFLICT (participant_id) DO UPDATE SET
	total_score = participants.total_score + EXCLUDED.total_score,
	games_played = participants.games_played + EXCLUDED.games_played,
	avatar = CASE WHEN $8::boolean AND participants.last_active <= EXCLUDED.last_active
		THEN EXCLUDED.avatar ELSE participants.avatar END,
	last_active = CASE WHEN $8::boolean
		THEN GREATEST(participants.last_active, EXCLUDED.last_active) ELSE participants.last_active END;`
	)

	b := &pgx.Batch{}
	b.Queue(upsertSessionStmt, snap.ID, snap.Moderator, string(snap.Status), snap.Version, sum.Joinable(),
		summary, data, snap.CreatedAt, snap.UpdatedAt)
	for _, c := range Contributions(snap) {
		b.Queue(contributeStmt, c.ParticipantID, c.SessionID, c.Version, c.Score, int64(flag(c.Played)),
			c.Avatar, c.At, c.Active)
	}

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	const stmt = `SELECT snapshot FROM quiz_sessions WHERE session_id = $1;`

	var snap domain.SessionSnapshot
	err := s.db.QueryRow(ctx, stmt, id).Scan(&snap)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.SessionSnapshot{}, errors.NotFound("session %s not found", id)
	}
	if err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}

	return snap, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]domain.SessionSnapshot, error) {
	const stmt = `SELECT snapshot FROM quiz_sessions WHERE status <> $1 ORDER BY created_at;`

	rows, err := s.db.Query(ctx, stmt, string(domain.StatusFinished))
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.SessionSnapshot, error) {
		var snap domain.SessionSnapshot
		err := r.Scan(&snap)
		return snap, err
	})
}

func (s *PostgresStore) FindJoinable(ctx context.Context) ([]domain.SessionSummary, error) {
	const stmt = `SELECT summary FROM quiz_sessions WHERE joinable ORDER BY created_at;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("find joinable sessions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.SessionSummary, error) {
		var sum domain.SessionSummary
		err := r.Scan(&sum)
		return sum, err
	})
}

func (s *PostgresStore) FindParticipant(ctx context.Context, id string) (domain.Profile, error) {
	const stmt = `
SELECT participant_id, avatar, total_score, games_played, last_active
FROM participants
WHERE participant_id = $1;`

	var p domain.Profile
	err := s.db.QueryRow(ctx, stmt, id).Scan(&p.ID, &p.Avatar, &p.TotalScore, &p.GamesPlayed, &p.LastActive)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, errors.NotFound("participant %s not found", id)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("find participant %s: %w", id, err)
	}

	return p, nil
}
