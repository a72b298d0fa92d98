//go:build integration_test

package persist_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/persist"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	s := persist.NewPostgresStore(db)
	require.NoError(t, s.Migrate(ctx))

	id := "pg-" + t.Name()
	_, err = db.Exec(ctx, `DELETE FROM quiz_sessions WHERE session_id = $1`, id)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `DELETE FROM participant_sessions WHERE participant_id = 'alice'`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `DELETE FROM participants WHERE participant_id = 'alice'`)
	require.NoError(t, err)

	require.NoError(t, s.SaveSession(ctx, snapshot(id, 3, domain.StatusWaiting)))
	require.NoError(t, s.SaveSession(ctx, snapshot(id, 2, domain.StatusFinished)))

	got, err := s.LoadSession(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)

	joinable, err := s.FindJoinable(ctx)
	require.NoError(t, err)
	assert.Contains(t, summaryIDs(joinable), id)

	p, err := s.FindParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1900, p.TotalScore)

	// Another session adds to the profile instead of replacing it.
	other := withPlayer(snapshot(id+"-b", 1, domain.StatusActive), domain.PlayerState{ID: "alice", Score: 600})
	_, err = db.Exec(ctx, `DELETE FROM quiz_sessions WHERE session_id = $1`, other.ID)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, other))
	require.NoError(t, s.SaveSession(ctx, snapshot(id, 4, domain.StatusFinished)))

	p, err = s.FindParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2500, p.TotalScore)
	assert.EqualValues(t, 2, p.GamesPlayed)

	_, err = s.LoadSession(ctx, "missing")
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
}

func summaryIDs(ss []domain.SessionSummary) []string {
	ids := make([]string, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, s.ID)
	}
	return ids
}
