package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/session"
)

func TestRegistry_Join(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) (sessionID string)
		assert  func(t *testing.T, f *fixture, err error)
	}{
		"joining twice is rejected": {
			arrange: func(t *testing.T, f *fixture) string {
				return f.game(t, domain.Settings{}, "alice").ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				assert.Equal(t, errors.ReasonAlreadyJoined, errors.ReasonOf(err))
			},
		},
		"joining a second session is rejected": {
			arrange: func(t *testing.T, f *fixture) string {
				f.game(t, domain.Settings{}, "alice")
				return f.game(t, domain.Settings{}).ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				assert.Equal(t, errors.ReasonAlreadyJoined, errors.ReasonOf(err))
			},
		},
		"joining an active session is rejected": {
			arrange: func(t *testing.T, f *fixture) string {
				return f.started(t, domain.Settings{}, "bob").ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				assert.Equal(t, errors.ReasonWrongState, errors.ReasonOf(err))

				_, ok := f.registry.SessionOf("alice")
				assert.False(t, ok, "a rejected join must not keep the membership")
			},
		},
		"joining a full session is rejected": {
			arrange: func(t *testing.T, f *fixture) string {
				return f.game(t, domain.Settings{MaxPlayers: 1}, "bob").ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				assert.Equal(t, errors.ReasonWrongState, errors.ReasonOf(err))
			},
		},
		"joining an unknown session": {
			arrange: func(t *testing.T, f *fixture) string {
				return "nope"
			},
			assert: func(t *testing.T, f *fixture, err error) {
				assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
			},
		},
		"a finished session releases its players": {
			arrange: func(t *testing.T, f *fixture) string {
				s := f.started(t, domain.Settings{}, "alice")
				_, err := s.End(context.Background(), "")
				require.NoError(t, err)
				return f.game(t, domain.Settings{}).ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)
			},
		},
		"a removed player may join another session": {
			arrange: func(t *testing.T, f *fixture) string {
				s := f.game(t, domain.Settings{}, "alice")
				_, err := s.Remove(context.Background(), "alice")
				require.NoError(t, err)
				return f.game(t, domain.Settings{}).ID()
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)

				removed := f.notes.events(domain.EventNameParticipantRemoved)
				require.Len(t, removed, 1)
				assert.Equal(t, []string{"alice"}, removed[0].to)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			id := tt.arrange(t, f)

			_, err := f.registry.Join(context.Background(), id, domain.Participant{ID: "alice"})
			tt.assert(t, f, err)
		})
	}
}

func TestRegistry_CreateValidatesSettings(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.registry.Create(context.Background(), "mod", domain.Settings{Ruleset: "sudden-death"})
	assert.Equal(t, errors.ReasonInvalid, errors.ReasonOf(err))

	_, err = f.registry.Create(context.Background(), "", domain.Settings{})
	assert.Equal(t, errors.ReasonInvalid, errors.ReasonOf(err))

	v, err := f.registry.Create(context.Background(), "mod", domain.Settings{MaxPlayers: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, v.Settings.MaxPlayers)
	assert.Equal(t, domain.RulesetCumulative, v.Settings.Ruleset)
	assert.Equal(t, domain.StatusWaiting, v.Status)

	created := f.notes.events(domain.EventNameSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"mod"}, created[0].to)
}

func TestRegistry_Restore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	start := f.clock.Now().Add(-time.Minute)

	snaps := []domain.SessionSnapshot{
		{
			ID:        "open-round",
			Moderator: "mod",
			Status:    domain.StatusActive,
			Settings:  domain.Settings{Ruleset: domain.RulesetCumulative, TotalRounds: 5, MaxPlayers: 10, Lives: 3},
			Players: []domain.PlayerState{
				{ID: "alice", Score: 1000, Lives: 3, Connected: true},
				{ID: "bob", Lives: 3, Connected: true},
			},
			Rounds: []domain.RoundRecord{
				{
					Index:     0,
					Question:  q,
					StartedAt: start,
					Eligible:  []string{"alice", "bob"},
					Finalized: false,
					Answers: []domain.Answer{
						{ParticipantID: "alice", Option: 1, Correct: true, Latency: 2 * time.Second, At: start.Add(2 * time.Second)},
					},
				},
			},
			Version: 7,
		},
		{ID: "done", Moderator: "mod", Status: domain.StatusFinished},
	}

	n := f.registry.Restore(ctx, snaps)
	assert.Equal(t, 1, n)

	_, err := f.registry.Get("done")
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))

	s, err := f.registry.Get("open-round")
	require.NoError(t, err)

	v, err := s.View(ctx)
	require.NoError(t, err)
	require.NotNil(t, v.CurrentRound)
	assert.True(t, v.CurrentRound.Finalized)
	assert.EqualValues(t, 2900, player(v, "alice").Score)
	assert.Greater(t, v.Version, int64(7))
	for _, p := range v.Players {
		assert.False(t, p.Connected, "%s has no connection after a restart", p.ID)
	}

	v, ok, err := f.registry.Reconnect(ctx, "alice")
	require.True(t, ok)
	require.NoError(t, err)
	assert.True(t, player(v, "alice").Connected)

	finalized := f.notes.events(domain.EventNameRoundFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, session.TriggerRecovery, finalized[0].n.Data.(domain.RoundResults).Trigger)

	_, err = f.registry.Join(ctx, "other", domain.Participant{ID: "bob"})
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
	_, ok = f.registry.SessionOf("bob")
	assert.True(t, ok, "restored players keep their membership")
}

func TestRegistry_Reap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	finished := f.started(t, domain.Settings{}, "alice")
	_, err := finished.End(ctx, "")
	require.NoError(t, err)
	waiting := f.game(t, domain.Settings{})

	assert.Zero(t, f.registry.Reap(func(string) bool { return false }))
	assert.Equal(t, 1, f.registry.Reap(func(string) bool { return true }))

	_, err = f.registry.Get(finished.ID())
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
	_, err = f.registry.Get(waiting.ID())
	assert.NoError(t, err)

	_, err = finished.View(ctx)
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
}
