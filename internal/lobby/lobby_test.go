package lobby_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/lobby"
)

type recorder struct {
	mu   sync.Mutex
	sent map[string][]domain.Notification
}

func (r *recorder) Notify(_ context.Context, to []string, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]domain.Notification)
	}
	for _, id := range to {
		r.sent[id] = append(r.sent[id], n)
	}
}

func (r *recorder) last(id string) domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := r.sent[id]
	if len(ns) == 0 {
		return domain.Notification{}
	}
	return ns[len(ns)-1]
}

type joinerFunc func(ctx context.Context, sessionID string, p domain.Participant) (domain.SessionView, error)

func (f joinerFunc) Join(ctx context.Context, sessionID string, p domain.Participant) (domain.SessionView, error) {
	return f(ctx, sessionID, p)
}

type storeFunc func(ctx context.Context) ([]domain.SessionSummary, error)

func (f storeFunc) FindJoinable(ctx context.Context) ([]domain.SessionSummary, error) {
	return f(ctx)
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func summary(id string, age time.Duration) domain.SessionSummary {
	return domain.SessionSummary{
		ID:         id,
		Moderator:  "mod",
		Status:     domain.StatusWaiting,
		MaxPlayers: 2,
		CreatedAt:  t0.Add(-age),
	}
}

func TestLobby_EnterAndAnnouncements(t *testing.T) {
	ctx := context.Background()
	n := &recorder{}
	l := lobby.New(n)

	l.Publish(ctx, summary("s1", time.Minute))

	joined, err := l.Enter(ctx, domain.Participant{ID: "alice"})
	require.NoError(t, err)
	require.Len(t, joined.Sessions, 1)
	assert.Equal(t, "s1", joined.Sessions[0].ID)

	_, err = l.Enter(ctx, domain.Participant{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.LobbyUpdated{Members: 2}, n.last("alice").Data)

	l.Publish(ctx, summary("s2", 0))
	assert.Equal(t, domain.EventNameSessionAvailable, n.last("bob").Event)
	assert.Equal(t, []string{"s1", "s2"}, ids(l.ListJoinable(ctx)))

	l.Withdraw(ctx, "s1")
	assert.Equal(t, domain.EventNameSessionWithdrawn, n.last("alice").Event)
	assert.Equal(t, []string{"s2"}, ids(l.ListJoinable(ctx)))

	full := summary("s2", 0)
	full.Players = 2
	l.Publish(ctx, full)
	assert.Empty(t, l.ListJoinable(ctx), "a full session is withdrawn")

	l.Leave(ctx, "alice")
	assert.Equal(t, []string{"bob"}, l.Members())

	_, err = l.Enter(ctx, domain.Participant{})
	assert.Equal(t, errors.ReasonInvalid, errors.ReasonOf(err))
}

func TestLobby_Join(t *testing.T) {
	tests := map[string]struct {
		joiner joinerFunc
		assert func(t *testing.T, l *lobby.Lobby, err error)
	}{
		"a successful join hands the participant over": {
			joiner: func(ctx context.Context, sessionID string, p domain.Participant) (domain.SessionView, error) {
				return domain.SessionView{ID: sessionID}, nil
			},
			assert: func(t *testing.T, l *lobby.Lobby, err error) {
				require.NoError(t, err)
				assert.False(t, l.Contains("alice"))
			},
		},
		"a rejected join keeps the participant in the lobby": {
			joiner: func(ctx context.Context, sessionID string, p domain.Participant) (domain.SessionView, error) {
				return domain.SessionView{}, errors.StateConflict("session %s is full", sessionID)
			},
			assert: func(t *testing.T, l *lobby.Lobby, err error) {
				assert.Equal(t, errors.ReasonWrongState, errors.ReasonOf(err))
				assert.True(t, l.Contains("alice"))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := lobby.New(&recorder{})
			_, err := l.Enter(ctx, domain.Participant{ID: "alice", Avatar: "cat"})
			require.NoError(t, err)

			_, err = l.Join(ctx, "alice", "s1", tt.joiner)
			tt.assert(t, l, err)
		})
	}

	t.Run("a participant outside the lobby cannot join", func(t *testing.T) {
		l := lobby.New(&recorder{})
		_, err := l.Join(context.Background(), "ghost", "s1", joinerFunc(nil))
		assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
	})
}

func TestLobby_ListJoinableMergesStore(t *testing.T) {
	ctx := context.Background()
	calls := 0
	l := lobby.New(&recorder{}, lobby.WithStore(storeFunc(func(ctx context.Context) ([]domain.SessionSummary, error) {
		calls++
		if calls > 1 {
			return nil, stderrors.New("connection refused")
		}
		return []domain.SessionSummary{summary("remote", 2*time.Minute), summary("local", time.Hour), summary("gone", 0)}, nil
	})))

	l.Publish(ctx, summary("local", time.Minute))
	l.Publish(ctx, summary("gone", 0))
	l.Withdraw(ctx, "gone")

	got := l.ListJoinable(ctx)
	assert.Equal(t, []string{"remote", "local"}, ids(got))
	assert.Equal(t, t0.Add(-time.Minute), got[1].CreatedAt, "local entries win over stored ones")

	assert.Equal(t, []string{"local"}, ids(l.ListJoinable(ctx)), "a failing store falls back to local entries")
}

func ids(ss []domain.SessionSummary) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}
