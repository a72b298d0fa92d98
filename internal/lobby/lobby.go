// Package lobby tracks participants that are connected but not attached to a session, and the list of
// sessions they can join.
package lobby

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const tombstoneTTL = 10 * time.Minute

// Store lists the joinable sessions known to every process.
type Store interface {
	FindJoinable(ctx context.Context) ([]domain.SessionSummary, error)
}

// Joiner attaches a participant to a session.
type Joiner interface {
	Join(ctx context.Context, sessionID string, p domain.Participant) (domain.SessionView, error)
}

type Lobby struct {
	notifier domain.Notifier
	store    Store
	now      func() time.Time

	mu        sync.RWMutex
	members   map[string]domain.Participant
	sessions  map[string]domain.SessionSummary
	withdrawn map[string]time.Time
}

type Option func(*Lobby)

// WithStore lets ListJoinable include sessions announced by other processes.
func WithStore(s Store) Option {
	return func(l *Lobby) {
		l.store = s
	}
}

func New(n domain.Notifier, opts ...Option) *Lobby {
	l := &Lobby{
		notifier:  n,
		now:       time.Now,
		members:   make(map[string]domain.Participant),
		sessions:  make(map[string]domain.SessionSummary),
		withdrawn: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Enter adds p to the lobby and sends it the joinable sessions. Entering again with the same identity
// moves the participant to the new connection.
func (l *Lobby) Enter(ctx context.Context, p domain.Participant) (domain.LobbyJoined, error) {
	if p.ID == "" {
		return domain.LobbyJoined{}, errors.Validation("participant identity is required")
	}

	l.mu.Lock()
	l.members[p.ID] = p
	l.mu.Unlock()

	joined := domain.LobbyJoined{Identity: p.ID, Sessions: l.ListJoinable(ctx)}
	l.notifier.Notify(ctx, []string{p.ID}, domain.Notification{Event: domain.EventNameLobbyJoined, Data: joined})
	l.broadcastSize(ctx)

	return joined, nil
}

// Leave removes a participant. It is a no-op for unknown identities.
func (l *Lobby) Leave(ctx context.Context, id string) {
	l.mu.Lock()
	_, ok := l.members[id]
	delete(l.members, id)
	l.mu.Unlock()

	if ok {
		l.broadcastSize(ctx)
	}
}

// Join hands the participant over to session sessionID. The lobby no longer references it once the join
// succeeded; on failure it stays in the lobby.
func (l *Lobby) Join(ctx context.Context, id, sessionID string, j Joiner) (domain.SessionView, error) {
	l.mu.Lock()
	p, ok := l.members[id]
	delete(l.members, id)
	l.mu.Unlock()
	if !ok {
		return domain.SessionView{}, errors.NotFound("participant %s is not in the lobby", id)
	}

	view, err := j.Join(ctx, sessionID, p)
	if err != nil {
		l.mu.Lock()
		if _, taken := l.members[id]; !taken {
			l.members[id] = p
		}
		l.mu.Unlock()
		return domain.SessionView{}, err
	}

	l.broadcastSize(ctx)
	return view, nil
}

func (l *Lobby) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.members[id]
	return ok
}

func (l *Lobby) Members() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.members))
	for id := range l.members {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Publish announces a joinable session to everyone in the lobby, or refreshes its entry.
func (l *Lobby) Publish(ctx context.Context, s domain.SessionSummary) {
	if !s.Joinable() {
		l.Withdraw(ctx, s.ID)
		return
	}

	l.mu.Lock()
	l.sessions[s.ID] = s
	delete(l.withdrawn, s.ID)
	l.mu.Unlock()

	l.notifier.Notify(ctx, l.Members(), domain.Notification{Event: domain.EventNameSessionAvailable, Data: s})
}

// Withdraw removes a session that started, filled up or finished from future listings. Participants
// that are already joining it are not affected.
func (l *Lobby) Withdraw(ctx context.Context, sessionID string) {
	now := l.now()

	l.mu.Lock()
	_, listed := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	l.withdrawn[sessionID] = now
	for id, at := range l.withdrawn {
		if now.Sub(at) > tombstoneTTL {
			delete(l.withdrawn, id)
		}
	}
	l.mu.Unlock()

	if listed {
		l.notifier.Notify(ctx, l.Members(), domain.Notification{
			Event: domain.EventNameSessionWithdrawn,
			Data:  map[string]string{"session_id": sessionID},
		})
	}
}

// ListJoinable returns joinable sessions, oldest first. Sessions of other processes come from the store
// and may be slightly stale.
func (l *Lobby) ListJoinable(ctx context.Context) []domain.SessionSummary {
	l.mu.RLock()
	byID := make(map[string]domain.SessionSummary, len(l.sessions))
	for id, s := range l.sessions {
		byID[id] = s
	}
	l.mu.RUnlock()

	if l.store != nil {
		remote, err := l.store.FindJoinable(ctx)
		if err != nil {
			slog.WarnContext(ctx, "lobby: find joinable sessions failed", "error", err)
		}

		l.mu.RLock()
		for _, s := range remote {
			if _, gone := l.withdrawn[s.ID]; gone {
				continue
			}
			if _, ok := byID[s.ID]; !ok && s.Joinable() {
				byID[s.ID] = s
			}
		}
		l.mu.RUnlock()
	}

	out := make([]domain.SessionSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

func (l *Lobby) broadcastSize(ctx context.Context) {
	members := l.Members()
	l.notifier.Notify(ctx, members, domain.Notification{
		Event: domain.EventNameLobbyUpdated,
		Data:  domain.LobbyUpdated{Members: len(members)},
	})
}
