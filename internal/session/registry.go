package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/telemetry"
)

const profileTimeout = 2 * time.Second

// ProfileFinder looks up the durable profile of a participant.
type ProfileFinder interface {
	FindParticipant(ctx context.Context, id string) (domain.Profile, error)
}

// Registry owns the sessions of this process, indexed by id, and enforces that a participant belongs to
// at most one session that is not finished.
type Registry struct {
	c        Config
	profiles ProfileFinder

	mu       sync.RWMutex
	sessions map[string]*Session
	members  map[string]string // participant -> session
}

type Option func(*Registry)

func WithProfiles(p ProfileFinder) Option {
	return func(r *Registry) {
		r.profiles = p
	}
}

func NewRegistry(c Config, opts ...Option) *Registry {
	r := &Registry{
		c:        c.withDefaults(),
		sessions: make(map[string]*Session),
		members:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Create opens a waiting session owned by moderator and announces it in the lobby.
func (r *Registry) Create(ctx context.Context, moderator string, settings domain.Settings) (domain.SessionView, error) {
	if moderator == "" {
		return domain.SessionView{}, errors.Validation("moderator identity is required")
	}

	settings, err := r.c.Defaults.normalize(settings)
	if err != nil {
		return domain.SessionView{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.SessionView{}, errors.Internal(fmt.Errorf("generate session ID: %w", err))
	}

	s := newSession(id.String(), moderator, settings, r.c)
	r.register(s)

	var view domain.SessionView
	err = s.exec(ctx, func() error {
		s.announce(ctx)
		s.touch()
		view = s.view()
		s.notify(ctx, []string{moderator}, domain.EventNameSessionCreated, view)
		return nil
	})
	if err != nil {
		return domain.SessionView{}, err
	}

	slog.InfoContext(ctx, "session: created", "session", s.id, "moderator", moderator, "ruleset", settings.Ruleset)
	return view, nil
}

func (r *Registry) register(s *Session) {
	s.released = func(ids ...string) {
		r.release(s.id, ids...)
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.run()
	telemetry.SessionOpened()
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session %s not found", id)
	}

	return s, nil
}

// Sessions returns the sessions held in memory, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	// UUIDv7 ids sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Join adds p to session id. The membership is reserved before the session is asked, so concurrent joins
// of the same participant to different sessions cannot both succeed.
func (r *Registry) Join(ctx context.Context, id string, p domain.Participant) (domain.SessionView, error) {
	if p.ID == "" {
		return domain.SessionView{}, errors.Validation("participant identity is required")
	}

	s, err := r.Get(id)
	if err != nil {
		return domain.SessionView{}, err
	}

	r.mu.Lock()
	if cur, ok := r.members[p.ID]; ok {
		r.mu.Unlock()
		return domain.SessionView{}, errors.New(errors.CodeFailedPrecondition, errors.WithReason(errors.ReasonAlreadyJoined),
			errors.WithMessagef("participant %s already belongs to session %s", p.ID, cur))
	}
	r.members[p.ID] = id
	r.mu.Unlock()

	view, err := s.Join(ctx, p, r.profile(ctx, p.ID))
	if err != nil {
		r.release(id, p.ID)
		return domain.SessionView{}, err
	}

	return view, nil
}

func (r *Registry) profile(ctx context.Context, id string) domain.Profile {
	if r.profiles == nil {
		return domain.Profile{ID: id}
	}

	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	p, err := r.profiles.FindParticipant(ctx, id)
	if err != nil {
		if errors.ReasonOf(err) != errors.ReasonNotFound {
			slog.WarnContext(ctx, "session: load participant profile failed", "participant", id, "error", err)
		}
		return domain.Profile{ID: id}
	}

	return p
}

func (r *Registry) release(sessionID string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if r.members[id] == sessionID {
			delete(r.members, id)
		}
	}
}

// SessionOf returns the session participant id currently belongs to.
func (r *Registry) SessionOf(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sid, ok := r.members[id]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sid]
	return s, ok
}

// Disconnect marks the participant offline in its session, if any.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	s, ok := r.SessionOf(id)
	if !ok {
		return nil
	}

	return s.Disconnect(ctx, id)
}

// Reconnect reattaches a participant to its session. ok is false when it belongs to none.
func (r *Registry) Reconnect(ctx context.Context, id string) (view domain.SessionView, ok bool, err error) {
	s, ok := r.SessionOf(id)
	if !ok {
		return domain.SessionView{}, false, nil
	}

	view, err = s.Reconnect(ctx, id)
	return view, true, err
}

// Restore loads sessions that were not finished when the process stopped. A round that was open is
// finalized right away.
func (r *Registry) Restore(ctx context.Context, snaps []domain.SessionSnapshot) int {
	n := 0
	for _, snap := range snaps {
		if snap.Status == domain.StatusFinished {
			continue
		}
		if _, err := r.Get(snap.ID); err == nil {
			continue
		}

		s := restore(snap, r.c)
		r.mu.Lock()
		for _, p := range snap.Players {
			if !p.Removed {
				r.members[p.ID] = snap.ID
			}
		}
		r.mu.Unlock()
		r.register(s)

		err := s.exec(ctx, func() error {
			if rd := s.current(); rd != nil && !rd.Finalized() {
				s.finalize(ctx, rd.Index(), TriggerRecovery)
			}
			s.announce(ctx)
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "session: recover session failed", "session", snap.ID, "error", err)
			continue
		}

		slog.InfoContext(ctx, "session: restored", "session", snap.ID, "status", snap.Status, "rounds", len(snap.Rounds))
		n++
	}

	return n
}

// Reap drops finished sessions whose last snapshot is durable.
func (r *Registry) Reap(durable func(id string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		if s.Status() != domain.StatusFinished || !durable(id) {
			continue
		}
		s.Close()
		delete(r.sessions, id)
		n++
	}

	return n
}

// Close stops every session loop.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.Close()
	}
}
