// Package persist records session snapshots and participant profiles in durable stores.
package persist

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

type Store interface {
	// SaveSession writes snap and the profiles of its players. Older versions never replace newer ones.
	SaveSession(ctx context.Context, snap domain.SessionSnapshot) error
	LoadSession(ctx context.Context, id string) (domain.SessionSnapshot, error)
	// ListOpen returns the sessions that are not finished.
	ListOpen(ctx context.Context) ([]domain.SessionSnapshot, error)
	FindJoinable(ctx context.Context) ([]domain.SessionSummary, error)
	FindParticipant(ctx context.Context, id string) (domain.Profile, error)
}

// Contribution is what one session adds to a participant's profile. Stores keep the latest contribution of
// every (participant, session) pair and add the difference to the profile, so sessions never overwrite each
// other's points.
type Contribution struct {
	ParticipantID string
	SessionID     string
	Version       int64
	Score         int64
	Played        bool
	Avatar        string
	// Active is false for removed players; their points still count but they no longer touch the avatar or
	// the last activity.
	Active bool
	At     time.Time
}

// Contributions derives the profile contributions of a snapshot. A session counts as a played game once it
// left the waiting state, unless the player was removed before answering anything.
func Contributions(snap domain.SessionSnapshot) []Contribution {
	out := make([]Contribution, 0, len(snap.Players))
	for _, p := range snap.Players {
		out = append(out, Contribution{
			ParticipantID: p.ID,
			SessionID:     snap.ID,
			Version:       snap.Version,
			Score:         p.Score,
			Played:        snap.Status != domain.StatusWaiting && (!p.Removed || p.Answered > 0),
			Avatar:        p.Avatar,
			Active:        !p.Removed,
			At:            snap.UpdatedAt,
		})
	}

	return out
}

// Multi writes to every store and reads from the first one that answers.
type Multi []Store

func (m Multi) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	var errs []error
	for i, s := range m {
		if err := s.SaveSession(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}

	return stderrors.Join(errs...)
}

func (m Multi) LoadSession(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	return first(m, func(s Store) (domain.SessionSnapshot, error) {
		return s.LoadSession(ctx, id)
	})
}

func (m Multi) ListOpen(ctx context.Context) ([]domain.SessionSnapshot, error) {
	return first(m, func(s Store) ([]domain.SessionSnapshot, error) {
		return s.ListOpen(ctx)
	})
}

func (m Multi) FindJoinable(ctx context.Context) ([]domain.SessionSummary, error) {
	return first(m, func(s Store) ([]domain.SessionSummary, error) {
		return s.FindJoinable(ctx)
	})
}

func (m Multi) FindParticipant(ctx context.Context, id string) (domain.Profile, error) {
	return first(m, func(s Store) (domain.Profile, error) {
		return s.FindParticipant(ctx, id)
	})
}

// first returns the first answer that is not a failure. A not-found answer counts as an answer.
func first[T any](stores []Store, fn func(Store) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	for _, s := range stores {
		v, err := fn(s)
		if err == nil || errors.ReasonOf(err) == errors.ReasonNotFound {
			return v, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return zero, errors.NotFound("no store configured")
	}

	return zero, stderrors.Join(errs...)
}
