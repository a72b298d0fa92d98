// Package gate checks that session control commands come from the session's moderator before they
// reach the session.
package gate

import (
	"context"
	"log/slog"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/session"
)

type Kind string

const (
	KindCreate  Kind = "create-session"
	KindStart   Kind = "start-session"
	KindAdvance Kind = "advance-round"
	KindReveal  Kind = "reveal-round"
	KindEnd     Kind = "end-session"
	KindRemove  Kind = "remove-participant"
)

// Command is a session control command. Sender is the authenticated identity that issued it.
type Command struct {
	Kind        Kind
	SessionID   string
	Sender      string
	Participant string          // remove-participant
	Settings    domain.Settings // create-session
	Reason      string          // end-session, optional
}

// Target is a session as seen by the gate.
type Target interface {
	Moderator() string
	Start(ctx context.Context) (domain.SessionView, error)
	Advance(ctx context.Context) (domain.SessionView, error)
	Reveal(ctx context.Context) (domain.SessionView, error)
	End(ctx context.Context, reason string) (domain.SessionView, error)
	Remove(ctx context.Context, participantID string) (domain.SessionView, error)
}

type Directory interface {
	Create(ctx context.Context, moderator string, settings domain.Settings) (domain.SessionView, error)
	Lookup(id string) (Target, error)
}

// FromRegistry exposes a session registry as a Directory.
func FromRegistry(r *session.Registry) Directory {
	return registry{r: r}
}

type registry struct {
	r *session.Registry
}

func (r registry) Create(ctx context.Context, moderator string, settings domain.Settings) (domain.SessionView, error) {
	return r.r.Create(ctx, moderator, settings)
}

func (r registry) Lookup(id string) (Target, error) {
	s, err := r.r.Get(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Gate struct {
	dir      Directory
	elevated map[string]bool
}

// New returns a gate. Identities in elevated may control every session.
func New(dir Directory, elevated ...string) *Gate {
	g := &Gate{
		dir:      dir,
		elevated: make(map[string]bool, len(elevated)),
	}
	for _, id := range elevated {
		g.elevated[id] = true
	}

	return g
}

// Execute authorizes cmd and forwards it. Authority is checked on every command against the moderator
// recorded by the session.
func (g *Gate) Execute(ctx context.Context, cmd Command) (domain.SessionView, error) {
	if cmd.Sender == "" {
		return domain.SessionView{}, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("%s: sender identity is required", cmd.Kind))
	}

	switch cmd.Kind {
	case KindCreate:
		return g.dir.Create(ctx, cmd.Sender, cmd.Settings)
	case KindStart, KindAdvance, KindReveal, KindEnd, KindRemove:
	default:
		return domain.SessionView{}, errors.Validation("unknown command %q", cmd.Kind)
	}

	if cmd.SessionID == "" {
		return domain.SessionView{}, errors.Validation("%s: session id is required", cmd.Kind)
	}
	if cmd.Kind == KindRemove && cmd.Participant == "" {
		return domain.SessionView{}, errors.Validation("%s: participant id is required", cmd.Kind)
	}

	t, err := g.dir.Lookup(cmd.SessionID)
	if err != nil {
		return domain.SessionView{}, err
	}

	if t.Moderator() != cmd.Sender && !g.elevated[cmd.Sender] {
		slog.WarnContext(ctx, "gate: unauthorized command",
			"command", cmd.Kind,
			"session", cmd.SessionID,
			"sender", cmd.Sender,
		)
		return domain.SessionView{}, errors.Unauthorized("%s is not the moderator of session %s", cmd.Sender, cmd.SessionID)
	}

	switch cmd.Kind {
	case KindStart:
		return t.Start(ctx)
	case KindAdvance:
		return t.Advance(ctx)
	case KindReveal:
		return t.Reveal(ctx)
	case KindEnd:
		return t.End(ctx, cmd.Reason)
	default:
		return t.Remove(ctx, cmd.Participant)
	}
}
