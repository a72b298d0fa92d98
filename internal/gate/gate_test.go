package gate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/gate"
)

type target struct {
	moderator string
	calls     []string
}

func (t *target) Moderator() string { return t.moderator }

func (t *target) record(call string) (domain.SessionView, error) {
	t.calls = append(t.calls, call)
	return domain.SessionView{ID: "s1"}, nil
}

func (t *target) Start(context.Context) (domain.SessionView, error)   { return t.record("start") }
func (t *target) Advance(context.Context) (domain.SessionView, error) { return t.record("advance") }
func (t *target) Reveal(context.Context) (domain.SessionView, error)  { return t.record("reveal") }
func (t *target) End(_ context.Context, reason string) (domain.SessionView, error) {
	return t.record("end:" + reason)
}
func (t *target) Remove(_ context.Context, id string) (domain.SessionView, error) {
	return t.record("remove:" + id)
}

type directory struct {
	target  *target
	created []string
}

func (d *directory) Create(_ context.Context, moderator string, _ domain.Settings) (domain.SessionView, error) {
	d.created = append(d.created, moderator)
	return domain.SessionView{ID: "new", Moderator: moderator}, nil
}

func (d *directory) Lookup(id string) (gate.Target, error) {
	if id != "s1" {
		return nil, errors.NotFound("session %s not found", id)
	}
	return d.target, nil
}

func TestGate_Execute(t *testing.T) {
	tests := map[string]struct {
		cmd    gate.Command
		assert func(t *testing.T, d *directory, err error)
	}{
		"moderator starts the session": {
			cmd: gate.Command{Kind: gate.KindStart, SessionID: "s1", Sender: "mod"},
			assert: func(t *testing.T, d *directory, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"start"}, d.target.calls)
			},
		},
		"moderator removes a participant": {
			cmd: gate.Command{Kind: gate.KindRemove, SessionID: "s1", Sender: "mod", Participant: "alice"},
			assert: func(t *testing.T, d *directory, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"remove:alice"}, d.target.calls)
			},
		},
		"elevated identity may end any session": {
			cmd: gate.Command{Kind: gate.KindEnd, SessionID: "s1", Sender: "admin", Reason: "maintenance"},
			assert: func(t *testing.T, d *directory, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"end:maintenance"}, d.target.calls)
			},
		},
		"another player cannot advance": {
			cmd: gate.Command{Kind: gate.KindAdvance, SessionID: "s1", Sender: "alice"},
			assert: func(t *testing.T, d *directory, err error) {
				assert.Equal(t, errors.ReasonUnauthorized, errors.ReasonOf(err))
				assert.Empty(t, d.target.calls)
			},
		},
		"anonymous sender is rejected": {
			cmd: gate.Command{Kind: gate.KindReveal, SessionID: "s1"},
			assert: func(t *testing.T, d *directory, err error) {
				assert.Equal(t, errors.ReasonUnauthorized, errors.ReasonOf(err))
				assert.Empty(t, d.target.calls)
			},
		},
		"unknown session": {
			cmd: gate.Command{Kind: gate.KindStart, SessionID: "s2", Sender: "mod"},
			assert: func(t *testing.T, d *directory, err error) {
				assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
			},
		},
		"remove without participant": {
			cmd: gate.Command{Kind: gate.KindRemove, SessionID: "s1", Sender: "mod"},
			assert: func(t *testing.T, d *directory, err error) {
				assert.Equal(t, errors.ReasonInvalid, errors.ReasonOf(err))
				assert.Empty(t, d.target.calls)
			},
		},
		"unknown command": {
			cmd: gate.Command{Kind: "pause-session", SessionID: "s1", Sender: "mod"},
			assert: func(t *testing.T, d *directory, err error) {
				assert.Equal(t, errors.ReasonInvalid, errors.ReasonOf(err))
			},
		},
		"create makes the sender the moderator": {
			cmd: gate.Command{Kind: gate.KindCreate, Sender: "carol"},
			assert: func(t *testing.T, d *directory, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"carol"}, d.created)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := &directory{target: &target{moderator: "mod"}}
			g := gate.New(d, "admin")

			_, err := g.Execute(context.Background(), tt.cmd)
			tt.assert(t, d, err)
		})
	}
}

func TestGate_AuthorityIsCheckedOnEveryCommand(t *testing.T) {
	d := &directory{target: &target{moderator: "mod"}}
	g := gate.New(d)

	_, err := g.Execute(context.Background(), gate.Command{Kind: gate.KindStart, SessionID: "s1", Sender: "mod"})
	require.NoError(t, err)

	d.target.moderator = "someone-else"
	_, err = g.Execute(context.Background(), gate.Command{Kind: gate.KindAdvance, SessionID: "s1", Sender: "mod"})
	assert.Equal(t, errors.ReasonUnauthorized, errors.ReasonOf(err))
}
