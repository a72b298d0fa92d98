package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/gate"
)

const (
	CommandJoinLobby   = "join-lobby"
	CommandLeaveLobby  = "leave-lobby"
	CommandList        = "list-sessions"
	CommandJoinSession = "join-session"
	CommandSubmit      = "submit-answer"
)

// Envelope is the frame of every client message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload holds the fields of every client command; each command reads the ones it needs.
type Payload struct {
	Identity      string          `json:"identity"`
	Avatar        string          `json:"avatar"`
	SessionID     string          `json:"session_id"`
	RoundIndex    int             `json:"round_index"`
	OptionIndex   int             `json:"option_index"`
	ParticipantID string          `json:"participant_id"`
	Settings      domain.Settings `json:"settings"`
	Reason        string          `json:"reason"`
}

var moderatorCommands = map[string]gate.Kind{
	string(gate.KindCreate):  gate.KindCreate,
	string(gate.KindStart):   gate.KindStart,
	string(gate.KindAdvance): gate.KindAdvance,
	string(gate.KindReveal):  gate.KindReveal,
	string(gate.KindEnd):     gate.KindEnd,
	string(gate.KindRemove):  gate.KindRemove,
}

func (c *conn) handle(msg []byte, receivedAt time.Time) {
	var (
		env Envelope
		p   Payload
	)
	if err := json.Unmarshal(msg, &env); err != nil {
		c.reject("", errors.Validation("malformed message: %v", err))
		return
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.reject(env.Type, errors.Validation("malformed %s payload: %v", env.Type, err))
			return
		}
	}

	if env.Type == CommandJoinLobby {
		c.run(env.Type, func(ctx context.Context) error { return c.joinLobby(ctx, p) })
		return
	}

	identity := c.identity()
	if identity == "" {
		c.reject(env.Type, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("join the lobby first")))
		return
	}

	svc := c.hub.svc
	switch env.Type {
	case CommandLeaveLobby:
		c.run(env.Type, func(ctx context.Context) error {
			svc.Lobby.Leave(ctx, identity)
			return nil
		})

	case CommandList:
		c.run(env.Type, func(ctx context.Context) error {
			c.reply(domain.Notification{
				Event: domain.EventNameLobbyJoined,
				Data:  domain.LobbyJoined{Identity: identity, Sessions: svc.Lobby.ListJoinable(ctx)},
			})
			return nil
		})

	case CommandJoinSession:
		c.run(env.Type, func(ctx context.Context) error {
			_, err := svc.Lobby.Join(ctx, identity, p.SessionID, svc.Sessions)
			return err
		})

	case CommandSubmit:
		c.run(env.Type, func(ctx context.Context) error {
			s, err := svc.Sessions.Get(p.SessionID)
			if err != nil {
				return err
			}
			// The session acknowledges accepted and rejected answers itself.
			_, _ = s.Submit(ctx, identity, p.RoundIndex, p.OptionIndex, receivedAt)
			return nil
		})

	default:
		kind, ok := moderatorCommands[env.Type]
		if !ok {
			c.reject(env.Type, errors.Validation("unknown command %q", env.Type))
			return
		}

		cmd := gate.Command{
			Kind:        kind,
			SessionID:   p.SessionID,
			Sender:      identity,
			Participant: p.ParticipantID,
			Settings:    p.Settings,
			Reason:      p.Reason,
		}
		// Advancing waits for the question supplier; the moderator's other commands must not queue behind it.
		c.hub.wg.Add(1)
		go func() {
			defer c.hub.wg.Done()
			c.run(env.Type, func(ctx context.Context) error {
				_, err := svc.Gate.Execute(ctx, cmd)
				return err
			})
		}()
	}
}

func (c *conn) run(command string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.c.CommandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		c.reject(command, err)
	}
}

// joinLobby binds the connection to an identity. A participant that still belongs to a session is
// reattached to it instead of entering the lobby.
func (c *conn) joinLobby(ctx context.Context, p Payload) error {
	if p.Identity == "" {
		return errors.Validation("identity is required")
	}

	c.mu.Lock()
	if c.ident != "" && c.ident != p.Identity {
		cur := c.ident
		c.mu.Unlock()
		return errors.Validation("connection already belongs to %s", cur)
	}
	c.ident = p.Identity
	c.mu.Unlock()

	c.hub.bind(p.Identity, c)

	svc := c.hub.svc
	if _, ok, err := svc.Sessions.Reconnect(ctx, p.Identity); ok {
		return err
	}

	_, err := svc.Lobby.Enter(ctx, domain.Participant{ID: p.Identity, Avatar: p.Avatar, Conn: c.id})
	return err
}

func (c *conn) reject(command string, err error) {
	e := errors.Convert(err)
	slog.Info("realtime: command rejected",
		"conn", c.id,
		"identity", c.identity(),
		"command", command,
		"error", err,
	)

	c.reply(domain.Notification{
		Event: domain.EventNameCommandRejected,
		Data: domain.CommandRejected{
			Command: command,
			Reason:  string(e.Reason),
			Message: e.Message,
		},
	})
}
