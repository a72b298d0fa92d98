package realtime_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/gate"
	"github.com/victornm/livequiz/internal/lobby"
	"github.com/victornm/livequiz/internal/question"
	"github.com/victornm/livequiz/internal/realtime"
	"github.com/victornm/livequiz/internal/session"
)

type fixedSource struct{}

func (fixedSource) Next(context.Context, question.Spec) question.Supplied {
	return question.Supplied{Question: domain.Question{
		Text:         "Which planet is known as the red planet?",
		Options:      []string{"Venus", "Mars", "Jupiter", "Saturn"},
		CorrectIndex: 1,
		Explanation:  "Iron oxide gives Mars its color.",
		TimeLimit:    10 * time.Second,
	}}
}

type server struct {
	url      string
	hub      *realtime.Hub
	registry *session.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()

	clock := clockwork.NewFakeClock()
	hub := realtime.NewHub(realtime.Config{Clock: clock})
	lob := lobby.New(hub)
	reg := session.NewRegistry(session.Config{
		Clock:     clock,
		Questions: fixedSource{},
		Notifier:  hub,
		Lobby:     lob,
	})
	hub.Route(realtime.Services{
		Lobby:    lob,
		Sessions: reg,
		Gate:     gate.New(gate.FromRegistry(reg)),
	})

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		reg.Close()
	})

	return &server{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:      hub,
		registry: reg,
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *server) dial(t *testing.T) *client {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return &client{t: t, ws: ws}
}

func (c *client) send(typ string, data any) {
	c.t.Helper()

	b, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(realtime.Envelope{Type: typ, Data: b}))
}

// await reads until a message of the given event arrives and decodes its data into v.
func (c *client) await(event string, v any) {
	c.t.Helper()

	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m message
		require.NoError(c.t, c.ws.ReadJSON(&m), "waiting for %s", event)
		if m.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(m.Data, v))
		}
		return
	}
}

func TestHub_PlaysARound(t *testing.T) {
	s := newServer(t)

	mod := s.dial(t)
	mod.send(realtime.CommandJoinLobby, realtime.Payload{Identity: "mod"})
	mod.await(domain.EventNameLobbyJoined, nil)

	mod.send(string(gate.KindCreate), realtime.Payload{Settings: domain.Settings{TotalRounds: 1}})
	var created domain.SessionView
	mod.await(domain.EventNameSessionCreated, &created)
	require.NotEmpty(t, created.ID)

	alice := s.dial(t)
	alice.send(realtime.CommandJoinLobby, realtime.Payload{Identity: "alice", Avatar: "fox"})
	var joined domain.LobbyJoined
	alice.await(domain.EventNameLobbyJoined, &joined)
	require.Len(t, joined.Sessions, 1)
	assert.Equal(t, created.ID, joined.Sessions[0].ID)

	alice.send(realtime.CommandJoinSession, realtime.Payload{SessionID: created.ID})
	var view domain.SessionView
	alice.await(domain.EventNameSessionUpdated, &view)
	require.Len(t, view.Players, 1)
	assert.Equal(t, "fox", view.Players[0].Avatar)

	sess, err := s.registry.Get(created.ID)
	require.NoError(t, err)

	mod.send(string(gate.KindStart), realtime.Payload{SessionID: created.ID})
	require.Eventually(t, func() bool { return sess.Status() == domain.StatusActive }, 2*time.Second, 10*time.Millisecond)
	mod.send(string(gate.KindAdvance), realtime.Payload{SessionID: created.ID})

	var started domain.RoundStarted
	alice.await(domain.EventNameRoundStarted, &started)
	assert.Equal(t, created.ID, started.SessionID)
	assert.Equal(t, []string{"Venus", "Mars", "Jupiter", "Saturn"}, started.Question.Options)

	alice.send(realtime.CommandSubmit, realtime.Payload{SessionID: created.ID, RoundIndex: started.Index, OptionIndex: 1})
	var ack domain.AnswerAcknowledged
	alice.await(domain.EventNameAnswerAcknowledged, &ack)
	assert.True(t, ack.Accepted)

	alice.send(realtime.CommandSubmit, realtime.Payload{SessionID: created.ID, RoundIndex: started.Index, OptionIndex: 2})
	alice.await(domain.EventNameAnswerAcknowledged, &ack)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "duplicate-answer", ack.Reason)

	mod.send(string(gate.KindReveal), realtime.Payload{SessionID: created.ID})
	var results domain.RoundResults
	alice.await(domain.EventNameRoundFinalized, &results)
	require.Len(t, results.Results, 1)
	assert.True(t, results.Results[0].Correct)
}

func TestHub_RejectsCommands(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, s *server, c *client)
		typ     string
		data    realtime.Payload
		reason  string
	}{
		"before joining the lobby": {
			typ:    realtime.CommandList,
			reason: "unauthorized",
		},
		"unknown command": {
			arrange: joinLobby("alice"),
			typ:     "dance",
			reason:  "invalid",
		},
		"join-lobby without identity": {
			typ:    realtime.CommandJoinLobby,
			reason: "invalid",
		},
		"unknown session": {
			arrange: joinLobby("alice"),
			typ:     realtime.CommandJoinSession,
			data:    realtime.Payload{SessionID: "nope"},
			reason:  "not-found",
		},
		"moderator command from a participant": {
			arrange: func(t *testing.T, s *server, c *client) {
				v, err := s.registry.Create(context.Background(), "mod", domain.Settings{})
				require.NoError(t, err)
				joinLobby("alice")(t, s, c)
				c.send(realtime.CommandJoinSession, realtime.Payload{SessionID: v.ID})
				c.await(domain.EventNameSessionUpdated, nil)
				c.send(string(gate.KindStart), realtime.Payload{SessionID: v.ID})
			},
			reason: "unauthorized",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := newServer(t)
			c := s.dial(t)
			if tt.arrange != nil {
				tt.arrange(t, s, c)
			}
			if tt.typ != "" {
				c.send(tt.typ, tt.data)
			}

			var rejected domain.CommandRejected
			c.await(domain.EventNameCommandRejected, &rejected)
			assert.Equal(t, tt.reason, rejected.Reason)
		})
	}
}

func joinLobby(identity string) func(t *testing.T, s *server, c *client) {
	return func(t *testing.T, _ *server, c *client) {
		c.send(realtime.CommandJoinLobby, realtime.Payload{Identity: identity})
		c.await(domain.EventNameLobbyJoined, nil)
	}
}

func TestHub_ReconnectKeepsTheRosterEntry(t *testing.T) {
	s := newServer(t)

	v, err := s.registry.Create(context.Background(), "mod", domain.Settings{})
	require.NoError(t, err)

	first := s.dial(t)
	joinLobby("alice")(t, s, first)
	first.send(realtime.CommandJoinSession, realtime.Payload{SessionID: v.ID})
	first.await(domain.EventNameSessionUpdated, nil)

	require.NoError(t, first.ws.Close())
	require.Eventually(t, func() bool { return !s.hub.Connected("alice") }, 2*time.Second, 10*time.Millisecond)

	sess, err := s.registry.Get(v.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, err := sess.View(context.Background())
		return err == nil && len(view.Players) == 1 && !view.Players[0].Connected
	}, 2*time.Second, 10*time.Millisecond)

	second := s.dial(t)
	second.send(realtime.CommandJoinLobby, realtime.Payload{Identity: "alice"})
	var view domain.SessionView
	second.await(domain.EventNameSessionUpdated, &view)
	assert.Equal(t, v.ID, view.ID)
	require.Len(t, view.Players, 1)
	assert.True(t, view.Players[0].Connected)
}
