//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/realtime"
)

const (
	grpcAddr = "localhost:9090"
	wsURL    = "ws://localhost:8080/ws"
)

func TestQuiz(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var (
		mod     = api.NewModeratorClient(makeGRPC(t), "quizmaster")
		wg      = new(sync.WaitGroup)
		players = []string{"u1", "u2", "u3"}
		rounds  = 3
	)

	// Prepare Redis subscriber
	subscribeAsUser(t, makeRedis(t), wg, "u1")

	v, err := mod.CreateSession(ctx, domain.Settings{Topic: "geography", TotalRounds: rounds, MaxPlayers: 10})
	require.NoError(t, err)
	t.Logf("Session %s created", v.ID)

	clients := make(map[string]*player, len(players))
	for _, u := range players {
		p := dial(t, u)
		p.send(t, realtime.CommandJoinLobby, realtime.Payload{Identity: u})
		p.await(t, domain.EventNameLobbyJoined)
		p.send(t, realtime.CommandJoinSession, realtime.Payload{SessionID: v.ID})
		clients[u] = p
	}

	_, err = mod.StartSession(ctx, v.ID)
	require.NoError(t, err)

	for i := 0; i < rounds; i++ {
		v, err = mod.AdvanceRound(ctx, v.ID)
		require.NoError(t, err)
		require.NotNil(t, v.CurrentRound)
		t.Logf("Round %d: %s", v.CurrentRound.Index, v.CurrentRound.Question.Text)

		// All players answer concurrently
		var eg errgroup.Group
		for n, u := range players {
			p := clients[u]
			option := n % len(v.CurrentRound.Question.Options)
			eg.Go(func() error {
				p.await(t, domain.EventNameRoundStarted)
				p.send(t, realtime.CommandSubmit, realtime.Payload{
					SessionID:   v.ID,
					RoundIndex:  v.CurrentRound.Index,
					OptionIndex: option,
				})

				var ack domain.AnswerAcknowledged
				if err := json.Unmarshal(p.await(t, domain.EventNameAnswerAcknowledged), &ack); err != nil {
					return fmt.Errorf("player %q: %w", u, err)
				}
				if !ack.Accepted {
					return fmt.Errorf("player %q: answer rejected: %s", u, ack.Reason)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		_, err = mod.RevealRound(ctx, v.ID)
		require.NoError(t, err)
	}

	v, err = mod.EndSession(ctx, v.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFinished, v.Status)

	var ended domain.SessionEnded
	require.NoError(t, json.Unmarshal(clients["u1"].await(t, domain.EventNameSessionEnded), &ended))
	for _, s := range ended.Standings {
		t.Logf("%+v", s)
	}

	wg.Wait()
}

type player struct {
	id string
	ws *websocket.Conn
}

func dial(t *testing.T, id string) *player {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return &player{id: id, ws: ws}
}

func (p *player) send(t *testing.T, command string, payload realtime.Payload) {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, p.ws.WriteJSON(realtime.Envelope{Type: command, Data: data}))
}

// await reads notifications until one named event arrives and returns its data.
func (p *player) await(t *testing.T, event string) json.RawMessage {
	_ = p.ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var n struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := p.ws.ReadJSON(&n); err != nil {
			t.Errorf("player %q waiting for %s: %v", p.id, event, err)
			return nil
		}

		if n.Event == domain.EventNameCommandRejected {
			t.Logf("player %q: command rejected: %s", p.id, n.Data)
		}
		if n.Event == event {
			return n.Data
		}
	}
}

func makeGRPC(t *testing.T) *grpc.ClientConn {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("livequiz:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l domain.Leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))

			case domain.EventNameSessionEnded:
				return
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l domain.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%s: %d\n", e.ParticipantID, e.Score)
	}
	return s
}
