package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only receives the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("round.finalized"),
						named("session.ended"),
					},
					subscribers: []subscriber{
						{name: "anomaly", subscribeTo: []string{"round.finalized"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{named("round.finalized")}, out.received["anomaly"])
			},
		},

		"every subscriber of an event receives it": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("score.updated"),
						named("score.updated"),
					},
					subscribers: []subscriber{
						{name: "leaderboard", subscribeTo: []string{"score.updated"}},
						{name: "audit", subscribeTo: []string{"score.updated", "session.ended"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["leaderboard"], 2)
				assert.Len(t, out.received["audit"], 2)
			},
		},

		"a failing or panicking subscriber does not affect the others": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("session.ended"),
					},
					subscribers: []subscriber{
						{name: "broken", subscribeTo: []string{"session.ended"}, fail: true},
						{name: "panicky", subscribeTo: []string{"session.ended"}, panic: true},
						{name: "healthy", subscribeTo: []string{"session.ended"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{named("session.ended")}, out.received["healthy"])
				assert.Len(t, out.received["broken"], 1)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						if s.panic {
							panic("boom")
						}

						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()

						if s.fail {
							return errors.New("handler failed")
						}
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	b.Subscribe("round.finalized", func(ctx context.Context, e event.Event) error {
		<-release
		return nil
	})

	fast := make(chan struct{}, 1)
	b.Subscribe("round.finalized", func(ctx context.Context, e event.Event) error {
		fast <- struct{}{}
		return nil
	})

	b.Publish(context.Background(), named("round.finalized"))

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by the slow one")
	}

	close(release)
	b.Stop()
	require.Len(t, fast, 0)
}

func TestBus_PublishDoesNotWaitForABlockedSubscriber(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1), event.WithQueueSize(2))

	var (
		release = make(chan struct{})
		mu      sync.Mutex
		handled int
	)
	b.Subscribe("score.updated", func(ctx context.Context, e event.Event) error {
		<-release
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), named("score.updated"))
		}
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	close(release)
	b.Stop()

	// Besides the queued events, one may be running and one waiting for the pool; the rest are dropped.
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, handled, 2)
	assert.LessOrEqual(t, handled, 4)
}

func TestBus_IgnoresEventsAfterStop(t *testing.T) {
	b := event.NewBus()

	var calls int
	b.Subscribe("session.ended", func(ctx context.Context, e event.Event) error {
		calls++
		return nil
	})
	b.Stop()

	b.Publish(context.Background(), named("session.ended"))
	b.Stop()

	assert.Zero(t, calls)
}

type named string

func (e named) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
	fail        bool
	panic       bool
}
