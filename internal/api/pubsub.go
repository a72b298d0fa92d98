package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/livequiz/internal/domain"
)

const (
	maxConcurrent  = 100
	publishTimeout = 5 * time.Second
)

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher mirrors notifications to redis channels "<prefix>:user:<identity>" so that gateways in
// other processes can deliver them. It implements domain.Notifier.
type Publisher struct {
	redis  Redis
	prefix string
}

func NewPublisher(r Redis, prefix string) *Publisher {
	return &Publisher{redis: r, prefix: prefix}
}

// Notify publishes in the background; it never waits for redis.
func (p *Publisher) Notify(ctx context.Context, recipients []string, n domain.Notification) {
	if len(recipients) == 0 {
		return
	}

	b, err := json.Marshal(n)
	if err != nil {
		slog.ErrorContext(ctx, "pubsub: marshal notification failed", "event", n.Event, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := p.publish(ctx, recipients, b); err != nil {
			slog.ErrorContext(ctx, "pubsub: publish notification failed", "event", n.Event, "error", err)
		}
	}()
}

func (p *Publisher) publish(ctx context.Context, recipients []string, b []byte) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, user := range recipients {
		eg.Go(func() error {
			return p.redis.Publish(ctx, p.channel(user), b).Err()
		})
	}

	return eg.Wait()
}

func (p *Publisher) channel(user string) string {
	return fmt.Sprintf("%s:user:%s", p.prefix, user)
}
