package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/telemetry"
)

type SyncConfig struct {
	Store          Store
	Name           string // metrics label
	Clock          clockwork.Clock
	Attempts       uint
	Concurrency    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RetryInterval  time.Duration // pause before a failed write is tried again
}

// Synchronizer writes session snapshots in the background. Only the latest snapshot of a session is
// kept while waiting, so a slow store never sees outdated intermediate states. A write that keeps
// failing is logged and queued again, never dropped.
type Synchronizer struct {
	c SyncConfig

	mu      sync.Mutex
	pending map[string]domain.SessionSnapshot
	writing map[string]bool
	wake    chan struct{}
}

func NewSynchronizer(c SyncConfig) *Synchronizer {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Name == "" {
		c.Name = "store"
	}
	if c.Attempts == 0 {
		c.Attempts = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}

	return &Synchronizer{
		c:       c,
		pending: make(map[string]domain.SessionSnapshot),
		writing: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue schedules snap for writing. It never blocks.
func (s *Synchronizer) Enqueue(snap domain.SessionSnapshot) {
	s.mu.Lock()
	s.queue(snap)
	n := len(s.pending)
	s.mu.Unlock()

	telemetry.PersistPending(n)
	s.signal()
}

// queue keeps the newest snapshot of a session. Callers hold mu.
func (s *Synchronizer) queue(snap domain.SessionSnapshot) {
	if cur, ok := s.pending[snap.ID]; ok && cur.Version >= snap.Version {
		return
	}
	s.pending[snap.ID] = snap
}

func (s *Synchronizer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run writes queued snapshots until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	t := s.c.Clock.NewTicker(s.c.RetryInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-t.Chan():
		}

		s.drain(ctx)
	}
}

func (s *Synchronizer) drain(ctx context.Context) {
	s.mu.Lock()
	batch := make([]domain.SessionSnapshot, 0, len(s.pending))
	for id, snap := range s.pending {
		batch = append(batch, snap)
		s.writing[id] = true
	}
	clear(s.pending)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.c.Concurrency)
	for _, snap := range batch {
		g.Go(func() error {
			s.write(ctx, snap)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for _, snap := range batch {
		delete(s.writing, snap.ID)
	}
	n := len(s.pending)
	s.mu.Unlock()

	telemetry.PersistPending(n)
}

func (s *Synchronizer) write(ctx context.Context, snap domain.SessionSnapshot) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.c.InitialBackoff
	b.MaxInterval = s.c.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.c.Store.SaveSession(ctx, snap)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.c.Attempts))
	if err == nil {
		return
	}

	telemetry.PersistFailed(s.c.Name)
	slog.ErrorContext(ctx, "persist: save session failed, queued again",
		"session", snap.ID,
		"version", snap.Version,
		"error", err,
	)

	s.mu.Lock()
	s.queue(snap)
	s.mu.Unlock()
}

// Durable reports whether the latest snapshot of session id was written.
func (s *Synchronizer) Durable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, pending := s.pending[id]
	return !pending && !s.writing[id]
}

// Flush waits until every queued snapshot was written or ctx is done. Run must be running.
func (s *Synchronizer) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.pending) == 0 && len(s.writing) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}

		s.signal()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
