package question

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

// Supplied is the outcome of asking for a round's question. Question is always usable: when the supplier
// failed, it comes from the fallback bank and Cause holds the upstream error.
type Supplied struct {
	Question domain.Question
	Fallback bool
	Cause    error
}

type RetryConfig struct {
	Supplier       Supplier
	Bank           *Bank
	Memory         *Memory
	Attempts       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // upper bound for all attempts together
}

// Retrying wraps a Supplier with bounded retries, duplicate avoidance and a fallback bank.
type Retrying struct {
	c RetryConfig
}

func NewRetrying(c RetryConfig) *Retrying {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Bank == nil {
		c.Bank = DefaultBank()
	}
	if c.Memory == nil {
		c.Memory = NewMemory()
	}

	return &Retrying{c: c}
}

var errRepeated = errors.Validation("question was already asked in this session")

// Next never blocks longer than the configured timeout and never fails.
func (r *Retrying) Next(ctx context.Context, spec Spec) Supplied {
	ctx, cancel := context.WithTimeout(ctx, r.c.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.c.InitialBackoff
	b.MaxInterval = r.c.MaxBackoff
	b.Multiplier = 2

	attempt := 0
	q, err := backoff.Retry(ctx, func() (domain.Question, error) {
		attempt++
		if r.c.Supplier == nil {
			return domain.Question{}, backoff.Permanent(errors.New(errors.CodeUnavailable, errors.WithMessagef("no question supplier configured")))
		}

		q, err := r.c.Supplier.Generate(ctx, spec)
		if err != nil {
			slog.WarnContext(ctx, "question: supplier attempt failed",
				"session", spec.SessionID,
				"attempt", attempt,
				"error", err,
			)
			return domain.Question{}, err
		}
		if q.TimeLimit <= 0 {
			q.TimeLimit = spec.TimeLimit
		}
		if err := Validate(q); err != nil {
			slog.WarnContext(ctx, "question: supplier returned an invalid question",
				"session", spec.SessionID,
				"attempt", attempt,
				"error", err,
			)
			return domain.Question{}, err
		}
		if r.c.Memory.Seen(spec.SessionID, q) {
			return domain.Question{}, errRepeated
		}

		return q, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.c.Attempts))

	if err == nil {
		r.c.Memory.Remember(spec.SessionID, q)
		return Supplied{Question: q}
	}

	fb := r.c.Bank.Pick(spec, func(q domain.Question) bool {
		return r.c.Memory.Seen(spec.SessionID, q)
	})
	r.c.Memory.Remember(spec.SessionID, fb)

	slog.ErrorContext(ctx, "question: supplier exhausted, using fallback",
		"session", spec.SessionID,
		"attempts", attempt,
		"error", err,
	)

	return Supplied{
		Question: fb,
		Fallback: true,
		Cause:    errors.Upstream(err, "question supplier failed after %d attempts", attempt),
	}
}

// Forget releases the dedup memory of a finished session.
func (r *Retrying) Forget(sessionID string) {
	r.c.Memory.Forget(sessionID)
}
