package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	retention       = 24 * time.Hour
	globalKey       = "global"
)

type Config struct {
	EventBus *event.Bus
	Notifier domain.Notifier
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps one sorted set per session with session scores and a global one with the cumulative
// profile totals.
type Service struct {
	eb       *event.Bus
	notifier domain.Notifier
	redis    redis.UniversalClient
	prefix   string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		notifier: c.Notifier,
		redis:    c.Redis,
		prefix:   c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})
	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.Retire(ctx, e.(domain.EventSessionEnded).SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string // global leaderboard when empty
	Limit     int    // all entries when not positive
}

// GetLeaderboard returns participants sorted by score in descending order.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	stop := int64(-1)
	if req.Limit > 0 {
		stop = int64(req.Limit) - 1
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.NotFound("leaderboard not found: session=%s", req.SessionID)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: z.Member.(string),
			Score:         int64(z.Score),
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites the participant's scores in the session and global leaderboards.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.getLeaderboardKey(e.SessionID), redis.Z{
			Score:  float64(e.SessionScore),
			Member: e.ParticipantID,
		})
		p.ZAdd(ctx, s.getLeaderboardKey(""), redis.Z{
			Score:  float64(e.TotalScore),
			Member: e.ParticipantID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e)
}

// schedulePublishLeaderboard publishes at most one leaderboard per session and interval. A round finalizes
// many scores at once, so publishing each of them would flood the participants.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	// SetNX keeps several instances from publishing the same leaderboard.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(e.SessionID), e.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, e)
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: e.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", e.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	if s.notifier != nil {
		to := make([]string, 0, len(l.Entries))
		for _, entry := range l.Entries {
			to = append(to, entry.ParticipantID)
		}
		s.notifier.Notify(ctx, to, domain.Notification{Event: domain.EventNameLeaderboardUpdated, Data: l})
	}

	return nil
}

// Retire lets the leaderboard of a finished session expire. The global leaderboard is kept.
func (s *Service) Retire(ctx context.Context, sessionID string) error {
	return s.redis.Expire(ctx, s.getLeaderboardKey(sessionID), retention).Err()
}

func (s *Service) getLeaderboardKey(session string) string {
	if session == "" {
		session = globalKey
	}
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
