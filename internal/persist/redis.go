package persist

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

// setIfNewer stores data in hash KEYS[1] unless the stored rank is greater than ARGV[1].
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rank')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rank', ARGV[1], 'data', ARGV[2])
return 1
`)

// contribute records one session's contribution in ledger KEYS[2] and adds its difference to profile
// KEYS[1]. A contribution older than the recorded one is ignored.
//
//	ARGV: session, version, score, played (0/1), active (0/1), avatar, at (unix ms)
var contribute = redis.NewScript(`
local vkey, skey, pkey = ARGV[1] .. ':version', ARGV[1] .. ':score', ARGV[1] .. ':played'
local cur = redis.call('HGET', KEYS[2], vkey)
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
local score = tonumber(ARGV[3]) - tonumber(redis.call('HGET', KEYS[2], skey) or '0')
local played = tonumber(ARGV[4]) - tonumber(redis.call('HGET', KEYS[2], pkey) or '0')
redis.call('HSET', KEYS[2], vkey, ARGV[2], skey, ARGV[3], pkey, ARGV[4])
redis.call('HINCRBY', KEYS[1], 'total_score', score)
redis.call('HINCRBY', KEYS[1], 'games_played', played)
local last = tonumber(redis.call('HGET', KEYS[1], 'last_active') or '-1')
if last < 0 or (ARGV[5] == '1' and tonumber(ARGV[7]) >= last) then
	redis.call('HSET', KEYS[1], 'avatar', ARGV[6], 'last_active', ARGV[7])
end
return 1
`)

type profileRecord struct {
	Avatar      string `redis:"avatar"`
	TotalScore  int64  `redis:"total_score"`
	GamesPlayed int64  `redis:"games_played"`
	LastActive  int64  `redis:"last_active"`
}

// RedisStore keeps snapshots as JSON in hashes, with indexes for open and joinable sessions, and profiles as
// hashes of counters fed by a per-session ledger.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(r redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{redis: r, prefix: prefix}
}

func (s *RedisStore) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	applied, err := setIfNewer.Run(ctx, s.redis, []string{s.sessionKey(snap.ID)}, snap.Version, data).Int()
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	if applied == 0 {
		return nil
	}

	sum := snap.Summary()
	summary, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		if snap.Status == domain.StatusFinished {
			p.SRem(ctx, s.openKey(), snap.ID)
		} else {
			p.SAdd(ctx, s.openKey(), snap.ID)
		}
		if sum.Joinable() {
			p.HSet(ctx, s.joinableKey(), snap.ID, summary)
		} else {
			p.HDel(ctx, s.joinableKey(), snap.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index session %s: %w", snap.ID, err)
	}

	for _, c := range Contributions(snap) {
		keys := []string{s.participantKey(c.ParticipantID), s.ledgerKey(c.ParticipantID)}
		err := contribute.Run(ctx, s.redis, keys,
			c.SessionID, c.Version, c.Score, flag(c.Played), flag(c.Active), c.Avatar, c.At.UnixMilli()).Err()
		if err != nil {
			return fmt.Errorf("save profile %s: %w", c.ParticipantID, err)
		}
	}

	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *RedisStore) LoadSession(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	if err := s.get(ctx, s.sessionKey(id), &snap); err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}

	return snap, nil
}

func (s *RedisStore) ListOpen(ctx context.Context) ([]domain.SessionSnapshot, error) {
	ids, err := s.redis.SMembers(ctx, s.openKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	out := make([]domain.SessionSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.LoadSession(ctx, id)
		if errors.ReasonOf(err) == errors.ReasonNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if snap.Status != domain.StatusFinished {
			out = append(out, snap)
		}
	}

	return out, nil
}

func (s *RedisStore) FindJoinable(ctx context.Context) ([]domain.SessionSummary, error) {
	vals, err := s.redis.HVals(ctx, s.joinableKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("find joinable sessions: %w", err)
	}

	out := make([]domain.SessionSummary, 0, len(vals))
	for _, v := range vals {
		var sum domain.SessionSummary
		if err := json.Unmarshal([]byte(v), &sum); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		if sum.Joinable() {
			out = append(out, sum)
		}
	}

	return out, nil
}

func (s *RedisStore) FindParticipant(ctx context.Context, id string) (domain.Profile, error) {
	res := s.redis.HGetAll(ctx, s.participantKey(id))
	if err := res.Err(); err != nil {
		return domain.Profile{}, fmt.Errorf("find participant %s: %w", id, err)
	}
	if len(res.Val()) == 0 {
		return domain.Profile{}, errors.NotFound("participant %s not found", id)
	}

	var rec profileRecord
	if err := res.Scan(&rec); err != nil {
		return domain.Profile{}, fmt.Errorf("scan participant %s: %w", id, err)
	}

	return domain.Profile{
		ID:          id,
		Avatar:      rec.Avatar,
		TotalScore:  rec.TotalScore,
		GamesPlayed: rec.GamesPlayed,
		LastActive:  time.UnixMilli(rec.LastActive).UTC(),
	}, nil
}

func (s *RedisStore) get(ctx context.Context, key string, v any) error {
	data, err := s.redis.HGet(ctx, key, "data").Bytes()
	if stderrors.Is(err, redis.Nil) {
		return errors.NotFound("%s not found", key)
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

// The profile and its ledger share a hash tag so the script runs on one cluster slot.
func (s *RedisStore) participantKey(id string) string {
	return fmt.Sprintf("%s:participant:{%s}", s.prefix, id)
}

func (s *RedisStore) ledgerKey(id string) string {
	return fmt.Sprintf("%s:participant:{%s}:sessions", s.prefix, id)
}

func (s *RedisStore) openKey() string {
	return fmt.Sprintf("%s:sessions:open", s.prefix)
}

func (s *RedisStore) joinableKey() string {
	return fmt.Sprintf("%s:sessions:joinable", s.prefix)
}
