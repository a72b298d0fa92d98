package domain

import (
	"context"
	"time"
)

// Status is the lifecycle state of a session. Transitions only move forward.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Ruleset selects how round outcomes affect players.
type Ruleset string

const (
	RulesetCumulative  Ruleset = "cumulative"
	RulesetElimination Ruleset = "elimination"
)

// Participant is a player identity. Conn is the handle of the live connection currently owning it,
// empty while offline.
type Participant struct {
	ID     string `json:"id"`
	Avatar string `json:"avatar"`
	Conn   string `json:"-"`
}

// Profile is the durable record of a participant across sessions.
type Profile struct {
	ID          string    `json:"id"`
	Avatar      string    `json:"avatar"`
	TotalScore  int64     `json:"total_score"`
	GamesPlayed int64     `json:"games_played"`
	LastActive  time.Time `json:"last_active"`
}

// Question is a validated question record.
type Question struct {
	Text         string        `json:"text"`
	Options      []string      `json:"options"`
	CorrectIndex int           `json:"correct_index"`
	Explanation  string        `json:"explanation"`
	TimeLimit    time.Duration `json:"time_limit"`
	Topic        string        `json:"topic,omitempty"`
	Difficulty   string        `json:"difficulty,omitempty"`
	Source       string        `json:"source,omitempty"`
}

// PublicQuestion is a question as revealed to players before the round is finalized.
type PublicQuestion struct {
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	TimeLimitSeconds float64  `json:"time_limit_seconds"`
}

func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		Text:             q.Text,
		Options:          append([]string(nil), q.Options...),
		TimeLimitSeconds: q.TimeLimit.Seconds(),
	}
}

// Answer is created once per participant and round and never mutated.
type Answer struct {
	ParticipantID string        `json:"participant_id"`
	Option        int           `json:"option"`
	Latency       time.Duration `json:"latency"`
	Correct       bool          `json:"correct"`
	At            time.Time     `json:"at"`
}

// RoundRecord is the durable form of a round.
type RoundRecord struct {
	Index     int       `json:"index"`
	Question  Question  `json:"question"`
	StartedAt time.Time `json:"started_at"`
	Eligible  []string  `json:"eligible"`
	Answers   []Answer  `json:"answers"`
	Finalized bool      `json:"finalized"`
}

// RoundView is a round as broadcast to clients. Correct answer and explanation are only set once finalized.
type RoundView struct {
	Index        int            `json:"index"`
	Question     PublicQuestion `json:"question"`
	StartedAt    time.Time      `json:"started_at"`
	Deadline     time.Time      `json:"deadline"`
	Answered     int            `json:"answered"`
	Finalized    bool           `json:"finalized"`
	CorrectIndex *int           `json:"correct_index,omitempty"`
	Explanation  string         `json:"explanation,omitempty"`
}

// Settings are chosen by the moderator at creation time.
type Settings struct {
	Ruleset     Ruleset `json:"ruleset" mapstructure:"ruleset"`
	Topic       string  `json:"topic" mapstructure:"topic"`
	Difficulty  string  `json:"difficulty" mapstructure:"difficulty"`
	TotalRounds int     `json:"total_rounds" mapstructure:"total_rounds"`
	MaxPlayers  int     `json:"max_players" mapstructure:"max_players"`
	Lives       int     `json:"lives" mapstructure:"lives"`
}

// PlayerState is a roster entry.
type PlayerState struct {
	ID         string `json:"id"`
	Avatar     string `json:"avatar"`
	Score      int64  `json:"score"`
	BaseScore  int64  `json:"base_score"`
	BaseGames  int64  `json:"base_games"`
	Lives      int    `json:"lives"`
	Connected  bool   `json:"connected"`
	Removed    bool   `json:"removed"`
	Eliminated bool   `json:"eliminated"`
	Correct    int    `json:"correct"`
	Answered   int    `json:"answered"`
}

// SessionSnapshot is the full, durable state of a session.
type SessionSnapshot struct {
	ID        string        `json:"id"`
	Moderator string        `json:"moderator"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Settings  Settings      `json:"settings"`
	Players   []PlayerState `json:"players"`
	Rounds    []RoundRecord `json:"rounds"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Summary returns the joinable-list entry of the snapshot.
func (s SessionSnapshot) Summary() SessionSummary {
	n := 0
	for _, p := range s.Players {
		if !p.Removed {
			n++
		}
	}

	return SessionSummary{
		ID:         s.ID,
		Moderator:  s.Moderator,
		Status:     s.Status,
		Ruleset:    s.Settings.Ruleset,
		Topic:      s.Settings.Topic,
		Players:    n,
		MaxPlayers: s.Settings.MaxPlayers,
		CreatedAt:  s.CreatedAt,
	}
}

// Joinable reports whether new participants may still join.
func (s SessionSummary) Joinable() bool {
	return s.Status == StatusWaiting && (s.MaxPlayers <= 0 || s.Players < s.MaxPlayers)
}

// SessionSummary is an entry of the lobby's joinable list.
type SessionSummary struct {
	ID         string    `json:"id"`
	Moderator  string    `json:"moderator"`
	Status     Status    `json:"status"`
	Ruleset    Ruleset   `json:"ruleset"`
	Topic      string    `json:"topic"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionView is the roster/status snapshot broadcast to clients.
type SessionView struct {
	ID           string        `json:"id"`
	Moderator    string        `json:"moderator"`
	Status       Status        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Settings     Settings      `json:"settings"`
	Players      []PlayerState `json:"players"`
	RoundsPlayed int           `json:"rounds_played"`
	CurrentRound *RoundView    `json:"current_round,omitempty"`
	Version      int64         `json:"version"`
}

// Result is one line of a round's ranked results.
type Result struct {
	ParticipantID string  `json:"participant_id"`
	Avatar        string  `json:"avatar"`
	RoundScore    int64   `json:"round_score"`
	TotalScore    int64   `json:"total_score"`
	Answered      bool    `json:"answered"`
	Correct       bool    `json:"correct"`
	LatencySecs   float64 `json:"latency_seconds,omitempty"`
	Lives         int     `json:"lives,omitempty"`
	Eliminated    bool    `json:"eliminated,omitempty"`
}

// RoundResults is the payload broadcast when a round is finalized.
type RoundResults struct {
	SessionID    string   `json:"session_id"`
	RoundIndex   int      `json:"round_index"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation"`
	Trigger      string   `json:"trigger"`
	Results      []Result `json:"results"`
}

// Standing is one line of the final standings.
type Standing struct {
	ParticipantID string `json:"participant_id"`
	Avatar        string `json:"avatar"`
	TotalScore    int64  `json:"total_score"`
	Correct       int    `json:"correct"`
	Answered      int    `json:"answered"`
}

// Notification is a message pushed to clients.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Notifier delivers notifications to participants by identity. Implementations must not block on slow receivers.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, n Notification)
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, recipients []string, n Notification) {
	for _, x := range ns {
		x.Notify(ctx, recipients, n)
	}
}

// Leaderboard is a list of participants sorted by score in descending order.
type Leaderboard struct {
	SessionID string             `json:"session_id,omitempty"`
	Entries   []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	ParticipantID string `json:"participant_id"`
	Score         int64  `json:"score"`
}
