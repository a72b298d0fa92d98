package domain

import "time"

const (
	EventNameSessionCreated     = "session.created"
	EventNameSessionUpdated     = "session.updated"
	EventNameSessionEnded       = "session.ended"
	EventNameSessionAvailable   = "session.available"
	EventNameSessionWithdrawn   = "session.withdrawn"
	EventNameLobbyJoined        = "lobby.joined"
	EventNameLobbyUpdated       = "lobby.updated"
	EventNameRoundStarted       = "round.started"
	EventNameRoundFinalized     = "round.finalized"
	EventNameAnswerAcknowledged = "answer.acknowledged"
	EventNameAnswerFinalized    = "answer.finalized"
	EventNameParticipantRemoved = "participant.removed"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameAnomalyDetected    = "anomaly.detected"
	EventNameSupplierDegraded   = "supplier.degraded"
	EventNameCommandRejected    = "command.rejected"
)

type EventSessionEnded struct {
	SessionID string
	Reason    string
	Standings []Standing
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventRoundFinalized struct {
	Results RoundResults
}

func (EventRoundFinalized) Name() string { return EventNameRoundFinalized }

// EventAnswerFinalized is published once per answer of a finalized round.
type EventAnswerFinalized struct {
	SessionID  string
	Moderator  string
	RoundIndex int
	Answer     Answer
}

func (EventAnswerFinalized) Name() string { return EventNameAnswerFinalized }

// EventScoreUpdated carries a participant's score after a round: within the session and across all sessions.
type EventScoreUpdated struct {
	SessionID     string
	ParticipantID string
	SessionScore  int64
	TotalScore    int64
	UpdateTime    time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Anomaly is an advisory alert about a participant's answer pattern.
type Anomaly struct {
	SessionID      string  `json:"session_id"`
	ParticipantID  string  `json:"participant_id"`
	Kind           string  `json:"kind"`
	Severity       string  `json:"severity"`
	Samples        int     `json:"samples"`
	Accuracy       float64 `json:"accuracy"`
	MeanLatencySec float64 `json:"mean_latency_seconds"`
}

type EventAnomalyDetected struct {
	Moderator string
	Anomaly   Anomaly
}

func (EventAnomalyDetected) Name() string { return EventNameAnomalyDetected }
