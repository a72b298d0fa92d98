package domain

// Payloads of the notifications pushed to clients.

type RoundStarted struct {
	SessionID string `json:"session_id"`
	RoundView
}

type AnswerAcknowledged struct {
	SessionID  string `json:"session_id"`
	RoundIndex int    `json:"round_index"`
	Option     int    `json:"option_index"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

type SessionEnded struct {
	SessionID string     `json:"session_id"`
	Reason    string     `json:"reason"`
	Standings []Standing `json:"standings"`
}

type ParticipantRemoved struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// SupplierDegraded tells the moderator a round started with a fallback question.
type SupplierDegraded struct {
	SessionID  string `json:"session_id"`
	RoundIndex int    `json:"round_index"`
	Message    string `json:"message"`
}

type CommandRejected struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type LobbyJoined struct {
	Identity string           `json:"identity"`
	Sessions []SessionSummary `json:"sessions"`
}

type LobbyUpdated struct {
	Members int `json:"members"`
}
