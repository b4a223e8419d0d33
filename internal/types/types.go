package types

import "time"

// Event is one entry of a session journal.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SessionInfo is a point-in-time view of an agent session.
type SessionInfo struct {
	RoomID         string    `json:"room_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MsgIndex       int64     `json:"msg_index"`
	InSpeech       bool      `json:"in_speech"`
	FramesSeen     int64     `json:"frames_seen"`
	CreatedAt      time.Time `json:"created_at"`
	Closed         bool      `json:"closed"`
}

// WorkerInfo describes the supervised worker process.
type WorkerInfo struct {
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	Restarts      int        `json:"restarts"`
	LastExitCode  int        `json:"last_exit_code,omitempty"`
	LastExitAt    *time.Time `json:"last_exit_at,omitempty"`
	LastKeepalive *time.Time `json:"last_keepalive,omitempty"`
}
