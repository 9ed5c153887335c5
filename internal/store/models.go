package store

import "time"

// Message is one stored chat message.
type Message struct {
	ID        int       `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"` // human, ai, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo is a listing entry for a stored session.
type SessionInfo struct {
	ThreadID  string    `json:"thread_id"`
	Question  string    `json:"question"`
	Steps     int       `json:"steps"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}
