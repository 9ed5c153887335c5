package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/dbagent/internal/agent"
)

// HistoryStore keeps sessions, chat messages and scheduled questions in one
// sqlite file.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite: single writer

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			role TEXT,
			content TEXT,
			timestamp TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			thread_id TEXT PRIMARY KEY,
			state_data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT,
			question TEXT,
			interval_seconds INTEGER,
			last_run TEXT,
			created_at TEXT NOT NULL,
			status TEXT DEFAULT 'active'
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise store %s: %w", dbPath, err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Sessions

func (h *HistoryStore) SaveSession(state *agent.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", state.ThreadID, err)
	}
	ts := now()
	query := `INSERT INTO sessions (thread_id, state_data, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET state_data = excluded.state_data, updated_at = excluded.updated_at`
	_, err = h.DB.Exec(query, state.ThreadID, string(data), ts, ts)
	return err
}

func (h *HistoryStore) LoadSession(threadID string) (*agent.SessionState, error) {
	var data string
	err := h.DB.QueryRow(`SELECT state_data FROM sessions WHERE thread_id = ?`, threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state agent.SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", threadID, err)
	}
	return &state, nil
}

func (h *HistoryStore) DeleteSession(threadID string) error {
	_, err := h.DB.Exec(`DELETE FROM sessions WHERE thread_id = ?`, threadID)
	return err
}

func (h *HistoryStore) ListSessions() ([]SessionInfo, error) {
	rows, err := h.DB.Query(`SELECT thread_id, state_data, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var threadID, data, updated string
		if err := rows.Scan(&threadID, &data, &updated); err != nil {
			return nil, err
		}
		var state agent.SessionState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			continue
		}
		out = append(out, SessionInfo{
			ThreadID:  threadID,
			Question:  state.Question,
			Steps:     len(state.Steps),
			Done:      state.Done,
			UpdatedAt: parseTime(updated),
		})
	}
	return out, rows.Err()
}

// Messages

func (h *HistoryStore) AddMessage(chatID string, role string, content string) error {
	query := `INSERT INTO messages (chat_id, role, content, timestamp) VALUES (?, ?, ?, ?)`
	_, err := h.DB.Exec(query, chatID, role, content, now())
	return err
}

// GetMessages returns the last limit messages of a chat, oldest first.
func (h *HistoryStore) GetMessages(chatID string, limit int) ([]Message, error) {
	query := `SELECT id, role, content, timestamp FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.ChatID = chatID
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetHistory returns the chat as model messages, oldest first.
func (h *HistoryStore) GetHistory(chatID string, limit int) ([]llms.MessageContent, error) {
	msgs, err := h.GetMessages(chatID, limit)
	if err != nil {
		return nil, err
	}

	history := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		var msgRole llms.ChatMessageType
		switch m.Role {
		case "ai":
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}
		history = append(history, llms.TextParts(msgRole, m.Content))
	}
	return history, nil
}

// Scheduled questions

func (h *HistoryStore) AddQuestion(threadID, question string, intervalSeconds int) (int, error) {
	res, err := h.DB.Exec(`INSERT INTO questions (thread_id, question, interval_seconds, created_at) VALUES (?, ?, ?, ?)`,
		threadID, question, intervalSeconds, now())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return int(id), err
}

func (h *HistoryStore) ListQuestions(threadID string) ([]agent.ScheduledQuestion, error) {
	query := `SELECT id, thread_id, question, interval_seconds, last_run, created_at FROM questions WHERE status = 'active'`
	args := []any{}
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	rows, err := h.DB.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agent.ScheduledQuestion
	for rows.Next() {
		var q agent.ScheduledQuestion
		var lastRun sql.NullString
		var created string
		if err := rows.Scan(&q.ID, &q.ThreadID, &q.Question, &q.IntervalSeconds, &lastRun, &created); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			q.LastRun = parseTime(lastRun.String)
		}
		q.CreatedAt = parseTime(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (h *HistoryStore) GetDueQuestions(at time.Time) ([]agent.ScheduledQuestion, error) {
	all, err := h.ListQuestions("")
	if err != nil {
		return nil, err
	}
	var due []agent.ScheduledQuestion
	for _, q := range all {
		if q.Due(at) {
			due = append(due, q)
		}
	}
	return due, nil
}

func (h *HistoryStore) MarkQuestionRun(id int, at time.Time) error {
	_, err := h.DB.Exec(`UPDATE questions SET last_run = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	return err
}

func (h *HistoryStore) DeleteQuestion(threadID string, id int) error {
	_, err := h.DB.Exec(`DELETE FROM questions WHERE thread_id = ? AND id = ?`, threadID, id)
	return err
}

func (h *HistoryStore) ClearQuestions(threadID string) error {
	_, err := h.DB.Exec(`DELETE FROM questions WHERE thread_id = ?`, threadID)
	return err
}
