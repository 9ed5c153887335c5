package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rahul/dbagent/internal/observability"
)

// Brain answers one chat message for a thread.
type Brain interface {
	Think(ctx context.Context, chatID string, input string) (string, error)
}

// SessionStore persists session state between turns.
type SessionStore interface {
	// LoadSession returns nil, nil for an unknown thread.
	LoadSession(threadID string) (*SessionState, error)
	SaveSession(state *SessionState) error
	DeleteSession(threadID string) error
}

type HistoryStore interface {
	AddMessage(chatID string, role string, content string) error
}

// Chat commands understood by ExplorerBrain.Think.
const (
	CommandContinue = "/continue"
	CommandReset    = "/reset"
	CommandTables   = "/tables"
)

// ExplorerBrain runs the exploration loop for chat transports. Turns of the
// same thread are serialized; different threads run concurrently.
type ExplorerBrain struct {
	Controller *Controller
	Sessions   SessionStore
	History    HistoryStore
	MaxSteps   int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewExplorerBrain(controller *Controller, sessions SessionStore, history HistoryStore, maxSteps int) *ExplorerBrain {
	return &ExplorerBrain{
		Controller: controller,
		Sessions:   sessions,
		History:    history,
		MaxSteps:   maxSteps,
		locks:      make(map[string]*sync.Mutex),
	}
}

// NewThreadID returns an id for a fresh conversation.
func NewThreadID() string {
	return uuid.NewString()
}

func (b *ExplorerBrain) threadLock(threadID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks == nil {
		b.locks = make(map[string]*sync.Mutex)
	}
	l, ok := b.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[threadID] = l
	}
	return l
}

// Ask runs one question on a thread. With cont the previous trace of the
// thread is kept and the step budget continues from it.
func (b *ExplorerBrain) Ask(ctx context.Context, threadID, question string, cont bool) (*Answer, *SessionState, error) {
	if threadID == "" {
		threadID = NewThreadID()
	}
	l := b.threadLock(threadID)
	l.Lock()
	defer l.Unlock()

	state, err := b.load(threadID, question)
	if err != nil {
		return nil, nil, err
	}
	b.Controller.Begin(state, question, cont)

	observability.SetStatus(observability.RoleExploring, question)
	defer observability.SetStatus(observability.RoleIdle, "")

	ans, runErr := b.Controller.Run(ctx, state)
	if b.Sessions != nil {
		if err := b.Sessions.SaveSession(state); err != nil {
			log.Printf("[brain] failed to save session %s: %v", threadID, err)
		}
	}
	return ans, state, runErr
}

func (b *ExplorerBrain) load(threadID, question string) (*SessionState, error) {
	if b.Sessions != nil {
		state, err := b.Sessions.LoadSession(threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", threadID, err)
		}
		if state != nil {
			if b.MaxSteps > 0 {
				state.MaxSteps = b.MaxSteps
			}
			return state, nil
		}
	}
	return NewSessionState(threadID, question, b.MaxSteps), nil
}

func (b *ExplorerBrain) Think(ctx context.Context, chatID string, input string) (string, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == CommandReset:
		if b.Sessions != nil {
			if err := b.Sessions.DeleteSession(chatID); err != nil {
				return "", err
			}
		}
		return "Session cleared. Known tables and schemas are forgotten.", nil
	case input == CommandTables:
		return b.describeKnowledge(chatID)
	}

	cont := false
	question := input
	if rest, ok := strings.CutPrefix(input, CommandContinue); ok {
		cont = true
		question = strings.TrimSpace(rest)
	}

	ans, _, err := b.Ask(ctx, chatID, question, cont)
	if err != nil && ans == nil {
		return "", err
	}
	reply := FormatAnswer(ans)
	if b.History != nil {
		if herr := b.History.AddMessage(chatID, "human", input); herr != nil {
			log.Printf("[brain] failed to record history for %s: %v", chatID, herr)
		} else if herr := b.History.AddMessage(chatID, "ai", reply); herr != nil {
			log.Printf("[brain] failed to record history for %s: %v", chatID, herr)
		}
	}
	return reply, err
}

func (b *ExplorerBrain) describeKnowledge(threadID string) (string, error) {
	if b.Sessions == nil {
		return "No session store configured.", nil
	}
	state, err := b.Sessions.LoadSession(threadID)
	if err != nil {
		return "", err
	}
	if state == nil || len(state.KnownTables) == 0 {
		return "No tables explored yet.", nil
	}
	var sb strings.Builder
	for _, t := range state.KnownTables {
		sb.WriteString("• " + t)
		if cols, ok := state.KnownSchemas[t]; ok {
			names := make([]string, 0, len(cols))
			for _, c := range cols {
				names = append(names, c.Name)
			}
			sb.WriteString(" (" + strings.Join(names, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// FormatAnswer renders an answer as chat text.
func FormatAnswer(ans *Answer) string {
	if ans == nil {
		return "No answer."
	}
	if !ans.OK {
		switch ans.Reason {
		case ReasonBudgetExceeded:
			return fmt.Sprintf("I could not confirm an answer within %d steps. Send \"%s\" to keep exploring.", len(ans.Trace), CommandContinue)
		case ReasonCancelled:
			return "The request was cancelled."
		}
		return "No answer: " + ans.Reason
	}

	var sb strings.Builder
	sb.WriteString(ans.Final)
	if ans.Rationale != "" {
		sb.WriteString("\n\nBasis: " + ans.Rationale)
	}
	if ev := ans.Evidence; ev != nil {
		if ev.SQL != "" {
			sb.WriteString("\n\nSQL: " + ev.SQL)
		}
		if len(ev.Preview) > 0 {
			preview := ev.Preview
			if len(preview) > 5 {
				preview = preview[:5]
			}
			if data, err := json.Marshal(preview); err == nil {
				sb.WriteString("\nRows: " + truncateText(string(data), 800))
			}
		}
	}
	return sb.String()
}
