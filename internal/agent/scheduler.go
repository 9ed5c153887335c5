package agent

import (
	"context"
	"log"
	"time"

	"github.com/rahul/dbagent/internal/observability"
)

type Messenger interface {
	Send(chatID string, text string) error
}

// ScheduledQuestion is a question re-asked on a thread at a fixed interval.
// An interval of zero runs it once.
type ScheduledQuestion struct {
	ID              int       `json:"id"`
	ThreadID        string    `json:"thread_id"`
	Question        string    `json:"question"`
	IntervalSeconds int       `json:"interval_seconds"`
	LastRun         time.Time `json:"last_run,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Due reports whether the question should run at now.
func (q ScheduledQuestion) Due(now time.Time) bool {
	if q.LastRun.IsZero() {
		return true
	}
	if q.IntervalSeconds <= 0 {
		return false
	}
	return !now.Before(q.LastRun.Add(time.Duration(q.IntervalSeconds) * time.Second))
}

type TaskStore interface {
	GetDueQuestions(now time.Time) ([]ScheduledQuestion, error)
	MarkQuestionRun(id int, at time.Time) error
	DeleteQuestion(threadID string, id int) error
}

type Scheduler struct {
	Brain    Brain
	Store    TaskStore
	Gateway  Messenger
	Interval time.Duration
}

func NewScheduler(brain Brain, store TaskStore, gateway Messenger) *Scheduler {
	return &Scheduler{
		Brain:    brain,
		Store:    store,
		Gateway:  gateway,
		Interval: 30 * time.Second,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Question scheduler started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndExecute(ctx)
		}
	}
}

func (s *Scheduler) pollAndExecute(ctx context.Context) {
	now := time.Now()
	questions, err := s.Store.GetDueQuestions(now)
	if err != nil {
		log.Printf("Error polling scheduled questions: %v", err)
		return
	}

	for _, q := range questions {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Running scheduled question %d for thread %s: %s", q.ID, q.ThreadID, q.Question)
		observability.Heartbeat()

		response, err := s.Brain.Think(ctx, q.ThreadID, q.Question)
		if err != nil {
			log.Printf("Error running scheduled question %d: %v", q.ID, err)
			continue
		}

		if err := s.Store.MarkQuestionRun(q.ID, now); err != nil {
			log.Printf("Error updating last run for question %d: %v", q.ID, err)
		}

		if q.IntervalSeconds == 0 {
			if err := s.Store.DeleteQuestion(q.ThreadID, q.ID); err != nil {
				log.Printf("Error deleting one-time question %d: %v", q.ID, err)
			}
		}

		if s.Gateway != nil {
			if err := s.Gateway.Send(q.ThreadID, "⏰ Scheduled question: "+q.Question+"\n\n"+response); err != nil {
				log.Printf("Error delivering scheduled question %d: %v", q.ID, err)
			}
		}
	}
}
