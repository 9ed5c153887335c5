package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type brainFunc func(ctx context.Context, chatID, input string) (string, error)

func (f brainFunc) Think(ctx context.Context, chatID, input string) (string, error) {
	return f(ctx, chatID, input)
}

type stubTasks struct {
	due     []ScheduledQuestion
	marked  []int
	deleted []int
}

func (s *stubTasks) GetDueQuestions(now time.Time) ([]ScheduledQuestion, error) {
	return s.due, nil
}

func (s *stubTasks) MarkQuestionRun(id int, at time.Time) error {
	s.marked = append(s.marked, id)
	return nil
}

func (s *stubTasks) DeleteQuestion(threadID string, id int) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type sentMessage struct{ chatID, text string }

type stubMessenger struct{ sent []sentMessage }

func (m *stubMessenger) Send(chatID, text string) error {
	m.sent = append(m.sent, sentMessage{chatID, text})
	return nil
}

func TestScheduledQuestionDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, ScheduledQuestion{IntervalSeconds: 60}.Due(now))
	assert.False(t, ScheduledQuestion{LastRun: now.Add(-time.Hour)}.Due(now), "one-time question already ran")
	assert.False(t, ScheduledQuestion{IntervalSeconds: 60, LastRun: now.Add(-30 * time.Second)}.Due(now))
	assert.True(t, ScheduledQuestion{IntervalSeconds: 60, LastRun: now.Add(-time.Minute)}.Due(now))
}

func TestPollAndExecute(t *testing.T) {
	tasks := &stubTasks{due: []ScheduledQuestion{
		{ID: 1, ThreadID: "a", Question: "how many orders?", IntervalSeconds: 3600},
		{ID: 2, ThreadID: "b", Question: "how many users?"},
		{ID: 3, ThreadID: "c", Question: "broken"},
	}}
	brain := brainFunc(func(ctx context.Context, chatID, input string) (string, error) {
		if input == "broken" {
			return "", errors.New("no database")
		}
		return "answer for " + chatID, nil
	})
	gw := &stubMessenger{}

	NewScheduler(brain, tasks, gw).pollAndExecute(context.Background())

	assert.Equal(t, []int{1, 2}, tasks.marked)
	assert.Equal(t, []int{2}, tasks.deleted)
	if assert.Len(t, gw.sent, 2) {
		assert.Equal(t, "a", gw.sent[0].chatID)
		assert.True(t, strings.HasPrefix(gw.sent[0].text, "⏰ Scheduled question: how many orders?"))
		assert.Contains(t, gw.sent[1].text, "answer for b")
	}
}
