package app

import (
	"fmt"
	"time"

	"quizroom-service/internal/domain"
)

func timeLimit(room domain.Room) int {
	if room.Settings.TimePerQuestion > 0 {
		return room.Settings.TimePerQuestion
	}
	return defaultTimePerQuestion
}

// nextStartedAt keeps StartedAt strictly increasing even when the clock has
// not moved since the previous question.
func nextStartedAt(prev *domain.QuestionView, now time.Time) time.Time {
	if prev != nil && !now.After(prev.StartedAt) {
		return prev.StartedAt.Add(time.Millisecond)
	}
	return now
}

// planStart builds the in-progress room with the cursor on question 0.
func planStart(room domain.Room, questions []domain.Question, now time.Time) domain.Room {
	next := room.Clone()
	next.Questions = make([]domain.Question, len(questions))
	for i, q := range questions {
		next.Questions[i] = q.Clone()
	}
	next.Status = domain.StatusInProgress
	next.CurrentQuestionIndex = 0
	cq := domain.Project(next.Questions[0], 0, nextStartedAt(room.CurrentQuestion, now), timeLimit(room))
	next.CurrentQuestion = &cq
	next.UpdatedAt = now
	return next
}

// planAdvance builds the room after one advance: the next question, or the
// finished room when the cursor is on the last question. The last question
// stays current once finished.
func planAdvance(room domain.Room, now time.Time) (domain.Room, error) {
	if room.Status != domain.StatusInProgress {
		return domain.Room{}, fmt.Errorf("advance %s room: %w", room.Status, domain.ErrInvalidState)
	}
	next := room.Clone()
	next.UpdatedAt = now

	nextIndex := room.CurrentQuestionIndex + 1
	if nextIndex >= len(room.Questions) {
		next.Status = domain.StatusFinished
		return next, nil
	}
	cq := domain.Project(room.Questions[nextIndex], nextIndex, nextStartedAt(room.CurrentQuestion, now), timeLimit(room))
	next.CurrentQuestionIndex = nextIndex
	next.CurrentQuestion = &cq
	return next, nil
}
