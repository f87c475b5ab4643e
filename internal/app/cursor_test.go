package app

import (
	"errors"
	"testing"
	"time"

	"quizroom-service/internal/domain"
)

func TestPlanAdvanceWalksToFinish(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	qs := []domain.Question{
		{Question: "one", Options: []string{"a", "b"}},
		{Question: "two", Options: []string{"a", "b"}},
	}
	room := planStart(domain.Room{ID: "r", Status: domain.StatusLobby, CurrentQuestionIndex: -1}, qs, now)
	if room.CurrentQuestion == nil || room.CurrentQuestion.Question != "one" || room.CurrentQuestion.TimeLimit != defaultTimePerQuestion {
		t.Fatalf("unexpected first question: %+v", room.CurrentQuestion)
	}

	second, err := planAdvance(room, now)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if second.CurrentQuestionIndex != 1 || second.CurrentQuestion.Question != "two" {
		t.Fatalf("expected question two, got %+v", second.CurrentQuestion)
	}
	if !second.CurrentQuestion.StartedAt.After(room.CurrentQuestion.StartedAt) {
		t.Fatalf("expected strictly later start on a frozen clock")
	}

	finished, err := planAdvance(second, now)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != domain.StatusFinished || finished.CurrentQuestionIndex != 1 {
		t.Fatalf("expected finished on last question, got %s at %d", finished.Status, finished.CurrentQuestionIndex)
	}

	if _, err := planAdvance(finished, now); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state advancing finished room, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.RoomStatus
		want     bool
	}{
		{domain.StatusLobby, domain.StatusInProgress, true},
		{domain.StatusLobby, domain.StatusCancelled, true},
		{domain.StatusLobby, domain.StatusFinished, false},
		{domain.StatusInProgress, domain.StatusFinished, true},
		{domain.StatusInProgress, domain.StatusCancelled, true},
		{domain.StatusInProgress, domain.StatusLobby, false},
		{domain.StatusFinished, domain.StatusCancelled, false},
		{domain.StatusCancelled, domain.StatusLobby, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}
