package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"quizroom-service/internal/domain"
)

// SubmitAnswer records the player's answer for the active question. The first
// submission wins; a second one fails with ErrAlreadyAnswered and leaves the
// score untouched. answerIndex -1 means no answer.
func (s *RoomService) SubmitAnswer(ctx context.Context, roomID, playerID string, answerIndex int, timeTaken float64) (domain.AnswerResult, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if room.Status != domain.StatusInProgress {
		return domain.AnswerResult{}, fmt.Errorf("answer in %s room: %w", room.Status, domain.ErrInvalidState)
	}

	result, err := s.recordAnswer(ctx, room, playerID, answerIndex, timeTaken)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	if room.Settings.AdvanceWhenAllAnswered {
		s.advanceIfAllAnswered(ctx, room)
	}
	return result, nil
}

func (s *RoomService) recordAnswer(ctx context.Context, room domain.Room, playerID string, answerIndex int, timeTaken float64) (domain.AnswerResult, error) {
	index := room.CurrentQuestionIndex
	if index < 0 || index >= len(room.Questions) || room.CurrentQuestion == nil {
		return domain.AnswerResult{}, fmt.Errorf("answer without active question: %w", domain.ErrInvalidState)
	}
	question := room.Questions[index]
	if answerIndex != domain.NoAnswer && (answerIndex < 0 || answerIndex >= len(question.Options)) {
		return domain.AnswerResult{}, fmt.Errorf("answer %d of %d options: %w", answerIndex, len(question.Options), domain.ErrInvalidAnswer)
	}

	limit := float64(room.CurrentQuestion.TimeLimit)
	if math.IsNaN(timeTaken) || timeTaken < 0 {
		timeTaken = 0
	}
	if limit > 0 && timeTaken > limit {
		timeTaken = limit
	}
	correct := answerIndex == question.CorrectAnswerIndex
	points := s.opts.Scoring.Points(correct, timeTaken, limit)

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	player, err := s.rooms.RecordAnswer(storeCtx, room.ID, index, domain.Answer{
		UserID:      playerID,
		AnswerIndex: answerIndex,
		TimeTaken:   timeTaken,
		SubmittedAt: s.now(),
		Points:      points,
	})
	if err != nil {
		return domain.AnswerResult{}, domain.StoreError("record answer", err)
	}

	s.publish(ctx, room.ID, domain.Event{
		Type:     domain.EventPlayerAnswered,
		RoomID:   room.ID,
		Version:  room.Version,
		Status:   room.Status,
		Index:    index,
		PlayerID: playerID,
		At:       s.now(),
	})

	result := domain.AnswerResult{
		QuestionIndex:      index,
		IsCorrect:          correct,
		PointsEarned:       points,
		TotalScore:         player.Score,
		CorrectAnswerIndex: question.CorrectAnswerIndex,
	}
	if room.Settings.ShowExplanations {
		result.Explanation = question.Explanation
	}
	return result, nil
}

// advanceIfAllAnswered is the all-players-resolved trigger. Losing the race to
// another advance is expected and not reported.
func (s *RoomService) advanceIfAllAnswered(ctx context.Context, room domain.Room) {
	players, err := s.listPlayers(ctx, room.ID)
	if err != nil {
		log.Printf("room %s: list players for auto advance: %v", room.ID, err)
		return
	}
	if !allAnswered(players) {
		return
	}
	if _, err := s.advance(ctx, room, room.CurrentQuestionIndex, ReasonAllAnswered); err != nil && !errors.Is(err, domain.ErrConcurrencyConflict) {
		log.Printf("room %s: auto advance after all answered: %v", room.ID, err)
	}
}

// allAnswered reports whether every present player resolved the question.
// Departed players keep their scores but are not waited for.
func allAnswered(players []domain.Player) bool {
	present := 0
	for _, p := range players {
		if !p.Present() {
			continue
		}
		present++
		if !p.Answered() {
			return false
		}
	}
	return present > 0
}
