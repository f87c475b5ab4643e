package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"quizroom-service/internal/domain"
)

// AdvanceReason records what triggered an advance.
type AdvanceReason string

const (
	ReasonNext        AdvanceReason = "next"
	ReasonSkip        AdvanceReason = "skip"
	ReasonTimeUp      AdvanceReason = "time_up"
	ReasonAllAnswered AdvanceReason = "all_answered"
)

// AdvanceRequest is the input of NextQuestion and SkipQuestion. FromIndex is
// the cursor the caller saw and is required: it keys the advance, so a retry
// of an advance that already happened is reported as a no-op success.
type AdvanceRequest struct {
	RoomID      string `json:"roomId"`
	RequesterID string `json:"requesterId"`
	FromIndex   *int   `json:"fromIndex,omitempty"`
}

// From is a helper for AdvanceRequest.FromIndex.
func From(index int) *int {
	return &index
}

// NextQuestion advances the cursor on behalf of the host.
func (s *RoomService) NextQuestion(ctx context.Context, req AdvanceRequest) (domain.AdvanceResult, error) {
	return s.hostAdvance(ctx, req, ReasonNext)
}

// SkipQuestion marks the host as having given no answer, then advances.
func (s *RoomService) SkipQuestion(ctx context.Context, req AdvanceRequest) (domain.AdvanceResult, error) {
	return s.hostAdvance(ctx, req, ReasonSkip)
}

func (s *RoomService) hostAdvance(ctx context.Context, req AdvanceRequest, reason AdvanceReason) (domain.AdvanceResult, error) {
	room, err := s.getRoom(ctx, req.RoomID)
	if err != nil {
		return domain.AdvanceResult{}, err
	}
	if req.RequesterID != room.HostUserID {
		return domain.AdvanceResult{}, fmt.Errorf("%s question: %w", reason, domain.ErrPermissionDenied)
	}

	if req.FromIndex == nil {
		return domain.AdvanceResult{}, fmt.Errorf("%s question without fromIndex: %w", reason, domain.ErrInvalidArgument)
	}
	from := *req.FromIndex
	if movedPast(room, from) {
		return domain.AdvanceResult{Advanced: false, Room: room.View()}, nil
	}
	if room.Status != domain.StatusInProgress {
		return domain.AdvanceResult{}, fmt.Errorf("%s question in %s room: %w", reason, room.Status, domain.ErrInvalidState)
	}

	if reason == ReasonSkip && room.Status == domain.StatusInProgress && room.CurrentQuestionIndex == from {
		_, err := s.recordAnswer(ctx, room, req.RequesterID, domain.NoAnswer, 0)
		if err != nil && !errors.Is(err, domain.ErrAlreadyAnswered) && !errors.Is(err, domain.ErrConcurrencyConflict) {
			return domain.AdvanceResult{}, err
		}
	}
	return s.advance(ctx, room, from, reason)
}

// TimeUp is what a client issues when its local timer hits zero: record a -1
// answer for the player, then try to advance. The advance only happens when
// the room paces itself (solo or AutoAdvance) and the server agrees the
// question has expired, or every player has already resolved it.
func (s *RoomService) TimeUp(ctx context.Context, roomID, playerID string, fromIndex int) (domain.AdvanceResult, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return domain.AdvanceResult{}, err
	}
	if movedPast(room, fromIndex) {
		return domain.AdvanceResult{Advanced: false, Room: room.View()}, nil
	}
	if room.Status != domain.StatusInProgress {
		return domain.AdvanceResult{}, fmt.Errorf("time up in %s room: %w", room.Status, domain.ErrInvalidState)
	}
	if room.CurrentQuestionIndex != fromIndex {
		return domain.AdvanceResult{}, fmt.Errorf("time up for question %d, active is %d: %w", fromIndex, room.CurrentQuestionIndex, domain.ErrInvalidState)
	}

	_, err = s.recordAnswer(ctx, room, playerID, domain.NoAnswer, float64(timeLimit(room)))
	switch {
	case err == nil, errors.Is(err, domain.ErrAlreadyAnswered):
	case errors.Is(err, domain.ErrConcurrencyConflict):
		// The cursor moved under us; advance below resolves to a no-op.
	default:
		return domain.AdvanceResult{}, err
	}

	if room.Mode != domain.ModeSolo && !room.Settings.AutoAdvance {
		return domain.AdvanceResult{Advanced: false, Room: room.View()}, nil
	}
	if !room.CurrentQuestion.Expired(s.now().Add(s.opts.TimeUpGrace)) {
		players, err := s.listPlayers(ctx, roomID)
		if err != nil {
			return domain.AdvanceResult{}, err
		}
		if !allAnswered(players) {
			return domain.AdvanceResult{}, fmt.Errorf("question %d still running: %w", fromIndex, domain.ErrInvalidState)
		}
	}
	return s.advance(ctx, room, fromIndex, ReasonTimeUp)
}

// movedPast reports whether the room has already advanced away from index.
func movedPast(room domain.Room, index int) bool {
	if room.CurrentQuestionIndex > index {
		return true
	}
	return room.Status == domain.StatusFinished && room.CurrentQuestionIndex == index
}

// advance commits exactly one transition away from fromIndex. The store's
// version check is the arbiter: a caller that loses the race re-reads the room
// and reports a no-op when the cursor already moved past fromIndex.
func (s *RoomService) advance(ctx context.Context, room domain.Room, fromIndex int, reason AdvanceReason) (domain.AdvanceResult, error) {
	if movedPast(room, fromIndex) {
		return domain.AdvanceResult{Advanced: false, Room: room.View()}, nil
	}
	if room.CurrentQuestionIndex != fromIndex {
		return domain.AdvanceResult{}, fmt.Errorf("advance from %d, active is %d: %w", fromIndex, room.CurrentQuestionIndex, domain.ErrInvalidState)
	}
	next, err := planAdvance(room, s.now())
	if err != nil {
		return domain.AdvanceResult{}, err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	stored, err := s.rooms.SwapRoom(storeCtx, room.Version, next, true)
	cancel()
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		current, gerr := s.getRoom(ctx, room.ID)
		if gerr != nil {
			return domain.AdvanceResult{}, gerr
		}
		if movedPast(current, fromIndex) {
			log.Printf("room %s: %s from %d already applied by another caller", room.ID, reason, fromIndex)
			return domain.AdvanceResult{Advanced: false, Room: current.View()}, nil
		}
		if current.Status != domain.StatusInProgress {
			return domain.AdvanceResult{}, fmt.Errorf("advance %s room: %w", current.Status, domain.ErrInvalidState)
		}
		return domain.AdvanceResult{}, err
	}
	if err != nil {
		return domain.AdvanceResult{}, domain.StoreError("advance", err)
	}

	now := s.now()
	if stored.Status == domain.StatusFinished {
		s.publish(ctx, room.ID, domain.Event{
			Type:    domain.EventGameFinished,
			RoomID:  room.ID,
			Version: stored.Version,
			Status:  stored.Status,
			Index:   stored.CurrentQuestionIndex,
			At:      now,
		})
		log.Printf("room %s finished (%s)", room.ID, reason)
	} else {
		s.publish(ctx, room.ID, newQuestionEvent(stored, now))
		log.Printf("room %s advanced %d -> %d (%s)", room.ID, fromIndex, stored.CurrentQuestionIndex, reason)
	}
	return domain.AdvanceResult{Advanced: true, Room: stored.View()}, nil
}
