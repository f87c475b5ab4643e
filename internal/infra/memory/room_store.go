package memory

import (
	"context"
	"sync"
	"time"

	"quizroom-service/internal/domain"
)

// RoomStore is an in-memory implementation of app.RoomStore. A single mutex
// serialises every mutation, which makes SwapRoom and RecordAnswer trivially
// atomic.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomRecord
}

type roomRecord struct {
	room    domain.Room
	players map[string]*domain.Player
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*roomRecord),
	}
}

func (s *RoomStore) CreateRoom(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return domain.ErrInvalidState
	}
	s.rooms[room.ID] = &roomRecord{
		room:    room.Clone(),
		players: make(map[string]*domain.Player),
	}
	return nil
}

func (s *RoomStore) GetRoom(_ context.Context, roomID string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return rec.room.Clone(), nil
}

func (s *RoomStore) SwapRoom(_ context.Context, expectedVersion int64, next domain.Room, resetAnswers bool) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[next.ID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if rec.room.Version != expectedVersion {
		return domain.Room{}, domain.ErrConcurrencyConflict
	}
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	rec.room = stored
	if resetAnswers {
		for _, p := range rec.players {
			p.ResetAnswer()
		}
	}
	return stored.Clone(), nil
}

func (s *RoomStore) AddPlayer(_ context.Context, player domain.Player) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[player.RoomID]
	if !ok {
		return domain.Player{}, domain.ErrRoomNotFound
	}
	if existing, ok := rec.players[player.UserID]; ok {
		existing.Username = player.Username
		existing.AvatarURL = player.AvatarURL
		existing.LeftAt = nil
		return existing.Clone(), nil
	}
	stored := player.Clone()
	rec.players[player.UserID] = &stored
	return stored.Clone(), nil
}

func (s *RoomStore) MarkLeft(_ context.Context, roomID, userID string, at time.Time) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.Player{}, domain.ErrRoomNotFound
	}
	p, ok := rec.players[userID]
	if !ok {
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}
	left := at
	p.LeftAt = &left
	return p.Clone(), nil
}

func (s *RoomStore) RemovePlayer(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	delete(rec.players, userID)
	return nil
}

func (s *RoomStore) GetPlayer(_ context.Context, roomID, userID string) (domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.Player{}, domain.ErrRoomNotFound
	}
	p, ok := rec.players[userID]
	if !ok {
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}
	return p.Clone(), nil
}

func (s *RoomStore) ListPlayers(_ context.Context, roomID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	players := make([]domain.Player, 0, len(rec.players))
	for _, p := range rec.players {
		players = append(players, p.Clone())
	}
	domain.SortPlayers(players)
	return players, nil
}

func (s *RoomStore) RecordAnswer(_ context.Context, roomID string, questionIndex int, answer domain.Answer) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.Player{}, domain.ErrRoomNotFound
	}
	if rec.room.Status != domain.StatusInProgress {
		return domain.Player{}, domain.ErrInvalidState
	}
	if rec.room.CurrentQuestionIndex != questionIndex {
		return domain.Player{}, domain.ErrConcurrencyConflict
	}
	p, ok := rec.players[answer.UserID]
	if !ok {
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}
	if p.Answered() {
		return domain.Player{}, domain.ErrAlreadyAnswered
	}
	answer.Apply(p)
	return p.Clone(), nil
}
