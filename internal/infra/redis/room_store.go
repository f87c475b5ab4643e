package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"quizroom-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RoomStore keeps rooms and players in Redis so several service instances can
// share them.
//   - room:    SET  quizroom:room:{id}             JSON room
//   - cursor:  HSET quizroom:room:{id}:cursor      status, index
//   - players: HSET quizroom:room:{id}:players     {userID} JSON profile
//   - scores:  HSET quizroom:room:{id}:scores      {userID} running total
//   - answers: HSET quizroom:room:{id}:answers:{n} {userID} JSON answer to question n
//
// Room writes WATCH only the room key and rewrite room and cursor in one
// MULTI/EXEC; a version mismatch is domain.ErrConcurrencyConflict. Answers
// never touch the room key: recordAnswerScript checks the cursor and writes
// one player's answer and score atomically, so answers from different players
// do not contend with each other or with advances.
type RoomStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxRetries int
}

func NewRoomStore(client *redis.Client, ttl time.Duration) *RoomStore {
	return &RoomStore{client: client, ttl: ttl, maxRetries: 16}
}

// Return codes below zero are errors; otherwise the player's new score.
const (
	codeRoomNotFound    = -1
	codeCursorMoved     = -2
	codeAlreadyAnswered = -3
	codeNotInProgress   = -4
	codeNotInRoom       = -5
)

// KEYS: cursor, players, answers for the question, scores.
// ARGV: question index, user id, answer JSON, points, ttl in ms.
var recordAnswerScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'index')
if not cur[1] then return -1 end
if cur[1] ~= 'in_progress' then return -4 end
if cur[2] ~= ARGV[1] then return -2 end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then return -5 end
if redis.call('HSETNX', KEYS[3], ARGV[2], ARGV[3]) == 0 then return -3 end
local score = redis.call('HINCRBY', KEYS[4], ARGV[2], ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[3], ARGV[5])
  redis.call('PEXPIRE', KEYS[4], ARGV[5])
end
return score
`)

type profile struct {
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
}

type storedAnswer struct {
	AnswerIndex int       `json:"answerIndex"`
	SubmittedAt time.Time `json:"submittedAt"`
	TimeTaken   float64   `json:"timeTaken"`
}

func (s *RoomStore) CreateRoom(ctx context.Context, room domain.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	return s.transact(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, roomKey(room.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("room %s exists: %w", room.ID, domain.ErrInvalidState)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(room.ID), payload, s.ttl)
			s.writeCursor(ctx, pipe, room)
			return nil
		})
		return err
	}, roomKey(room.ID))
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	return getRoom(ctx, s.client, roomID)
}

func (s *RoomStore) SwapRoom(ctx context.Context, expectedVersion int64, next domain.Room, resetAnswers bool) (domain.Room, error) {
	var stored domain.Room
	err := s.transact(ctx, func(tx *redis.Tx) error {
		current, err := getRoom(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return domain.ErrConcurrencyConflict
		}
		stored = next.Clone()
		stored.Version = expectedVersion + 1
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal room: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(next.ID), payload, s.ttl)
			s.writeCursor(ctx, pipe, stored)
			if resetAnswers {
				pipe.Del(ctx, answersKey(next.ID, current.CurrentQuestionIndex), answersKey(next.ID, stored.CurrentQuestionIndex))
			}
			return nil
		})
		return err
	}, roomKey(next.ID))
	if err != nil {
		return domain.Room{}, err
	}
	return stored, nil
}

func (s *RoomStore) AddPlayer(ctx context.Context, player domain.Player) (domain.Player, error) {
	err := s.transact(ctx, func(tx *redis.Tx) error {
		if _, err := getRoom(ctx, tx, player.RoomID); err != nil {
			return err
		}
		existing, err := getProfile(ctx, tx, player.RoomID, player.UserID)
		var p profile
		switch {
		case err == nil:
			p = existing
			p.Username = player.Username
			p.AvatarURL = player.AvatarURL
			p.LeftAt = nil
		case errors.Is(err, domain.ErrPlayerNotInRoom):
			p = profile{UserID: player.UserID, Username: player.Username, AvatarURL: player.AvatarURL, JoinedAt: player.JoinedAt}
		default:
			return err
		}
		return s.writeProfile(ctx, tx, player.RoomID, p)
	}, roomKey(player.RoomID), playersKey(player.RoomID))
	if err != nil {
		return domain.Player{}, err
	}
	return s.GetPlayer(ctx, player.RoomID, player.UserID)
}

// MarkLeft flags a player as gone while keeping their score on the board.
func (s *RoomStore) MarkLeft(ctx context.Context, roomID, userID string, at time.Time) (domain.Player, error) {
	err := s.transact(ctx, func(tx *redis.Tx) error {
		if _, err := getRoom(ctx, tx, roomID); err != nil {
			return err
		}
		p, err := getProfile(ctx, tx, roomID, userID)
		if err != nil {
			return err
		}
		left := at
		p.LeftAt = &left
		return s.writeProfile(ctx, tx, roomID, p)
	}, playersKey(roomID))
	if err != nil {
		return domain.Player{}, err
	}
	return s.GetPlayer(ctx, roomID, userID)
}

func (s *RoomStore) RemovePlayer(ctx context.Context, roomID, userID string) error {
	if _, err := getRoom(ctx, s.client, roomID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, playersKey(roomID), userID)
		pipe.HDel(ctx, scoresKey(roomID), userID)
		return nil
	})
	return err
}

func (s *RoomStore) GetPlayer(ctx context.Context, roomID, userID string) (domain.Player, error) {
	players, err := s.ListPlayers(ctx, roomID)
	if err != nil {
		return domain.Player{}, err
	}
	for _, p := range players {
		if p.UserID == userID {
			return p, nil
		}
	}
	return domain.Player{}, domain.ErrPlayerNotInRoom
}

// ListPlayers reads profiles, scores and the active question's answers in one
// MULTI, retrying if the room advanced between reading the cursor and the
// answers.
func (s *RoomStore) ListPlayers(ctx context.Context, roomID string) ([]domain.Player, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		room, err := getRoom(ctx, s.client, roomID)
		if err != nil {
			return nil, err
		}
		var (
			version  *redis.StringCmd
			profiles *redis.MapStringStringCmd
			scores   *redis.MapStringStringCmd
			answers  *redis.MapStringStringCmd
		)
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			version = pipe.Get(ctx, roomKey(roomID))
			profiles = pipe.HGetAll(ctx, playersKey(roomID))
			scores = pipe.HGetAll(ctx, scoresKey(roomID))
			answers = pipe.HGetAll(ctx, answersKey(roomID, room.CurrentQuestionIndex))
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrRoomNotFound
		}
		if err != nil {
			return nil, err
		}
		var again domain.Room
		if err := json.Unmarshal([]byte(version.Val()), &again); err != nil {
			return nil, fmt.Errorf("unmarshal room: %w", err)
		}
		if again.Version != room.Version {
			continue
		}
		return mergePlayers(roomID, profiles.Val(), scores.Val(), answers.Val())
	}
	return nil, domain.ErrConcurrencyConflict
}

func (s *RoomStore) RecordAnswer(ctx context.Context, roomID string, questionIndex int, answer domain.Answer) (domain.Player, error) {
	raw, err := json.Marshal(storedAnswer{
		AnswerIndex: answer.AnswerIndex,
		SubmittedAt: answer.SubmittedAt,
		TimeTaken:   answer.TimeTaken,
	})
	if err != nil {
		return domain.Player{}, fmt.Errorf("marshal answer: %w", err)
	}
	keys := []string{cursorKey(roomID), playersKey(roomID), answersKey(roomID, questionIndex), scoresKey(roomID)}
	score, err := recordAnswerScript.Run(ctx, s.client, keys,
		strconv.Itoa(questionIndex), answer.UserID, raw, answer.Points, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return domain.Player{}, err
	}
	switch score {
	case codeRoomNotFound:
		return domain.Player{}, domain.ErrRoomNotFound
	case codeCursorMoved:
		return domain.Player{}, domain.ErrConcurrencyConflict
	case codeAlreadyAnswered:
		return domain.Player{}, domain.ErrAlreadyAnswered
	case codeNotInProgress:
		return domain.Player{}, domain.ErrInvalidState
	case codeNotInRoom:
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}

	p, err := getProfile(ctx, s.client, roomID, answer.UserID)
	if err != nil {
		return domain.Player{}, err
	}
	player := p.toPlayer(roomID)
	player.Score = int(score)
	answer.Points = 0
	answer.Apply(&player)
	return player, nil
}

// transact runs fn under WATCH, retrying when EXEC was aborted by a
// concurrent write to a watched key.
func (s *RoomStore) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.ErrConcurrencyConflict
}

func (s *RoomStore) writeCursor(ctx context.Context, pipe redis.Pipeliner, room domain.Room) {
	pipe.HSet(ctx, cursorKey(room.ID), "status", string(room.Status), "index", strconv.Itoa(room.CurrentQuestionIndex))
	if s.ttl > 0 {
		pipe.Expire(ctx, cursorKey(room.ID), s.ttl)
	}
}

func (s *RoomStore) writeProfile(ctx context.Context, tx *redis.Tx, roomID string, p profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal player: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, playersKey(roomID), p.UserID, raw)
		if s.ttl > 0 {
			pipe.Expire(ctx, playersKey(roomID), s.ttl)
		}
		return nil
	})
	return err
}

// reader is the read surface shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getRoom(ctx context.Context, c reader, roomID string) (domain.Room, error) {
	raw, err := c.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, err
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return domain.Room{}, fmt.Errorf("unmarshal room: %w", err)
	}
	return room, nil
}

func getProfile(ctx context.Context, c reader, roomID, userID string) (profile, error) {
	raw, err := c.HGet(ctx, playersKey(roomID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return profile{}, domain.ErrPlayerNotInRoom
	}
	if err != nil {
		return profile{}, err
	}
	var p profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return profile{}, fmt.Errorf("unmarshal player: %w", err)
	}
	return p, nil
}

func (p profile) toPlayer(roomID string) domain.Player {
	player := domain.Player{
		RoomID:    roomID,
		UserID:    p.UserID,
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
		JoinedAt:  p.JoinedAt,
		LeftAt:    p.LeftAt,
	}
	return player.Clone()
}

func mergePlayers(roomID string, profiles, scores, answers map[string]string) ([]domain.Player, error) {
	players := make([]domain.Player, 0, len(profiles))
	for userID, raw := range profiles {
		var p profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal player: %w", err)
		}
		player := p.toPlayer(roomID)
		if v, ok := scores[userID]; ok {
			score, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("parse score for %s: %w", userID, err)
			}
			player.Score = score
		}
		if v, ok := answers[userID]; ok {
			var a storedAnswer
			if err := json.Unmarshal([]byte(v), &a); err != nil {
				return nil, fmt.Errorf("unmarshal answer: %w", err)
			}
			domain.Answer{AnswerIndex: a.AnswerIndex, SubmittedAt: a.SubmittedAt, TimeTaken: a.TimeTaken}.Apply(&player)
		}
		players = append(players, player)
	}
	domain.SortPlayers(players)
	return players, nil
}

func roomKey(roomID string) string {
	return "quizroom:room:" + roomID
}

func cursorKey(roomID string) string {
	return "quizroom:room:" + roomID + ":cursor"
}

func playersKey(roomID string) string {
	return "quizroom:room:" + roomID + ":players"
}

func scoresKey(roomID string) string {
	return "quizroom:room:" + roomID + ":scores"
}

func answersKey(roomID string, index int) string {
	return "quizroom:room:" + roomID + ":answers:" + strconv.Itoa(index)
}
