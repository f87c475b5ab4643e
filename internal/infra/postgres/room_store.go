package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quizroom-service/internal/domain"
	"github.com/uptrace/bun"
)

type roomModel struct {
	bun.BaseModel `bun:"table:rooms"`

	ID                   string               `bun:"id,pk"`
	Status               string               `bun:"status,notnull"`
	Mode                 string               `bun:"mode,notnull"`
	HostUserID           string               `bun:"host_user_id,notnull"`
	GameType             string               `bun:"game_type,notnull"`
	Difficulty           string               `bun:"difficulty,notnull"`
	Rounds               int                  `bun:"rounds,notnull"`
	Settings             domain.Settings      `bun:"settings,type:jsonb"`
	Questions            []domain.Question    `bun:"questions,type:jsonb"`
	CurrentQuestionIndex int                  `bun:"current_question_index,notnull"`
	CurrentQuestion      *domain.QuestionView `bun:"current_question,type:jsonb"`
	Version              int64                `bun:"version,notnull"`
	CreatedAt            time.Time            `bun:"created_at,notnull"`
	UpdatedAt            time.Time            `bun:"updated_at,notnull"`
}

type playerModel struct {
	bun.BaseModel `bun:"table:room_players"`

	RoomID             string     `bun:"room_id,pk"`
	UserID             string     `bun:"user_id,pk"`
	Username           string     `bun:"username,notnull"`
	AvatarURL          string     `bun:"avatar_url,notnull"`
	Score              int        `bun:"score,notnull"`
	CurrentAnswerIndex *int       `bun:"current_answer_index"`
	AnswerSubmittedAt  *time.Time `bun:"answer_submitted_at"`
	AnswerTimeTaken    *float64   `bun:"answer_time_taken"`
	JoinedAt           time.Time  `bun:"joined_at,notnull"`
	LeftAt             *time.Time `bun:"left_at"`
}

// RoomStore persists rooms in Postgres. SwapRoom is a single
// UPDATE ... WHERE version = ? inside a transaction that also clears answers;
// RecordAnswer takes a FOR SHARE lock on the room row so it serialises
// against advances.
type RoomStore struct {
	db *bun.DB
}

func NewRoomStore(db *bun.DB) *RoomStore {
	return &RoomStore{db: db}
}

func (s *RoomStore) CreateRoom(ctx context.Context, room domain.Room) error {
	m := toRoomModel(room)
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	var m roomModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", roomID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("select room: %w", err)
	}
	return m.toDomain(), nil
}

func (s *RoomStore) SwapRoom(ctx context.Context, expectedVersion int64, next domain.Room, resetAnswers bool) (domain.Room, error) {
	m := toRoomModel(next)
	m.Version = expectedVersion + 1

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model(&m).
			Column("status", "questions", "current_question_index", "current_question", "version", "updated_at").
			WherePK().
			Where("version = ?", expectedVersion).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			exists, err := tx.NewSelect().Model((*roomModel)(nil)).Where("id = ?", next.ID).Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrRoomNotFound
			}
			return domain.ErrConcurrencyConflict
		}
		if !resetAnswers {
			return nil
		}
		_, err = tx.NewUpdate().Model((*playerModel)(nil)).
			Set("current_answer_index = NULL").
			Set("answer_submitted_at = NULL").
			Set("answer_time_taken = NULL").
			Where("room_id = ?", next.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reset answers: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Room{}, err
	}
	return m.toDomain(), nil
}

func (s *RoomStore) AddPlayer(ctx context.Context, player domain.Player) (domain.Player, error) {
	if err := s.requireRoom(ctx, s.db, player.RoomID); err != nil {
		return domain.Player{}, err
	}
	m := toPlayerModel(player)
	_, err := s.db.NewInsert().Model(&m).
		On("CONFLICT (room_id, user_id) DO UPDATE").
		Set("username = EXCLUDED.username").
		Set("avatar_url = EXCLUDED.avatar_url").
		Set("left_at = NULL").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.Player{}, fmt.Errorf("upsert player: %w", err)
	}
	return m.toDomain(), nil
}

func (s *RoomStore) MarkLeft(ctx context.Context, roomID, userID string, at time.Time) (domain.Player, error) {
	var m playerModel
	err := s.db.NewUpdate().Model(&m).
		Set("left_at = ?", at).
		Where("room_id = ?", roomID).
		Where("user_id = ?", userID).
		Returning("*").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		if rerr := s.requireRoom(ctx, s.db, roomID); rerr != nil {
			return domain.Player{}, rerr
		}
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("mark player left: %w", err)
	}
	return m.toDomain(), nil
}

func (s *RoomStore) RemovePlayer(ctx context.Context, roomID, userID string) error {
	if err := s.requireRoom(ctx, s.db, roomID); err != nil {
		return err
	}
	_, err := s.db.NewDelete().Model((*playerModel)(nil)).
		Where("room_id = ?", roomID).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (s *RoomStore) GetPlayer(ctx context.Context, roomID, userID string) (domain.Player, error) {
	return s.getPlayer(ctx, s.db, roomID, userID)
}

func (s *RoomStore) ListPlayers(ctx context.Context, roomID string) ([]domain.Player, error) {
	if err := s.requireRoom(ctx, s.db, roomID); err != nil {
		return nil, err
	}
	var models []playerModel
	err := s.db.NewSelect().Model(&models).
		Where("room_id = ?", roomID).
		Order("joined_at ASC", "user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select players: %w", err)
	}
	players := make([]domain.Player, 0, len(models))
	for _, m := range models {
		players = append(players, m.toDomain())
	}
	return players, nil
}

func (s *RoomStore) RecordAnswer(ctx context.Context, roomID string, questionIndex int, answer domain.Answer) (domain.Player, error) {
	var stored domain.Player
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var room roomModel
		err := tx.NewSelect().Model(&room).
			Column("status", "current_question_index").
			Where("id = ?", roomID).
			For("SHARE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("lock room: %w", err)
		}
		if domain.RoomStatus(room.Status) != domain.StatusInProgress {
			return domain.ErrInvalidState
		}
		if room.CurrentQuestionIndex != questionIndex {
			return domain.ErrConcurrencyConflict
		}

		res, err := tx.NewUpdate().Model((*playerModel)(nil)).
			Set("current_answer_index = ?", answer.AnswerIndex).
			Set("answer_submitted_at = ?", answer.SubmittedAt).
			Set("answer_time_taken = ?", answer.TimeTaken).
			Set("score = score + ?", answer.Points).
			Where("room_id = ?", roomID).
			Where("user_id = ?", answer.UserID).
			Where("current_answer_index IS NULL").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("record answer: %w", err)
		}
		n, _ := res.RowsAffected()

		player, err := s.getPlayer(ctx, tx, roomID, answer.UserID)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrAlreadyAnswered
		}
		stored = player
		return nil
	})
	if err != nil {
		return domain.Player{}, err
	}
	return stored, nil
}

func (s *RoomStore) getPlayer(ctx context.Context, db bun.IDB, roomID, userID string) (domain.Player, error) {
	var m playerModel
	err := db.NewSelect().Model(&m).
		Where("room_id = ?", roomID).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		if rerr := s.requireRoom(ctx, db, roomID); rerr != nil {
			return domain.Player{}, rerr
		}
		return domain.Player{}, domain.ErrPlayerNotInRoom
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("select player: %w", err)
	}
	return m.toDomain(), nil
}

func (s *RoomStore) requireRoom(ctx context.Context, db bun.IDB, roomID string) error {
	exists, err := db.NewSelect().Model((*roomModel)(nil)).Where("id = ?", roomID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("room exists: %w", err)
	}
	if !exists {
		return domain.ErrRoomNotFound
	}
	return nil
}

func toRoomModel(r domain.Room) roomModel {
	return roomModel{
		ID:                   r.ID,
		Status:               string(r.Status),
		Mode:                 string(r.Mode),
		HostUserID:           r.HostUserID,
		GameType:             r.GameType,
		Difficulty:           r.Difficulty,
		Rounds:               r.Rounds,
		Settings:             r.Settings,
		Questions:            r.Questions,
		CurrentQuestionIndex: r.CurrentQuestionIndex,
		CurrentQuestion:      r.CurrentQuestion,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func (m roomModel) toDomain() domain.Room {
	return domain.Room{
		ID:                   m.ID,
		Status:               domain.RoomStatus(m.Status),
		Mode:                 domain.RoomMode(m.Mode),
		HostUserID:           m.HostUserID,
		GameType:             m.GameType,
		Difficulty:           m.Difficulty,
		Rounds:               m.Rounds,
		Settings:             m.Settings,
		Questions:            m.Questions,
		CurrentQuestionIndex: m.CurrentQuestionIndex,
		CurrentQuestion:      m.CurrentQuestion,
		Version:              m.Version,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}.Clone()
}

func toPlayerModel(p domain.Player) playerModel {
	return playerModel{
		RoomID:             p.RoomID,
		UserID:             p.UserID,
		Username:           p.Username,
		AvatarURL:          p.AvatarURL,
		Score:              p.Score,
		CurrentAnswerIndex: p.CurrentAnswerIndex,
		AnswerSubmittedAt:  p.AnswerSubmittedAt,
		AnswerTimeTaken:    p.AnswerTimeTaken,
		JoinedAt:           p.JoinedAt,
		LeftAt:             p.LeftAt,
	}
}

func (m playerModel) toDomain() domain.Player {
	return domain.Player{
		RoomID:             m.RoomID,
		UserID:             m.UserID,
		Username:           m.Username,
		AvatarURL:          m.AvatarURL,
		Score:              m.Score,
		CurrentAnswerIndex: m.CurrentAnswerIndex,
		AnswerSubmittedAt:  m.AnswerSubmittedAt,
		AnswerTimeTaken:    m.AnswerTimeTaken,
		JoinedAt:           m.JoinedAt,
		LeftAt:             m.LeftAt,
	}.Clone()
}
