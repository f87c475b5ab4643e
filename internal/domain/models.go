package domain

import (
	"sort"
	"time"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	StatusLobby      RoomStatus = "lobby"
	StatusInProgress RoomStatus = "in_progress"
	StatusFinished   RoomStatus = "finished"
	StatusCancelled  RoomStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RoomStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// RoomMode is fixed at creation.
type RoomMode string

const (
	ModeSolo        RoomMode = "solo"
	ModeMultiplayer RoomMode = "multiplayer"
)

// NoAnswer is the answer index recorded when a player's timer ran out.
const NoAnswer = -1

// Settings are the generation and pacing parameters of a room.
type Settings struct {
	TimePerQuestion        int  `json:"timePerQuestion" validate:"min=5,max=600"`
	AutoAdvance            bool `json:"autoAdvance"`
	AdvanceWhenAllAnswered bool `json:"advanceWhenAllAnswered"`
	ShowExplanations       bool `json:"showExplanations"`
}

// Room is the authoritative state of one quiz session.
type Room struct {
	ID                   string        `json:"id"`
	Status               RoomStatus    `json:"status"`
	Mode                 RoomMode      `json:"mode"`
	HostUserID           string        `json:"hostUserId"`
	GameType             string        `json:"gameType"`
	Difficulty           string        `json:"difficulty"`
	Rounds               int           `json:"rounds"`
	Settings             Settings      `json:"settings"`
	Questions            []Question    `json:"questions"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	CurrentQuestion      *QuestionView `json:"currentQuestion,omitempty"`
	Version              int64         `json:"version"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Room) Clone() Room {
	out := r
	if r.Questions != nil {
		out.Questions = make([]Question, len(r.Questions))
		for i, q := range r.Questions {
			out.Questions[i] = q.Clone()
		}
	}
	if r.CurrentQuestion != nil {
		cq := r.CurrentQuestion.Clone()
		out.CurrentQuestion = &cq
	}
	return out
}

// View strips the question set for delivery to clients.
func (r Room) View() RoomView {
	view := RoomView{
		ID:                   r.ID,
		Status:               r.Status,
		Mode:                 r.Mode,
		HostUserID:           r.HostUserID,
		GameType:             r.GameType,
		Difficulty:           r.Difficulty,
		Rounds:               r.Rounds,
		Settings:             r.Settings,
		TotalQuestions:       len(r.Questions),
		CurrentQuestionIndex: r.CurrentQuestionIndex,
		Version:              r.Version,
	}
	if r.CurrentQuestion != nil {
		cq := r.CurrentQuestion.Clone()
		view.CurrentQuestion = &cq
	}
	return view
}

// RoomView is the client-safe projection of a Room.
type RoomView struct {
	ID                   string        `json:"id"`
	Status               RoomStatus    `json:"status"`
	Mode                 RoomMode      `json:"mode"`
	HostUserID           string        `json:"hostUserId"`
	GameType             string        `json:"gameType"`
	Difficulty           string        `json:"difficulty"`
	Rounds               int           `json:"rounds"`
	Settings             Settings      `json:"settings"`
	TotalQuestions       int           `json:"totalQuestions"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	CurrentQuestion      *QuestionView `json:"currentQuestion,omitempty"`
	Version              int64         `json:"version"`
}

// Player is one user's participation in a room.
type Player struct {
	RoomID             string     `json:"roomId"`
	UserID             string     `json:"userId"`
	Username           string     `json:"username"`
	AvatarURL          string     `json:"avatarUrl,omitempty"`
	Score              int        `json:"score"`
	CurrentAnswerIndex *int       `json:"currentAnswerIndex"`
	AnswerSubmittedAt  *time.Time `json:"answerSubmittedAt"`
	AnswerTimeTaken    *float64   `json:"answerTimeTaken"`
	JoinedAt           time.Time  `json:"joinedAt"`
	// LeftAt is set when the player left a running game; their score stays.
	LeftAt             *time.Time `json:"leftAt,omitempty"`
}

// Present reports whether the player is still taking part.
func (p Player) Present() bool {
	return p.LeftAt == nil
}

// Answered reports whether the player resolved the active question.
func (p Player) Answered() bool {
	return p.CurrentAnswerIndex != nil
}

// ResetAnswer clears the per-question fields.
func (p *Player) ResetAnswer() {
	p.CurrentAnswerIndex = nil
	p.AnswerSubmittedAt = nil
	p.AnswerTimeTaken = nil
}

// Clone copies the nullable fields so callers cannot alias store state.
func (p Player) Clone() Player {
	out := p
	if p.CurrentAnswerIndex != nil {
		v := *p.CurrentAnswerIndex
		out.CurrentAnswerIndex = &v
	}
	if p.AnswerSubmittedAt != nil {
		v := *p.AnswerSubmittedAt
		out.AnswerSubmittedAt = &v
	}
	if p.AnswerTimeTaken != nil {
		v := *p.AnswerTimeTaken
		out.AnswerTimeTaken = &v
	}
	if p.LeftAt != nil {
		v := *p.LeftAt
		out.LeftAt = &v
	}
	return out
}

// Answer is a scored submission handed to the store.
type Answer struct {
	UserID      string
	AnswerIndex int
	TimeTaken   float64
	SubmittedAt time.Time
	Points      int
}

// Apply records the answer on the player.
func (a Answer) Apply(p *Player) {
	idx := a.AnswerIndex
	at := a.SubmittedAt
	taken := a.TimeTaken
	p.CurrentAnswerIndex = &idx
	p.AnswerSubmittedAt = &at
	p.AnswerTimeTaken = &taken
	p.Score += a.Points
}

// RoomSnapshot is what a client needs to resynchronise.
type RoomSnapshot struct {
	Room     RoomView  `json:"room"`
	Players  []Player  `json:"players"`
	ServerAt time.Time `json:"serverAt"`
}

// AnswerResult is returned to the player who submitted.
type AnswerResult struct {
	QuestionIndex      int    `json:"questionIndex"`
	IsCorrect          bool   `json:"isCorrect"`
	PointsEarned       int    `json:"pointsEarned"`
	TotalScore         int    `json:"totalScore"`
	CorrectAnswerIndex int    `json:"correctAnswerIndex"`
	Explanation        string `json:"explanation,omitempty"`
}

// AdvanceResult describes the outcome of an advance attempt. Advanced is false
// when another caller already moved the cursor.
type AdvanceResult struct {
	Advanced bool     `json:"advanced"`
	Room     RoomView `json:"room"`
}

// SortPlayers orders players by join time, then user id.
func SortPlayers(players []Player) {
	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].JoinedAt.Before(players[j].JoinedAt)
		}
		return players[i].UserID < players[j].UserID
	})
}
