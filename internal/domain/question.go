package domain

import "time"

// Question is the server-side record, including the answer key.
type Question struct {
	Question           string   `json:"question"`
	Options            []string `json:"options"`
	CorrectAnswerIndex int      `json:"correctAnswerIndex"`
	Explanation        string   `json:"explanation"`
	Difficulty         string   `json:"difficulty"`
	Category           string   `json:"category"`
}

func (q Question) Clone() Question {
	out := q
	out.Options = append([]string(nil), q.Options...)
	return out
}

// Valid reports whether the answer key points at an option.
func (q Question) Valid() bool {
	return len(q.Options) > 1 && q.CorrectAnswerIndex >= 0 && q.CorrectAnswerIndex < len(q.Options)
}

// QuestionView is the active question as clients see it. StartedAt is stamped
// by the server and is the only clock reference clients use.
type QuestionView struct {
	Index      int       `json:"index"`
	Question   string    `json:"question"`
	Options    []string  `json:"options"`
	Difficulty string    `json:"difficulty"`
	Category   string    `json:"category"`
	StartedAt  time.Time `json:"startedAt"`
	TimeLimit  int       `json:"timeLimit"`
}

func (v QuestionView) Clone() QuestionView {
	out := v
	out.Options = append([]string(nil), v.Options...)
	return out
}

// Deadline is StartedAt plus the time limit.
func (v QuestionView) Deadline() time.Time {
	return v.StartedAt.Add(time.Duration(v.TimeLimit) * time.Second)
}

// Remaining is max(0, limit - (now - startedAt)).
func (v QuestionView) Remaining(now time.Time) time.Duration {
	left := v.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether no time is left at now.
func (v QuestionView) Expired(now time.Time) bool {
	return v.Remaining(now) == 0
}

// Project builds the client view of q without the answer key.
func Project(q Question, index int, startedAt time.Time, timeLimit int) QuestionView {
	return QuestionView{
		Index:      index,
		Question:   q.Question,
		Options:    append([]string(nil), q.Options...),
		Difficulty: q.Difficulty,
		Category:   q.Category,
		StartedAt:  startedAt,
		TimeLimit:  timeLimit,
	}
}

// GenerateRequest carries a room's generation parameters to a question
// provider. Fresh asks caching providers to bypass any cached set.
type GenerateRequest struct {
	GameType   string
	Difficulty string
	Rounds     int
	Settings   Settings
	Fresh      bool
}
