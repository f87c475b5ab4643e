package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quizroom-service/internal/domain"
)

// StaticQuestionBank draws questions from an in-memory pool keyed by game type
// (useful for tests/demos).
type StaticQuestionBank struct {
	pool map[string][]domain.Question
	mu   sync.Mutex
	rnd  *rand.Rand
}

func NewStaticQuestionBank(pool map[string][]domain.Question) *StaticQuestionBank {
	return NewStaticQuestionBankWithSeed(pool, time.Now().UnixNano())
}

// NewStaticQuestionBankWithSeed makes draws reproducible.
func NewStaticQuestionBankWithSeed(pool map[string][]domain.Question, seed int64) *StaticQuestionBank {
	return &StaticQuestionBank{pool: pool, rnd: rand.New(rand.NewSource(seed))}
}

// LoadQuestions returns up to req.Rounds shuffled questions matching the game
// type and difficulty ("" and "mixed" match every difficulty).
func (b *StaticQuestionBank) LoadQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := make([]domain.Question, 0, len(b.pool[req.GameType]))
	for _, q := range b.pool[req.GameType] {
		if req.Difficulty == "" || req.Difficulty == "mixed" || q.Difficulty == req.Difficulty {
			candidates = append(candidates, q.Clone())
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", req.GameType, req.Difficulty, domain.ErrNoQuestions)
	}

	b.mu.Lock()
	b.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	b.mu.Unlock()

	if req.Rounds > 0 && len(candidates) > req.Rounds {
		candidates = candidates[:req.Rounds]
	}
	return candidates, nil
}

// GenerateQuestions lets the bank serve as a provider without a cache.
func (b *StaticQuestionBank) GenerateQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	return b.LoadQuestions(ctx, req)
}

// SampleQuestions is a small general-knowledge pool for local runs.
func SampleQuestions() map[string][]domain.Question {
	return map[string][]domain.Question{
		"general": {
			{Question: "What is the capital of France?", Options: []string{"Berlin", "Paris", "Madrid", "Rome"}, CorrectAnswerIndex: 1, Explanation: "Paris has been the capital since 508 AD.", Difficulty: "easy", Category: "geography"},
			{Question: "Which planet is known as the Red Planet?", Options: []string{"Earth", "Venus", "Mars", "Jupiter"}, CorrectAnswerIndex: 2, Explanation: "Iron oxide gives Mars its colour.", Difficulty: "easy", Category: "science"},
			{Question: "What is 7 times 8?", Options: []string{"54", "56", "58", "60"}, CorrectAnswerIndex: 1, Explanation: "7 x 8 = 56.", Difficulty: "easy", Category: "math"},
			{Question: "Who painted the Mona Lisa?", Options: []string{"Van Gogh", "Picasso", "Da Vinci", "Monet"}, CorrectAnswerIndex: 2, Explanation: "Leonardo da Vinci, early 16th century.", Difficulty: "medium", Category: "art"},
			{Question: "In which year did the Berlin Wall fall?", Options: []string{"1987", "1989", "1991", "1993"}, CorrectAnswerIndex: 1, Explanation: "It fell on 9 November 1989.", Difficulty: "medium", Category: "history"},
			{Question: "What is the powerhouse of the cell?", Options: []string{"Nucleus", "Mitochondria", "Ribosome", "Golgi apparatus"}, CorrectAnswerIndex: 1, Explanation: "Mitochondria produce most of the cell's ATP.", Difficulty: "medium", Category: "biology"},
			{Question: "Which physicist developed general relativity?", Options: []string{"Newton", "Bohr", "Einstein", "Hawking"}, CorrectAnswerIndex: 2, Explanation: "Einstein published it in 1915.", Difficulty: "hard", Category: "science"},
			{Question: "How many bones are in the adult human body?", Options: []string{"196", "206", "216", "226"}, CorrectAnswerIndex: 1, Explanation: "Adults have 206 bones.", Difficulty: "hard", Category: "biology"},
		},
	}
}
