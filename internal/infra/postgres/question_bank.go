package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"quizroom-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const maxDraw = 50

// QuestionBank draws random questions from the questions table.
type QuestionBank struct {
	pool *pgxpool.Pool
}

func NewQuestionBank(pool *pgxpool.Pool) *QuestionBank {
	return &QuestionBank{pool: pool}
}

func (b *QuestionBank) LoadQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	limit := req.Rounds
	if limit <= 0 || limit > maxDraw {
		limit = maxDraw
	}
	rows, err := b.pool.Query(ctx, `
		SELECT question, options, correct_answer_index, explanation, difficulty, category
		FROM questions
		WHERE game_type = $1 AND ($2 = '' OR $2 = 'mixed' OR difficulty = $2)
		ORDER BY random()
		LIMIT $3`, req.GameType, req.Difficulty, limit)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var (
			q   domain.Question
			raw []byte
		)
		if err := rows.Scan(&q.Question, &raw, &q.CorrectAnswerIndex, &q.Explanation, &q.Difficulty, &q.Category); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(raw, &q.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", req.GameType, req.Difficulty, domain.ErrNoQuestions)
	}
	return questions, nil
}

// Insert adds questions to the bank under gameType in one batch.
func (b *QuestionBank) Insert(ctx context.Context, gameType string, questions []domain.Question) error {
	batch := &pgx.Batch{}
	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		batch.Queue(`
			INSERT INTO questions (game_type, difficulty, category, question, options, correct_answer_index, explanation)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			gameType, q.Difficulty, q.Category, q.Question, string(options), q.CorrectAnswerIndex, q.Explanation)
	}
	br := b.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range questions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	return nil
}

// Count returns how many questions exist for a game type.
func (b *QuestionBank) Count(ctx context.Context, gameType string) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM questions WHERE game_type = $1`, gameType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}
