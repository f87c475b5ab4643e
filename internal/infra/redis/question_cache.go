package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"quizroom-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionLoader fetches a question set from a backing bank.
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error)
}

// QuestionCache caches generated question sets in Redis and falls back to a
// loader on cache miss. Sets are stored as:
// SET quizroom:questions:{gameType}:{difficulty}:{rounds} JSON
// Fresh requests bypass the cache entirely.
type QuestionCache struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewQuestionCache(client *redis.Client, loader QuestionLoader, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) GenerateQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	if req.Fresh {
		return c.loader.LoadQuestions(ctx, req)
	}

	key := questionsKey(req)
	if qs, ok := c.lookup(ctx, key); ok {
		return qs, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if qs, ok := c.lookup(ctx, key); ok {
			return qs, nil
		}
		qs, err := c.loader.LoadQuestions(ctx, req)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(qs)
		if err != nil {
			return nil, fmt.Errorf("marshal questions: %w", err)
		}
		if err := c.client.Set(ctx, key, payload, c.ttlWithJitter()).Err(); err != nil {
			log.Printf("question cache: store %s: %v", key, err)
		}
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// lookup treats any Redis failure as a miss; the loader stays authoritative.
func (c *QuestionCache) lookup(ctx context.Context, key string) ([]domain.Question, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("question cache: read %s: %v", key, err)
		}
		return nil, false
	}
	var qs []domain.Question
	if err := json.Unmarshal(raw, &qs); err != nil || len(qs) == 0 {
		return nil, false
	}
	return qs, true
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func questionsKey(req domain.GenerateRequest) string {
	return fmt.Sprintf("quizroom:questions:%s:%s:%d", req.GameType, req.Difficulty, req.Rounds)
}
