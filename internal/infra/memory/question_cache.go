package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quizroom-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// QuestionLoader fetches a question set from a backing bank (static, Postgres).
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error)
}

// QuestionCache caches generated sets per (game type, difficulty, rounds) with
// TTL to avoid repeated generation for solo replays. Fresh requests always go
// to the loader and are never cached.
type QuestionCache struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedSet
}

type cachedSet struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionCache(loader QuestionLoader, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
	}
}

func (c *QuestionCache) GenerateQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	if req.Fresh {
		return c.loader.LoadQuestions(ctx, req)
	}

	key := CacheKey(req)
	if qs, ok := c.lookup(key); ok {
		return qs, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if qs, ok := c.lookup(key); ok {
			return qs, nil
		}
		qs, err := c.loader.LoadQuestions(ctx, req)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cachedSet{
			questions: cloneQuestions(qs),
			expiresAt: c.clock().Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneQuestions(result.([]domain.Question)), nil
}

func (c *QuestionCache) lookup(key string) ([]domain.Question, bool) {
	now := c.clock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || !entry.expiresAt.After(now) {
		return nil, false
	}
	return cloneQuestions(entry.questions), true
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// CacheKey identifies a reusable question set.
func CacheKey(req domain.GenerateRequest) string {
	return fmt.Sprintf("%s:%s:%d", req.GameType, req.Difficulty, req.Rounds)
}

func cloneQuestions(qs []domain.Question) []domain.Question {
	out := make([]domain.Question, len(qs))
	for i, q := range qs {
		out[i] = q.Clone()
	}
	return out
}
