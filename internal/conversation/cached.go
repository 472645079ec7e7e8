package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"xiaorui/internal/models"
	"xiaorui/internal/redis"
)

const cacheKeyPrefix = "conv:"

// CachedStore fronts a Store with redis. The wrapped store stays
// authoritative: it is written first and redis errors are only logged.
type CachedStore struct {
	next   Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore returns next unchanged when cache is disabled.
func NewCachedStore(next Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) Store {
	if !cache.Enabled() {
		return next
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, logger: logger.With("component", "conversation_cache")}
}

func (s *CachedStore) Load(ctx context.Context, username string) (models.ConversationSet, error) {
	if !models.ValidUsername(username) {
		return nil, ErrInvalidUsername
	}
	var set models.ConversationSet
	err := s.cache.GetJSON(ctx, cacheKeyPrefix+username, &set)
	switch {
	case err == nil && set != nil:
		return set, nil
	case err != nil && !errors.Is(err, redis.ErrCacheMiss):
		s.logger.Warn("read conversation cache failed", "user", username, "error", err)
	}

	set, err = s.next.Load(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(set) > 0 {
		s.put(ctx, username, set)
	}
	return set, nil
}

func (s *CachedStore) Save(ctx context.Context, username string, set models.ConversationSet) error {
	if err := s.next.Save(ctx, username, set); err != nil {
		s.drop(ctx, username)
		return err
	}
	s.put(ctx, username, set)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, username string) error {
	s.drop(ctx, username)
	return s.next.Delete(ctx, username)
}

func (s *CachedStore) put(ctx context.Context, username string, set models.ConversationSet) {
	if err := s.cache.SetJSON(ctx, cacheKeyPrefix+username, set, s.ttl); err != nil {
		s.logger.Warn("write conversation cache failed", "user", username, "error", err)
	}
}

func (s *CachedStore) drop(ctx context.Context, username string) {
	if err := s.cache.Del(ctx, cacheKeyPrefix+username); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		s.logger.Warn("drop conversation cache failed", "user", username, "error", err)
	}
}
