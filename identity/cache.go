package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheStore is the slice of the redis client used by CachedVerifier.
type cacheStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedVerifier is a read-through Redis cache in front of another Verifier.
// Only successful lookups are cached; Redis failures fall through to the
// wrapped verifier.
type CachedVerifier struct {
	next      Verifier
	store     cacheStore
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

func NewCachedVerifier(next Verifier, store cacheStore, ttl time.Duration, logger *zap.Logger) *CachedVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedVerifier{
		next:      next,
		store:     store,
		ttl:       ttl,
		keyPrefix: "leadflow:identity:",
		logger:    logger,
	}
}

func (v *CachedVerifier) Lookup(ctx context.Context, userID string) (User, error) {
	key := v.keyPrefix + userID

	raw, err := v.store.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var u User
		if jsonErr := json.Unmarshal(raw, &u); jsonErr == nil {
			return u, nil
		}
		v.logger.Warn("identity cache entry unreadable", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		v.logger.Warn("identity cache read failed", zap.String("key", key), zap.Error(err))
	}

	u, err := v.next.Lookup(ctx, userID)
	if err != nil {
		return User{}, err
	}

	if data, err := json.Marshal(u); err == nil {
		if err := v.store.Set(ctx, key, data, v.ttl).Err(); err != nil {
			v.logger.Warn("identity cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return u, nil
}
