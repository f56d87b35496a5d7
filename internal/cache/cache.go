// Package cache is the Redis-backed advisory layer: it never becomes a
// second source of truth. Every lookup that errors or misses falls
// through to Postgres; nothing here changes a query's outcome, only
// its latency.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siggame/pyrena-arena/internal/metrics"
	"github.com/siggame/pyrena-arena/internal/models"
)

const recentPairsKey = "arena:recent_pairs"

// Cache wraps a redis.Client. A nil *Cache (e.g. Redis unreachable at
// startup) is safe to call; every method degrades to a no-op/miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// New connects to Redis. Unlike Postgres, a connection failure here is
// not fatal: the caller logs a warning and runs with a nil *Cache.
func New(ctx context.Context, url string, ttl time.Duration, logger *zap.SugaredLogger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{client: client, ttl: ttl, logger: logger}, nil
}

// Ping reports Redis health. A disabled (nil) cache is healthy: the
// arena runs fine without it, so readiness must not flap on it.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// CacheRecentPairs refreshes the sorted-set mirror of listRecentGames so
// repeated pairing attempts can short-circuit the DB query. Errors are
// logged and swallowed.
func (c *Cache) CacheRecentPairs(ctx context.Context, games []models.RecentGame) {
	if c == nil || c.client == nil || len(games) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	now := float64(time.Now().Unix())
	for _, g := range games {
		if g.Status == models.GameQueued {
			continue
		}
		ids := g.SubmissionIDs
		if ids[0] > ids[1] {
			ids[0], ids[1] = ids[1], ids[0]
		}
		member := fmt.Sprintf("%d:%d", ids[0], ids[1])
		pipe.ZAdd(ctx, recentPairsKey, redis.Z{Score: now, Member: member})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warnw("redis pipeline failed caching recent pairs", "error", err)
	}
}

// IsRecentPairCached reports whether the unordered pair was seen
// recently, per the cached mirror. A miss or error always returns
// false, ok=false; the caller must then fall through to
// listRecentGames; this is never treated as "definitely not recent".
func (c *Cache) IsRecentPairCached(ctx context.Context, pair [2]int) (recent bool, ok bool) {
	if c == nil || c.client == nil {
		metrics.CacheMisses.WithLabelValues("recent_pair").Inc()
		return false, false
	}
	member := fmt.Sprintf("%d:%d", pair[0], pair[1])
	score, err := c.client.ZScore(ctx, recentPairsKey, member).Result()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("recent_pair").Inc()
		return false, false
	}
	if err != nil {
		metrics.CacheMisses.WithLabelValues("recent_pair").Inc()
		return false, false
	}
	cutoff := float64(time.Now().Add(-c.ttl).Unix())
	return score >= cutoff, true
}

// CacheSubmissionStatus stores the last known submission status with a
// short TTL, used by the materializer to skip redundant repository
// lookups during its idempotent steps.
func (c *Cache) CacheSubmissionStatus(ctx context.Context, submissionID int, status models.SubmissionStatus) {
	if c == nil || c.client == nil {
		return
	}
	key := fmt.Sprintf("arena:submission_status:%d", submissionID)
	if err := c.client.Set(ctx, key, string(status), c.ttl).Err(); err != nil {
		c.logger.Warnw("redis set failed caching submission status", "error", err)
	}
}

// CachedSubmissionStatus returns the cached status, or ok=false on a
// miss/error/disabled cache.
func (c *Cache) CachedSubmissionStatus(ctx context.Context, submissionID int) (status models.SubmissionStatus, ok bool) {
	if c == nil || c.client == nil {
		metrics.CacheMisses.WithLabelValues("submission_status").Inc()
		return "", false
	}
	key := fmt.Sprintf("arena:submission_status:%d", submissionID)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		metrics.CacheMisses.WithLabelValues("submission_status").Inc()
		return "", false
	}
	return models.SubmissionStatus(val), true
}

// TryClaimHint sets a short-TTL NX marker for a specific game id a
// runner is about to attempt to claim. It is cooperative only: a true
// result means "go ahead and try the DB claim", a false result means
// "another runner is very likely already claiming this one, but the DB
// remains the final word either way".
func (c *Cache) TryClaimHint(ctx context.Context, gameID int) bool {
	if c == nil || c.client == nil {
		return true
	}
	key := fmt.Sprintf("arena:claim_hint:%d", gameID)
	ok, err := c.client.SetNX(ctx, key, "1", 5*time.Second).Result()
	if err != nil {
		return true
	}
	return ok
}
