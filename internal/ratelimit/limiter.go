// Package ratelimit provides Redis-backed fixed-window rate limiting for
// client actions (registrations, searches, chat messages), keyed per
// connection.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 10 chat messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleSearch allows 10 search requests per minute per connection.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: time.Minute}

	// RuleRegister allows 5 registration attempts per minute per connection.
	RuleRegister = Rule{Key: "rl:reg:", Limit: 5, Window: time.Minute}
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time left in the window when denied
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier under rule. The counter and its
// expiry are set in one MULTI so a key can never outlive its window.
//
// On Redis errors it fails open (Allowed is true) and returns the error so
// that a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		log.Warn().Str("component", "ratelimit").Str("key", key).Err(err).Msg("redis error, failing open")
		return Decision{Allowed: true}, err
	}

	if int(incr.Val()) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Reset forgets every counter for identifier, e.g. when its connection goes
// away.
func (l *Limiter) Reset(ctx context.Context, identifier string, rules ...Rule) error {
	if len(rules) == 0 {
		return nil
	}
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key + identifier
	}
	return l.client.Del(ctx, keys...).Err()
}
