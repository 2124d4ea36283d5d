package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"modbot/internal/metrics"
)

type SubscriptionStatus int

const (
	// SubUnknown means the oracle could not answer. The orchestrator
	// treats it as non-blocking (fail-open).
	SubUnknown SubscriptionStatus = iota
	Subscribed
	NotSubscribed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case Subscribed:
		return "subscribed"
	case NotSubscribed:
		return "not_subscribed"
	default:
		return "unknown"
	}
}

// MembershipOracle answers whether a user belongs to a channel. The
// transport layer implements it against the chat platform.
type MembershipOracle interface {
	IsMember(ctx context.Context, channel string, userID int64) (bool, error)
}

// Verifier checks channel membership with a short-lived redis cache in
// front of the oracle. Oracle failures degrade to SubUnknown instead of
// blocking; availability wins over strictness here.
type Verifier struct {
	oracle  MembershipOracle
	redis   *redis.Client
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewVerifier(oracle MembershipOracle, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Verifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if m == nil {
		m = metrics.Global()
	}
	return &Verifier{oracle: oracle, redis: rdb, ttl: ttl, logger: logger, metrics: m}
}

// Check returns the subscription status of userID for the chat's required
// channel. An empty channel means the gate is off and the user is
// trivially Subscribed without any oracle contact.
func (v *Verifier) Check(ctx context.Context, channel string, chatID, userID int64) SubscriptionStatus {
	if channel == "" {
		return Subscribed
	}

	key := v.cacheKey(channel, chatID, userID)
	if v.redis != nil {
		if raw, err := v.redis.Get(ctx, key).Result(); err == nil {
			if raw == "1" {
				return Subscribed
			}
			return NotSubscribed
		} else if err != redis.Nil {
			v.logger.Warn().Err(err).Msg("failed to read subscription cache")
		}
	}

	ok, err := v.oracle.IsMember(ctx, channel, userID)
	if err != nil {
		v.metrics.OracleFailures.Inc()
		v.logger.Warn().Err(err).
			Str("channel", channel).
			Int64("user_id", userID).
			Msg("membership oracle failed, failing open")
		return SubUnknown
	}

	if v.redis != nil {
		value := "0"
		if ok {
			value = "1"
		}
		if err := v.redis.Set(ctx, key, value, v.ttl).Err(); err != nil {
			v.logger.Warn().Err(err).Msg("failed to write subscription cache")
		}
	}

	if ok {
		return Subscribed
	}
	return NotSubscribed
}

// Invalidate drops the cached result, used when a user taps the verify
// button so the fresh oracle answer wins immediately.
func (v *Verifier) Invalidate(ctx context.Context, channel string, chatID, userID int64) {
	if v.redis == nil {
		return
	}
	if err := v.redis.Del(ctx, v.cacheKey(channel, chatID, userID)).Err(); err != nil {
		v.logger.Warn().Err(err).Msg("failed to invalidate subscription cache")
	}
}

func (v *Verifier) cacheKey(channel string, chatID, userID int64) string {
	return fmt.Sprintf("modbot:sub:%s:%d:%d", channel, chatID, userID)
}
