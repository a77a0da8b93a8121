// Package ratelimit throttles the two places an unbounded client could
// otherwise exhaust server resources: opening connections and sending
// chat messages. It is not part of the chat protocol itself; it lives as
// connection- and session-scoped guards the transport layer consults
// before ever handing a frame to the Hub.
package ratelimit

import (
	"context"
	"fmt"

	"chatsignal/internal/config"
	"chatsignal/internal/logging"
	"chatsignal/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds the per-concern rate limiter instances. Backed by Redis
// when available so limits are shared across instances; falls back to an
// in-process memory store otherwise.
type Limiter struct {
	wsIP      *limiter.Limiter
	wsSession *limiter.Limiter
	messages  *limiter.Limiter
}

// New builds a Limiter from cfg's formatted rate strings (e.g. "100-M").
// redisClient may be nil, in which case an in-memory store is used.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid RATE_LIMIT_WS_IP: %w", err)
	}
	sessionRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsSession)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid RATE_LIMIT_WS_SESSION: %w", err)
	}
	messagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitMessages)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid RATE_LIMIT_MESSAGES: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "chatsignal:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (not shared across instances)")
	}

	return &Limiter{
		wsIP:      limiter.New(store, ipRate),
		wsSession: limiter.New(store, sessionRate),
		messages:  limiter.New(store, messagesRate),
	}, nil
}

// AllowConnect reports whether a new WebSocket upgrade from ip is within
// the per-IP connect-rate budget.
func (l *Limiter) AllowConnect(ctx context.Context, ip string) bool {
	return l.allow(ctx, l.wsIP, ip, "websocket_connect", "ip")
}

// AllowMessage reports whether sessionID is within its message-rate
// budget. Called by the transport dispatcher before forwarding a
// chat_message frame to the Hub.
func (l *Limiter) AllowMessage(ctx context.Context, sessionID string) bool {
	return l.allow(ctx, l.messages, sessionID, "chat_message", "session")
}

// AllowSession reports whether sessionID is within the per-session
// connection-churn budget (register/disconnect/reconnect cycling).
func (l *Limiter) AllowSession(ctx context.Context, sessionID string) bool {
	return l.allow(ctx, l.wsSession, sessionID, "websocket_session", "session")
}

func (l *Limiter) allow(ctx context.Context, lim *limiter.Limiter, key, endpoint, keyKind string) bool {
	res, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed, failing open", zap.String("endpoint", endpoint), zap.Error(err))
		return true
	}

	metrics.RateLimitRequestsTotal.WithLabelValues(endpoint).Inc()
	if res.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues(endpoint, keyKind).Inc()
		return false
	}
	return true
}
