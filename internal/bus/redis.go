// Package bus provides optional cross-instance fan-out of room events over
// Redis pub/sub. It exists so a chatsignal deployment can run more than
// one process behind a load balancer: each process still owns its own
// Hub as the source of truth for the sessions connected to it, but chat
// messages published to
// a room are also relayed to every other process subscribed to the same
// room name, so a sender's room-mates connected to a different process
// still see them. Membership events are not relayed.
//
// The bus is optional and nil-safe throughout: when disabled (the
// default), every method is a no-op and the Hub behaves exactly as a
// single-instance server.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatsignal/internal/logging"
	"chatsignal/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Event is the envelope relayed between processes over a room's channel.
type Event struct {
	RoomName string          `json:"room_name"`
	Frame    json.RawMessage `json:"frame"` // an encoded protocol.Frame
	SenderID string          `json:"sender_id"`
}

// Service talks to a Redis cluster for cross-instance room fan-out. A nil
// *Service is valid and behaves as single-instance mode.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService dials addr and verifies connectivity with a PING.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	logging.Info(context.Background(), "connected to redis bus", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Publish relays frame to every other process subscribed to roomName.
// Failures and an open circuit breaker degrade gracefully: the local
// broadcast already happened, so a Redis outage only costs cross-instance
// reach, never local delivery.
func (s *Service) Publish(ctx context.Context, roomName string, frame json.RawMessage, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (any, error) {
		data, err := json.Marshal(Event{RoomName: roomName, Frame: frame, SenderID: senderID})
		if err != nil {
			return nil, fmt.Errorf("marshal bus event: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(roomName), data).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues("publish", "circuit_open").Inc()
			logging.Warn(ctx, "redis bus circuit open, dropping publish", zap.String("room_name", roomName))
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		logging.Error(ctx, "redis bus publish failed", zap.String("room_name", roomName), zap.String("error", err.Error()))
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a background listener for roomName and invokes handler
// for every event published on the room's channel, until ctx is
// cancelled. Redis delivers this process's own publishes too; handler
// receives those as well and can tell them apart by SenderID.
// wg, if non-nil, is marked Done when the listener goroutine exits so
// callers can wait for clean shutdown.
func (s *Service) Subscribe(ctx context.Context, roomName string, wg *sync.WaitGroup, handler func(Event)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channelFor(roomName))
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					logging.Error(ctx, "redis bus: malformed event", zap.String("error", err.Error()))
					continue
				}
				handler(evt)
			}
		}
	}()
}

// Ping reports Redis reachability for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close releases the underlying Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func channelFor(roomName string) string {
	return "chatsignal:room:" + roomName
}
