// This file defines the extension points of the hub: rate limiting, metrics
// collection and lifecycle callbacks.
package realtime

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether an inbound event identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, err error)
	Reset(key string)
}

// MetricsCollector receives operational metrics from the hub. The metrics
// package provides a Prometheus implementation.
type MetricsCollector interface {
	ConnectionOpened(connID string)
	ConnectionClosed(connID string, duration time.Duration)
	MessageReceived(connID string, event string)
	MessageBroadcast(room string, event string, recipientCount int)
	RoomJoined(room string)
	RoomLeft(room string)
	PresenceChanged(status string)
	HandlerDuration(event string, duration time.Duration)
	Error(component string, err error)
}

type Hooks struct {
	RateLimiter  RateLimiter
	Metrics      MetricsCollector
	OnConnect    func(conn Transport) error
	OnDisconnect func(conn Transport)

	BeforeMessage func(event *Event, conn Transport) error
}

func (h *Hooks) metrics() MetricsCollector {
	if h == nil || h.Metrics == nil {
		return NoopMetrics()
	}
	return h.Metrics
}

// WithRateLimiter rejects events once the connection exceeds its budget.
func WithRateLimiter(hooks *Hooks) handlerFunc {
	return func(ctx context.Context, event *Event, conn Transport, next nextFunc) error {
		if hooks == nil || hooks.RateLimiter == nil {
			return next()
		}
		allowed, err := hooks.RateLimiter.Allow(ctx, conn.GetID())

		if err != nil {
			return wrapF(err, "rate limiter error")
		}
		if !allowed {
			rateErr := tooManyRequests("", "Rate limit exceeded")
			hooks.metrics().Error("rate_limiter", rateErr)

			return rateErr
		}
		return next()
	}
}

// WithMetrics records receipt and handler duration of every inbound event.
func WithMetrics(hooks *Hooks) handlerFunc {
	return func(ctx context.Context, event *Event, conn Transport, next nextFunc) error {
		metrics := hooks.metrics()
		start := time.Now()

		err := next()

		metrics.MessageReceived(conn.GetID(), event.Event)
		metrics.HandlerDuration(event.Event, time.Since(start))

		if err != nil {
			metrics.Error("message_handler", err)
		}
		return err
	}
}

// WithBeforeMessage runs the BeforeMessage hook, rejecting the event on error.
func WithBeforeMessage(hooks *Hooks) handlerFunc {
	return func(ctx context.Context, event *Event, conn Transport, next nextFunc) error {
		if hooks == nil || hooks.BeforeMessage == nil {
			return next()
		}
		if err := hooks.BeforeMessage(event, conn); err != nil {
			return wrap(err, "message rejected")
		}
		return next()
	}
}

// TokenBucket is a per-key token bucket: each key may burst up to capacity
// events, refilled evenly over interval.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
	now      func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func NewTokenBucket(capacity int, interval time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TokenBucket{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		now:      time.Now,
	}
}

func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastCheck: now}
		tb.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * tb.rate
		if b.tokens > tb.capacity {
			b.tokens = tb.capacity
		}
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (tb *TokenBucket) Reset(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.buckets, key)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) MessageReceived(connID string, event string) {}

func (n *noopMetrics) MessageBroadcast(room string, event string, recipientCount int) {}

func (n *noopMetrics) RoomJoined(room string) {}

func (n *noopMetrics) RoomLeft(room string) {}

func (n *noopMetrics) PresenceChanged(status string) {}

func (n *noopMetrics) HandlerDuration(event string, duration time.Duration) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a collector that discards everything.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
