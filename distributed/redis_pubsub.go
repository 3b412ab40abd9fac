// Package distributed provides the Redis backed PubSub that lets several
// pondchat nodes share rooms and presence.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("pubsub: closed")

type handler = func(topic string, data []byte)

// RedisPubSub implements realtime.PubSub on Redis pattern subscriptions. A
// single goroutine hands messages to subscribers in the order Redis delivers
// them, so events a node publishes for one room arrive in order.
type RedisPubSub struct {
	client *redis.Client
	sub    *redis.PubSub
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]handler
	// patterns counts the handlers behind each PSUBSCRIBE.
	patterns map[string]int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPubSub pings client and starts receiving. Close does not close
// client.
func NewRedisPubSub(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &RedisPubSub{
		client:   client,
		sub:      client.Subscribe(ctx),
		logger:   logger.With().Str("component", "redis_pubsub").Logger(),
		handlers: make(map[string][]handler),
		patterns: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.receive()
	return r, nil
}

// Subscribe registers fn for pattern. A pattern ending in ".*" becomes a
// Redis glob on the same prefix.
func (r *RedisPubSub) Subscribe(pattern string, fn func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	glob := toRedisPattern(pattern)
	if r.patterns[glob] == 0 {
		if err := r.sub.PSubscribe(r.ctx, glob); err != nil {
			return fmt.Errorf("psubscribe %s: %w", glob, err)
		}
	}
	r.patterns[glob]++
	r.handlers[pattern] = append(r.handlers[pattern], fn)
	return nil
}

// Unsubscribe drops every handler of pattern and releases the Redis glob
// once nothing else uses it.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	fns, ok := r.handlers[pattern]
	if !ok {
		return fmt.Errorf("pubsub: pattern %s not subscribed", pattern)
	}
	delete(r.handlers, pattern)

	glob := toRedisPattern(pattern)
	if r.patterns[glob] -= len(fns); r.patterns[glob] > 0 {
		return nil
	}
	delete(r.patterns, glob)
	if err := r.sub.PUnsubscribe(r.ctx, glob); err != nil {
		return fmt.Errorf("punsubscribe %s: %w", glob, err)
	}
	return nil
}

func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close stops receiving and waits for the in-flight delivery to finish.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.sub.Close()
	<-r.done
	if err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	return nil
}

func (r *RedisPubSub) receive() {
	defer close(r.done)

	messages := r.sub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Payload == "" {
				continue
			}
			data := []byte(msg.Payload)
			for _, fn := range r.matching(msg.Channel) {
				r.call(fn, msg.Channel, data)
			}
		}
	}
}

func (r *RedisPubSub) matching(topic string) []handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fns []handler
	for pattern, registered := range r.handlers {
		if matchPattern(pattern, topic) {
			fns = append(fns, registered...)
		}
	}
	return fns
}

func (r *RedisPubSub) call(fn handler, topic string, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("topic", topic).Msg("subscriber panicked")
		}
	}()
	fn(topic, data)
}

func toRedisPattern(pattern string) string {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && prefix != "" {
		return prefix + "*"
	}
	return pattern
}

func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	return ok && prefix != "" && strings.HasPrefix(topic, prefix)
}
