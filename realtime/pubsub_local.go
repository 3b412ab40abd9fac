// This file contains LocalPubSub, an in-process PubSub for single-node
// deployments and for wiring several hubs together in tests.
package realtime

import (
	"context"
	"sync"
)

type LocalPubSub struct {
	mu       sync.RWMutex
	patterns map[string][]*localSubscriber
	closed   bool
	depth    int
	ctx      context.Context
	cancel   context.CancelFunc
}

type published struct {
	topic string
	data  []byte
}

// localSubscriber drains its own queue so a slow handler only delays itself.
type localSubscriber struct {
	handler func(topic string, data []byte)
	queue   chan published
	stop    context.CancelFunc
}

func (s *localSubscriber) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.handler(msg.topic, msg.data)
		}
	}
}

// NewLocalPubSub creates an in-memory PubSub. Each subscriber queues up to
// depth messages (100 when depth <= 0); a publish finding the queue full is
// dropped for that subscriber only.
func NewLocalPubSub(ctx context.Context, depth int) *LocalPubSub {
	if depth <= 0 {
		depth = 100
	}
	busCtx, cancel := context.WithCancel(ctx)
	return &LocalPubSub{
		patterns: make(map[string][]*localSubscriber),
		depth:    depth,
		ctx:      busCtx,
		cancel:   cancel,
	}
}

// Subscribe registers handler for pattern. A subscriber sees messages one at a
// time in publish order.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrPubSubClosed
	}
	ctx, stop := context.WithCancel(l.ctx)
	sub := &localSubscriber{
		handler: handler,
		queue:   make(chan published, l.depth),
		stop:    stop,
	}
	l.patterns[pattern] = append(l.patterns[pattern], sub)
	go sub.drain(ctx)
	return nil
}

func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrPubSubClosed
	}
	subs, ok := l.patterns[pattern]
	if !ok {
		return notFound("", "no subscription for "+pattern)
	}
	for _, sub := range subs {
		sub.stop()
	}
	delete(l.patterns, pattern)
	return nil
}

func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrPubSubClosed
	}
	msg := published{topic: topic, data: data}
	for pattern, subs := range l.patterns {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.queue <- msg:
			default:
			}
		}
	}
	return nil
}

// Close stops every subscriber. Closing twice is a no-op.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		l.cancel()
		l.patterns = make(map[string][]*localSubscriber)
	}
	return nil
}
