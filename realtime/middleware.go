package realtime

import (
	"context"
	"sync"
)

type nextFunc func() error

type handlerFunc func(ctx context.Context, event *Event, conn Transport, next nextFunc) error

type finalHandlerFunc func(event *Event, conn Transport) error

// middleware is an ordered chain of inbound event handlers.
type middleware struct {
	handlers []handlerFunc
	mutex    sync.RWMutex
}

func newMiddleware() *middleware {
	return &middleware{
		handlers: make([]handlerFunc, 0),
	}
}

func (m *middleware) Use(handlers ...handlerFunc) {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	m.handlers = append(m.handlers, handlers...)
}

func (m *middleware) Handle(ctx context.Context, event *Event, conn Transport, final finalHandlerFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	default:
	}
	m.mutex.RLock()

	handlersCopy := make([]handlerFunc, len(m.handlers))

	copy(handlersCopy, m.handlers)

	m.mutex.RUnlock()

	var executeHandler func(index int) error
	executeHandler = func(index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()

		default:
		}
		if index >= len(handlersCopy) {
			return final(event, conn)
		}
		next := func() error {
			return executeHandler(index + 1)
		}
		return handlersCopy[index](ctx, event, conn, next)
	}
	return executeHandler(0)
}
