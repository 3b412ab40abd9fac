// This file contains the PresenceTracker, which derives each user's online
// status from the number of connections bound to them and announces every
// transition to all connections.
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/models"
	"github.com/eleven-am/pondchat/store"
)

const presenceWriteTimeout = 5 * time.Second

type presenceHost interface {
	UserConnectionCount(userID string) int
	BroadcastAll(event string, payload interface{})
}

type presenceOptions struct {
	grace   time.Duration
	store   store.PresenceStore
	now     func() time.Time
	logger  zerolog.Logger
	metrics MetricsCollector
}

type userPresence struct {
	state models.PresenceState
	timer *time.Timer
	gen   uint64
}

// PresenceTracker goes online on a user's first connection and offline once
// the user has no connection left, optionally after a grace period during
// which a reconnect cancels the demotion.
type PresenceTracker struct {
	mu      sync.Mutex
	users   map[string]*userPresence
	host    presenceHost
	grace   time.Duration
	store   store.PresenceStore
	now     func() time.Time
	logger  zerolog.Logger
	metrics MetricsCollector

	ctx context.Context
	// announce carries transitions to the broadcaster, writes carries them
	// on to the store writer. Both keep transition order and never block.
	announce *stateQueue
	writes   *stateQueue
	done     chan struct{}
	stopped  sync.Once
}

func newPresenceTracker(ctx context.Context, host presenceHost, opts presenceOptions) *PresenceTracker {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.metrics == nil {
		opts.metrics = NoopMetrics()
	}
	p := &PresenceTracker{
		users:   make(map[string]*userPresence),
		host:    host,
		grace:   opts.grace,
		store:   opts.store,
		now:     opts.now,
		logger:  opts.logger,
		metrics: opts.metrics,
		ctx:      ctx,
		announce: newStateQueue(),
		writes:   newStateQueue(),
		done:     make(chan struct{}),
	}
	go p.broadcast()
	go p.persistAll()
	return p
}

func (p *PresenceTracker) entry(userID string) *userPresence {
	u, ok := p.users[userID]
	if !ok {
		u = &userPresence{state: models.PresenceState{UserID: userID, Status: models.Offline}}
		p.users[userID] = u
	}
	return u
}

// connected promotes userID to online and cancels any pending demotion. It
// does nothing when the binding it reacts to is already gone, which happens
// when the connection closed between RegisterUser and this call.
func (p *PresenceTracker) connected(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host.UserConnectionCount(userID) == 0 {
		return
	}
	u := p.entry(userID)
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.gen++

	if u.state.Status == models.Online {
		return
	}
	u.state = u.state.WithOnline()
	p.enqueueLocked(u.state)
}

// disconnected schedules a demotion check for userID. The check only demotes
// if the user still has no connection when it runs.
func (p *PresenceTracker) disconnected(userID string) {
	if p.grace <= 0 {
		p.demote(userID, 0, false)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.entry(userID)
	if u.timer != nil {
		u.timer.Stop()
	}
	u.gen++
	gen := u.gen
	u.timer = time.AfterFunc(p.grace, func() {
		p.demote(userID, gen, true)
	})
}

func (p *PresenceTracker) demote(userID string, gen uint64, checkGen bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return
	}
	if checkGen {
		if u.gen != gen {
			return
		}
		u.timer = nil
	}
	if u.state.Status == models.Offline {
		return
	}
	if p.host.UserConnectionCount(userID) > 0 {
		return
	}
	u.state = u.state.WithOffline(p.now())
	p.enqueueLocked(u.state)
}

func (p *PresenceTracker) enqueueLocked(state models.PresenceState) {
	p.announce.push(state)
}

// broadcast announces transitions in the order they happened and hands each
// one to the store writer afterwards.
func (p *PresenceTracker) broadcast() {
	for {
		state, ok := p.announce.pop()
		if !ok {
			p.writes.close()
			return
		}
		p.host.BroadcastAll(EventUserStatusChanged, statusPayload(state))
		p.metrics.PresenceChanged(string(state.Status))
		p.writes.push(state)
	}
}

// persistAll applies the writes one at a time, so the store sees the
// transitions of a user in order. A slow store only delays persistence.
func (p *PresenceTracker) persistAll() {
	defer close(p.done)
	for {
		state, ok := p.writes.pop()
		if !ok {
			return
		}
		p.persist(state)
	}
}

func (p *PresenceTracker) persist(state models.PresenceState) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), presenceWriteTimeout)
	defer cancel()

	if err := p.store.SetStatus(ctx, state); err != nil {
		p.metrics.Error("presence_store", err)
		p.logger.Error().Err(err).Str("user", state.UserID).Str("status", string(state.Status)).Msg("failed to persist presence")
	}
}

func statusPayload(state models.PresenceState) StatusPayload {
	payload := StatusPayload{UserID: state.UserID, Status: state.Status}
	if state.Status == models.Offline && state.LastSeen != nil {
		payload.LastSeen = state.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

// Status returns the current state of userID as seen by this node.
func (p *PresenceTracker) Status(userID string) models.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u, ok := p.users[userID]; ok {
		return u.state
	}
	return models.PresenceState{UserID: userID, Status: models.Offline}
}

// Online returns the users currently online on this node, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	online := make([]string, 0, len(p.users))
	for id, u := range p.users {
		if u.state.Status == models.Online {
			online = append(online, id)
		}
	}
	sort.Strings(online)
	return online
}

// wait stops pending timers, flushes queued transitions and returns once the
// writer has finished.
func (p *PresenceTracker) wait() error {
	p.stopped.Do(func() {
		p.mu.Lock()
		for _, u := range p.users {
			if u.timer != nil {
				u.timer.Stop()
				u.timer = nil
			}
		}
		p.announce.close()
		p.mu.Unlock()
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(presenceWriteTimeout):
		return timeout("", "presence writer did not drain")
	}
}

// stateQueue is an unbounded FIFO of presence transitions. push never
// blocks; pop waits for the next item and reports false once the queue is
// closed and drained.
type stateQueue struct {
	mu     sync.Mutex
	items  []models.PresenceState
	closed bool
	wake   chan struct{}
}

func newStateQueue() *stateQueue {
	return &stateQueue{wake: make(chan struct{}, 1)}
}

func (q *stateQueue) push(state models.PresenceState) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, state)
	q.mu.Unlock()
	q.signal()
}

func (q *stateQueue) pop() (models.PresenceState, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			state := q.items[0]
			q.items[0] = models.PresenceState{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return state, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return models.PresenceState{}, false
		}
		<-q.wake
	}
}

func (q *stateQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *stateQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
