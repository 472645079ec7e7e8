package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"xiaorui/internal/chat"
	"xiaorui/internal/redis"
)

var (
	// ErrBusy is returned when a user's queue is full.
	ErrBusy = errors.New("user has too many pending requests")
	// ErrStopped is returned for tasks dropped by Stop.
	ErrStopped = errors.New("user lane stopped")
)

const (
	defaultQueueSize = 16
	defaultIdle      = 10 * time.Minute
)

// Opener loads a user's state when a lane has none cached.
type Opener interface {
	Open(ctx context.Context, username string) (*chat.State, error)
}

type Options struct {
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager runs each user's operations one at a time on a per-user lane.
type Manager struct {
	opener Opener
	opts   Options
	bus    *invalidator
	logger *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewManager creates a manager. cache may be nil or disabled, in which case
// no invalidations are exchanged with other instances.
func NewManager(opener Opener, cache *redis.Client, opts Options, logger *slog.Logger) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")
	return &Manager{
		opener: opener,
		opts:   opts,
		bus:    newInvalidator(cache, uuid.NewString(), logger),
		logger: logger,
		lanes:  make(map[string]*lane),
	}
}

// Do runs fn on username's lane and tells other instances the user's state
// changed.
func (m *Manager) Do(ctx context.Context, username string, fn Func) error {
	return m.submit(ctx, username, fn, true)
}

// Read runs fn on username's lane without announcing a change.
func (m *Manager) Read(ctx context.Context, username string, fn Func) error {
	return m.submit(ctx, username, fn, false)
}

func (m *Manager) submit(ctx context.Context, username string, fn Func, mutates bool) error {
	t := task{ctx: ctx, fn: fn, mutates: mutates, done: make(chan error, 1)}

	m.mu.Lock()
	l, ok := m.lanes[username]
	if !ok {
		l = newLane(username, m.opts.QueueSize)
		m.lanes[username] = l
		go m.run(l)
	}
	select {
	case l.tasks <- t:
	default:
		m.mu.Unlock()
		return ErrBusy
	}
	m.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Purge drops username's cached state; the next task reloads it.
func (m *Manager) Purge(username string) {
	m.mu.Lock()
	l := m.lanes[username]
	m.mu.Unlock()
	if l != nil {
		l.purge()
	}
}

// Stop retires username's lane, failing queued tasks with ErrStopped.
func (m *Manager) Stop(username string) {
	m.mu.Lock()
	l, ok := m.lanes[username]
	if ok {
		delete(m.lanes, username)
	}
	m.mu.Unlock()
	if ok {
		l.stop()
	}
}

// detach removes l from the lane map unless a newer lane already replaced it.
func (m *Manager) detach(l *lane) {
	m.mu.Lock()
	if m.lanes[l.username] == l {
		delete(m.lanes, l.username)
	}
	m.mu.Unlock()
	l.stop()
}

// Active reports how many lanes are running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Listen applies invalidations published by other instances until ctx is
// done. It returns once the subscription is established.
func (m *Manager) Listen(ctx context.Context) error {
	return m.bus.listen(ctx, func(msg invalidateMessage) {
		switch msg.Scope {
		case scopeUser:
			m.Stop(msg.Username)
		case scopeState:
			m.Purge(msg.Username)
		}
	})
}

// Shutdown stops every lane.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	lanes := m.lanes
	m.lanes = make(map[string]*lane)
	m.mu.Unlock()
	for _, l := range lanes {
		l.stop()
	}
}

func (m *Manager) run(l *lane) {
	idle := time.NewTimer(m.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-l.stopCh:
			l.drain(ErrStopped)
			m.logger.Debug("lane stopped", "user", l.username)
			return
		case <-l.purgeCh:
			l.stale = true
		case t := <-l.tasks:
			select {
			case <-l.stopCh:
				t.done <- ErrStopped
				l.drain(ErrStopped)
				return
			default:
			}
			signedOut, err := m.handle(l, t)
			t.done <- err
			if signedOut {
				m.detach(l)
				l.drain(ErrStopped)
				return
			}
			idle.Reset(m.opts.IdleTimeout)
		case <-idle.C:
			if m.retire(l) {
				m.logger.Debug("lane retired", "user", l.username)
				return
			}
			idle.Reset(m.opts.IdleTimeout)
		}
	}
}

// handle runs one task. It reports true when the task left the state
// unauthenticated, which ends the lane.
func (m *Manager) handle(l *lane, t task) (bool, error) {
	if err := t.ctx.Err(); err != nil {
		return false, err
	}
	if l.state == nil || l.stale {
		st, err := m.opener.Open(t.ctx, l.username)
		if err != nil {
			return false, err
		}
		if l.state != nil {
			if _, ok := st.Conversations[l.state.Current]; ok {
				st.Current = l.state.Current
			}
		}
		l.state, l.stale = st, false
	}

	if err := t.fn(t.ctx, l.state); err != nil {
		return false, err
	}
	if !l.state.Authenticated() {
		m.bus.publish(context.WithoutCancel(t.ctx), invalidateMessage{Username: l.username, Scope: scopeUser})
		return true, nil
	}
	if t.mutates {
		m.bus.publish(context.WithoutCancel(t.ctx), invalidateMessage{Username: l.username, Scope: scopeState})
	}
	return false, nil
}

// retire removes an idle lane unless work arrived meanwhile.
func (m *Manager) retire(l *lane) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(l.tasks) > 0 {
		return false
	}
	if m.lanes[l.username] == l {
		delete(m.lanes, l.username)
	}
	return true
}
