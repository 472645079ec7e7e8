package worker

import (
	"context"
	"sync"

	"xiaorui/internal/chat"
)

// Func runs against a user's cached state on that user's lane.
type Func func(ctx context.Context, st *chat.State) error

type task struct {
	ctx     context.Context
	fn      Func
	mutates bool
	done    chan error
}

// lane is the single goroutine that owns one user's state.
type lane struct {
	username string
	tasks    chan task
	purgeCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	// only touched by the lane goroutine
	state *chat.State
	stale bool
}

func newLane(username string, queueSize int) *lane {
	return &lane{
		username: username,
		tasks:    make(chan task, queueSize),
		purgeCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (l *lane) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *lane) purge() {
	select {
	case l.purgeCh <- struct{}{}:
	default:
	}
}

// drain fails every queued task with err.
func (l *lane) drain(err error) {
	for {
		select {
		case t := <-l.tasks:
			t.done <- err
		default:
			return
		}
	}
}
