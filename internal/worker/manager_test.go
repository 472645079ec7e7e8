package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xiaorui/internal/chat"
	"xiaorui/internal/models"
)

type countingOpener struct {
	opens atomic.Int32
	err   error
}

func (o *countingOpener) Open(_ context.Context, username string) (*chat.State, error) {
	o.opens.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return &chat.State{
		Username: username,
		Current:  models.DefaultConversationID,
		Conversations: models.ConversationSet{
			models.DefaultConversationID: models.NewConversation("新对话", models.Seed{}),
			"chat_b":                     models.NewConversation("对话 2", models.Seed{}),
		},
	}, nil
}

func noop(context.Context, *chat.State) error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func queued(m *Manager, username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.lanes[username]; l != nil {
		return len(l.tasks)
	}
	return -1
}

// blockLane occupies username's lane until the returned func is called.
func blockLane(t *testing.T, m *Manager, username string) (release func(), result <-chan error) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Do(context.Background(), username, func(context.Context, *chat.State) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("blocking task did not start")
	}
	var once sync.Once
	return func() { once.Do(func() { close(unblock) }) }, done
}

func TestManagerRunsUserTasksSerially(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener, nil, Options{QueueSize: 64}, nil)
	defer m.Shutdown()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		count    int
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), "alice", func(context.Context, *chat.State) error {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				count++
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Fatalf("expected 20 tasks, got %d", count)
	}
	if maxSeen.Load() != 1 {
		t.Fatalf("tasks overlapped: %d in flight", maxSeen.Load())
	}
	if got := opener.opens.Load(); got != 1 {
		t.Fatalf("state should be opened once, got %d", got)
	}
}

func TestManagerPassesStateAndErrors(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{}, nil)
	defer m.Shutdown()

	var seen string
	if err := m.Read(context.Background(), "bob", func(_ context.Context, st *chat.State) error {
		seen = st.Username
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if seen != "bob" {
		t.Fatalf("unexpected state user %q", seen)
	}

	boom := errors.New("boom")
	if err := m.Do(context.Background(), "bob", func(context.Context, *chat.State) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestManagerOpenError(t *testing.T) {
	openErr := errors.New("disk gone")
	m := NewManager(&countingOpener{err: openErr}, nil, Options{}, nil)
	defer m.Shutdown()

	if err := m.Do(context.Background(), "alice", noop); !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestManagerBusyWhenQueueFull(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{QueueSize: 1}, nil)
	defer m.Shutdown()

	release, first := blockLane(t, m, "alice")
	defer release()

	second := make(chan error, 1)
	go func() { second <- m.Do(context.Background(), "alice", noop) }()
	waitFor(t, func() bool { return queued(m, "alice") == 1 })

	if err := m.Do(context.Background(), "alice", noop); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := m.Do(context.Background(), "bob", noop); err != nil {
		t.Fatalf("other users must not be affected: %v", err)
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second: %v", err)
	}
}

func TestManagerPurgeReloadsAndKeepsSelection(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener, nil, Options{}, nil)
	defer m.Shutdown()
	ctx := context.Background()

	if err := m.Do(ctx, "alice", func(_ context.Context, st *chat.State) error {
		st.Current = "chat_b"
		return nil
	}); err != nil {
		t.Fatalf("select: %v", err)
	}

	m.Purge("alice")
	waitFor(t, func() bool {
		var current string
		if err := m.Read(ctx, "alice", func(_ context.Context, st *chat.State) error {
			current = st.Current
			return nil
		}); err != nil {
			t.Fatalf("read: %v", err)
		}
		return opener.opens.Load() == 2 && current == "chat_b"
	})

	m.Purge("nobody")
}

func TestManagerStopFailsQueuedTasks(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{QueueSize: 4}, nil)
	defer m.Shutdown()

	release, first := blockLane(t, m, "alice")
	queuedErr := make(chan error, 1)
	go func() { queuedErr <- m.Do(context.Background(), "alice", noop) }()
	waitFor(t, func() bool { return queued(m, "alice") == 1 })

	m.Stop("alice")
	release()

	if err := <-first; err != nil {
		t.Fatalf("running task should finish: %v", err)
	}
	if err := <-queuedErr; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if m.Active() != 0 {
		t.Fatalf("lane not removed")
	}
}

func TestManagerRetiresIdleLanes(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{IdleTimeout: 30 * time.Millisecond}, nil)
	defer m.Shutdown()

	if err := m.Do(context.Background(), "alice", noop); err != nil {
		t.Fatalf("do: %v", err)
	}
	waitFor(t, func() bool { return m.Active() == 0 })

	if err := m.Do(context.Background(), "alice", noop); err != nil {
		t.Fatalf("do after retire: %v", err)
	}
}

func TestManagerSignOutEndsLane(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener, nil, Options{}, nil)
	defer m.Shutdown()

	if err := m.Do(context.Background(), "alice", func(_ context.Context, st *chat.State) error {
		*st = chat.State{}
		return nil
	}); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	waitFor(t, func() bool { return m.Active() == 0 })

	if err := m.Do(context.Background(), "alice", noop); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := opener.opens.Load(); got != 2 {
		t.Fatalf("expected reopen after sign out, got %d opens", got)
	}
}

func TestManagerCanceledContext(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{}, nil)
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := m.Do(ctx, "alice", func(context.Context, *chat.State) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitFor(t, func() bool { return queued(m, "alice") <= 0 })
	m.Stop("alice")
	if ran {
		t.Fatalf("task ran despite canceled context")
	}
}

func TestDetachKeepsReplacementLane(t *testing.T) {
	m := NewManager(&countingOpener{}, nil, Options{}, nil)
	old := newLane("alice", 1)
	replacement := newLane("alice", 1)
	m.lanes["alice"] = replacement

	m.detach(old)

	if m.lanes["alice"] != replacement {
		t.Fatalf("replacement lane was removed")
	}
	select {
	case <-replacement.stopCh:
		t.Fatalf("replacement lane was stopped")
	default:
	}
	select {
	case <-old.stopCh:
	default:
		t.Fatalf("detached lane was not stopped")
	}
}

func TestSignOutAfterRemoteStopKeepsNewLane(t *testing.T) {
	opener := &countingOpener{}
	m := NewManager(opener, nil, Options{}, nil)
	defer m.Shutdown()

	started := make(chan struct{})
	unblock := make(chan struct{})
	signOut := make(chan error, 1)
	go func() {
		signOut <- m.Do(context.Background(), "alice", func(_ context.Context, st *chat.State) error {
			close(started)
			<-unblock
			*st = chat.State{}
			return nil
		})
	}()
	<-started
	m.mu.Lock()
	first := m.lanes["alice"]
	m.mu.Unlock()

	// another instance deleted the user; a fresh request then opens a new lane
	m.Stop("alice")
	release, result := blockLane(t, m, "alice")
	m.mu.Lock()
	second := m.lanes["alice"]
	m.mu.Unlock()
	if second == nil || second == first {
		t.Fatalf("expected a replacement lane")
	}

	close(unblock)
	if err := <-signOut; err != nil {
		t.Fatalf("sign-out task: %v", err)
	}

	release()
	if err := <-result; err != nil {
		t.Fatalf("replacement task: %v", err)
	}
	if err := m.Do(context.Background(), "alice", noop); err != nil {
		t.Fatalf("follow-up task: %v", err)
	}
	m.mu.Lock()
	current := m.lanes["alice"]
	m.mu.Unlock()
	if current != second {
		t.Fatalf("replacement lane was dropped by the old lane's sign-out")
	}
	if got := opener.opens.Load(); got != 2 {
		t.Fatalf("expected 2 opens, got %d", got)
	}
}
