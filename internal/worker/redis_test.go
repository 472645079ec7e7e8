package worker

import (
	"context"
	"testing"
	"time"

	"xiaorui/internal/chat"
	"xiaorui/internal/redis/redistest"
)

func TestInvalidatorPubSub(t *testing.T) {
	client := redistest.NewClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newInvalidator(client, "a", nil)
	b := newInvalidator(client, "b", nil)

	got := make(chan invalidateMessage, 2)
	if err := b.listen(ctx, func(msg invalidateMessage) { got <- msg }); err != nil {
		t.Fatalf("listen: %v", err)
	}

	b.publish(ctx, invalidateMessage{Username: "self", Scope: scopeState})
	a.publish(ctx, invalidateMessage{Username: "alice", Scope: scopeUser})

	select {
	case msg := <-got:
		want := invalidateMessage{Username: "alice", Scope: scopeUser, Origin: "a"}
		if msg != want {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("did not receive pubsub message")
	}
	select {
	case msg := <-got:
		t.Fatalf("own message delivered: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagersInvalidateEachOther(t *testing.T) {
	client := redistest.NewClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openerA, openerB := &countingOpener{}, &countingOpener{}
	a := NewManager(openerA, client, Options{}, nil)
	b := NewManager(openerB, client, Options{}, nil)
	defer a.Shutdown()
	defer b.Shutdown()
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := b.Read(ctx, "alice", noop); err != nil {
		t.Fatalf("b read: %v", err)
	}
	if err := a.Do(ctx, "alice", noop); err != nil {
		t.Fatalf("a do: %v", err)
	}
	waitFor(t, func() bool {
		if err := b.Read(ctx, "alice", noop); err != nil {
			t.Fatalf("b read: %v", err)
		}
		return openerB.opens.Load() == 2
	})

	if err := a.Do(ctx, "alice", func(_ context.Context, st *chat.State) error {
		*st = chat.State{}
		return nil
	}); err != nil {
		t.Fatalf("a sign out: %v", err)
	}
	waitFor(t, func() bool { return b.Active() == 0 })
}
