package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"xiaorui/internal/redis"
)

const redisInvalidateChannel = "worker:invalidate"

const (
	scopeUser  = "user"
	scopeState = "state"
)

type invalidateMessage struct {
	Username string `json:"username"`
	Scope    string `json:"scope"`
	Origin   string `json:"origin"`
}

// invalidator exchanges state invalidations between instances over redis
// pub/sub. A nil or disabled client makes it a no-op.
type invalidator struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

func newInvalidator(client *redis.Client, origin string, logger *slog.Logger) *invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &invalidator{client: client, origin: origin, logger: logger}
}

// listen subscribes and hands messages from other origins to handler until
// ctx is done.
func (r *invalidator) listen(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || !r.client.Enabled() || handler == nil {
		return nil
	}
	pubsub := r.client.Subscribe(ctx, redisInvalidateChannel)
	if pubsub == nil {
		return nil
	}
	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()
	go func() {
		for msg := range pubsub.Channel() {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Warn("worker invalidation decode failed", "error", err)
				continue
			}
			if inv.Origin == r.origin || inv.Username == "" {
				continue
			}
			handler(inv)
		}
	}()
	return nil
}

// publish broadcasts msg stamped with this instance's origin.
func (r *invalidator) publish(ctx context.Context, msg invalidateMessage) {
	if r == nil || !r.client.Enabled() {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("worker invalidation marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("worker publish invalidation failed", "error", err, "user", msg.Username)
	}
}
