// Package bridge provides the Redis-backed fan-out used to keep a
// user's open tabs in sync. Topics are plain pub/sub channels; there
// is no durability, which matches the contract: a missed broadcast is
// repaired the next time a tab loads from the store.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"unlockmemory/api/internal/notes"
)

type RedisBridge struct {
	rdb *redis.Client
}

func NewRedisBridge(rdb *redis.Client) *RedisBridge {
	return &RedisBridge{rdb: rdb}
}

func (b *RedisBridge) Publish(ctx context.Context, topic string, msg notes.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers messages for topic until the returned cancel
// func is called or ctx ends. Undecodable payloads are logged and
// skipped; a v=0 or unknown-version message is dropped rather than
// half-applied.
func (b *RedisBridge) Subscribe(ctx context.Context, topic string, fn func(notes.Message)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning, so a
	// publish issued right after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	go func() {
		for m := range pubsub.Channel() {
			var msg notes.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("bridge: bad payload on %s: %v", topic, err)
				continue
			}
			if msg.V != 1 {
				log.Printf("bridge: dropping message with version %d on %s", msg.V, topic)
				continue
			}
			fn(msg)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// Ping reports broker reachability for the health endpoint.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
