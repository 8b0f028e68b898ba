// Package notifications provides the socket hubs, SSE presence tracking, and
// the Redis pub/sub fabric that lets any worker deliver to a socket attached
// to any other worker.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"parley/internal/cache"

	"github.com/redis/go-redis/v9"
)

const (
	// A subscriber cycle gives up after the initial attempt plus this many
	// retries; backoff doubles from resubscribeBase between attempts.
	subscribeRetries = 3
	resubscribeBase  = time.Second
)

// Notifier provides helpers to publish into Redis channels and to run
// resilient subscriber loops against them.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishChatMessage publishes a serialized Message on the chat:messages
// channel. Subscribers scope delivery to the message's roomId.
func (n *Notifier) PublishChatMessage(ctx context.Context, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, cache.ChannelChatMessages, payload).Err()
}

// PublishRoomEvent publishes an ephemeral room event (typing, presence,
// join/leave) on the chat:rooms channel.
func (n *Notifier) PublishRoomEvent(ctx context.Context, ev RoomEvent) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	return n.rdb.Publish(ctx, cache.ChannelChatRooms, string(payload)).Err()
}

// PublishCallSignal publishes a targeted signaling envelope on the
// call:rooms channel.
func (n *Notifier) PublishCallSignal(ctx context.Context, env CallEnvelope) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal call envelope: %w", err)
	}
	return n.rdb.Publish(ctx, cache.ChannelCallRooms, string(payload)).Err()
}

// PublishUser sends a notification payload to a user's SSE channel.
func (n *Notifier) PublishUser(ctx context.Context, userID, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, cache.SSEChannel(userID), payload).Err()
}

// SubscribeUser opens a dedicated subscription to one user's SSE channel.
// Each SSE connection owns its own PubSub and must Close it on disconnect.
// Returns nil when no Redis client is configured.
func (n *Notifier) SubscribeUser(ctx context.Context, userID string) *redis.PubSub {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Subscribe(ctx, cache.SSEChannel(userID))
}

// StartChatSubscriber consumes the chat:messages and chat:rooms channels and
// calls onMessage for each incoming message.
func (n *Notifier) StartChatSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	return n.startSubscriber(ctx, "chat", onMessage,
		cache.ChannelChatMessages, cache.ChannelChatRooms)
}

// StartCallSubscriber consumes the call:rooms channel and calls onMessage
// for each incoming signaling envelope.
func (n *Notifier) StartCallSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	return n.startSubscriber(ctx, "call", onMessage, cache.ChannelCallRooms)
}

// startSubscriber launches a goroutine that keeps a subscription to the
// given channels alive. Each cycle confirms the subscription, consumes until
// the channel closes, then resubscribes; a cycle that cannot confirm within
// the retry budget logs and exits the loop.
func (n *Notifier) startSubscriber(
	ctx context.Context, name string, onMessage func(channel, payload string), channels ...string,
) error {
	if n.rdb == nil {
		return nil
	}

	go func() {
		for {
			sub, err := n.resubscribe(ctx, channels)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("%s subscriber: resubscribe exhausted: %v", name, err)
				}
				return
			}
			open := consumeSubscription(ctx, sub, name, onMessage)
			_ = sub.Close()
			if !open {
				return
			}
		}
	}()

	return nil
}

// resubscribe attempts to establish a confirmed subscription, backing off
// between attempts. The retry budget applies per cycle, not globally.
func (n *Notifier) resubscribe(ctx context.Context, channels []string) (*redis.PubSub, error) {
	backoff := resubscribeBase
	var lastErr error

	for attempt := 0; attempt <= subscribeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		sub := n.rdb.Subscribe(ctx, channels...)
		if _, err := sub.Receive(ctx); err != nil {
			lastErr = err
			_ = sub.Close()
			continue
		}
		return sub, nil
	}

	return nil, lastErr
}

// consumeSubscription drains messages until the context ends or the channel
// closes. Returns true when the caller should start a new cycle.
func consumeSubscription(
	ctx context.Context, sub *redis.PubSub, name string, onMessage func(channel, payload string),
) bool {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("PANIC in %s subscriber: %v\n%s", name, r, debug.Stack())
					}
				}()
				onMessage(msg.Channel, msg.Payload)
			}()
		}
	}
}
