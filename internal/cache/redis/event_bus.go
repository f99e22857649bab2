package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// AccountEventsChannel is the Pub/Sub channel carrying JSON account events.
const AccountEventsChannel = "riskengine:account_events"

// eventBuffer is how many events a slow consumer may lag before the reader
// blocks.
const eventBuffer = 128

// EventBus implements domain.EventBus over Redis Pub/Sub, so every engine
// instance sees the fills, closes and mark passes made by the others.
type EventBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, logger *slog.Logger) *EventBus {
	return &EventBus{rdb: c.Underlying(), logger: logger}
}

// PublishAccountEvent encodes evt and publishes it. An event without an
// account is rejected.
func (b *EventBus) PublishAccountEvent(ctx context.Context, evt domain.AccountEvent) error {
	if evt.AccountID == "" {
		return errors.New("redis: account event without account id")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: encode %s event: %w", evt.Kind, err)
	}
	if err := b.rdb.Publish(ctx, AccountEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s event for %s: %w", evt.Kind, evt.AccountID, err)
	}
	return nil
}

// SubscribeAccountEvents returns decoded account events until ctx is
// cancelled, when the channel is closed. Payloads that do not decode to an
// event with an account are logged and dropped.
func (b *EventBus) SubscribeAccountEvents(ctx context.Context) (<-chan domain.AccountEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, AccountEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe account events: %w", err)
	}

	out := make(chan domain.AccountEvent, eventBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				evt, err := decodeAccountEvent(msg.Payload)
				if err != nil {
					b.logger.WarnContext(ctx, "redis: dropping account event", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeAccountEvent(payload string) (domain.AccountEvent, error) {
	var evt domain.AccountEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return evt, fmt.Errorf("decode account event: %w", err)
	}
	if evt.AccountID == "" {
		return evt, errors.New("account event without account id")
	}
	return evt, nil
}

var _ domain.EventBus = (*EventBus)(nil)
