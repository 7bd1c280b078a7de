package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// Broadcast publishes payload as event on channel. There is no
// acknowledgment; a nil error only means the broker accepted it.
func Broadcast(ctx context.Context, broker Broker, channel, event string, payload interface{}) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return broker.Publish(ctx, channel, msg)
}

// Listen subscribes to channel and calls handler for each decoded envelope
// until ctx is done or the broker closes the stream. Malformed envelopes
// and handler errors are passed to onErr and skipped.
func Listen(ctx context.Context, broker Broker, channel string, handler func(Message) error, onErr func(error)) (<-chan struct{}, error) {
	msgChan, err := broker.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range msgChan {
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				if onErr != nil {
					onErr(fmt.Errorf("malformed message on %s: %w", channel, err))
				}
				continue
			}
			if err := handler(msg); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}()

	return done, nil
}
