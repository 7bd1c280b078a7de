// Package memory is an in-process Broker used for single-seat runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/chairqueue/pkg/messaging"
)

var errClosed = errors.New("broker closed")

type subscriber struct {
	ch chan []byte
}

// Broker fans every published message out to all current subscribers of
// the channel. Slow subscribers lose messages rather than block publishers,
// matching the no-delivery-guarantee contract of a real broadcast.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

var _ messaging.Broker = (*Broker)(nil)

func (b *Broker) Publish(_ context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	s := &subscriber{ch: make(chan []byte, 100)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscriber]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, s)
	}()
	return s.ch, nil
}

func (b *Broker) remove(channel string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][s]; !ok {
		return
	}
	delete(b.subs[channel], s)
	close(s.ch)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
	}
	b.subs = map[string]map[*subscriber]struct{}{}
	return nil
}
