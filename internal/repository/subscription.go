package repository

import (
	"sync"

	"github.com/google/uuid"
)

// Sub is a Subscription backends can embed or return directly.
type Sub struct {
	id      string
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

func NewSub(onClose func()) *Sub {
	return &Sub{
		id:      uuid.NewString(),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Sub) ID() string { return s.id }

func (s *Sub) Done() <-chan struct{} { return s.done }

func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail ends the subscription with err; the owner should re-subscribe.
func (s *Sub) Fail(err error) {
	s.end(err)
}

func (s *Sub) Close() error {
	s.end(nil)
	return nil
}

func (s *Sub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}
