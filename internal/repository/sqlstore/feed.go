package sqlstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
	"github.com/jwalitptl/chairqueue/pkg/logger"
)

// NotifyChannel is the postgres LISTEN channel the schema triggers use.
// The payload is the changed table name.
const NotifyChannel = "chairqueue_changes"

var errListenerLost = errors.New("change listener disconnected")

// fanout holds local subscriptions and dispatches table notifications.
type fanout struct {
	mu   sync.Mutex
	subs map[model.Table]map[*repository.Sub]func()
}

func newFanout() *fanout {
	return &fanout{subs: make(map[model.Table]map[*repository.Sub]func())}
}

func (f *fanout) Subscribe(_ context.Context, table model.Table, onChange func()) (repository.Subscription, error) {
	var sub *repository.Sub
	sub = repository.NewSub(func() {
		f.mu.Lock()
		delete(f.subs[table], sub)
		f.mu.Unlock()
	})
	f.mu.Lock()
	if f.subs[table] == nil {
		f.subs[table] = make(map[*repository.Sub]func())
	}
	f.subs[table][sub] = onChange
	f.mu.Unlock()
	return sub, nil
}

func (f *fanout) notify(table model.Table) {
	for _, cb := range f.callbacks(func(t model.Table) bool { return t == table }) {
		cb()
	}
}

func (f *fanout) notifyAll() {
	for _, cb := range f.callbacks(func(model.Table) bool { return true }) {
		cb()
	}
}

func (f *fanout) callbacks(match func(model.Table) bool) []func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []func()
	for t, set := range f.subs {
		if !match(t) {
			continue
		}
		for _, cb := range set {
			out = append(out, cb)
		}
	}
	return out
}

// failAll ends every subscription with err.
func (f *fanout) failAll(err error) {
	f.mu.Lock()
	var subs []*repository.Sub
	for _, set := range f.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	f.mu.Unlock()
	for _, sub := range subs {
		if err == nil {
			_ = sub.Close()
		} else {
			sub.Fail(err)
		}
	}
}

// pgListener bridges LISTEN/NOTIFY onto a fanout.
type pgListener struct {
	l    *pq.Listener
	fan  *fanout
	log  *logger.Logger
	done chan struct{}
}

func newPGListener(dsn string, fan *fanout, log *logger.Logger) (*pgListener, error) {
	pl := &pgListener{fan: fan, log: log, done: make(chan struct{})}
	pl.l = pq.NewListener(dsn, time.Second, 30*time.Second, pl.onEvent)
	if err := pl.l.Listen(NotifyChannel); err != nil {
		_ = pl.l.Close()
		return nil, err
	}
	go pl.run()
	return pl, nil
}

func (pl *pgListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		pl.log.Warn("change listener disconnected", "error", err)
		pl.fan.failAll(errListenerLost)
	case pq.ListenerEventReconnected:
		pl.log.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		pl.log.Debug("change listener reconnect failed", "error", err)
	}
}

func (pl *pgListener) run() {
	defer close(pl.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-pl.l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; anything may have been missed
				pl.fan.notifyAll()
				continue
			}
			pl.fan.notify(model.Table(n.Extra))
		case <-ping.C:
			go pl.l.Ping()
		}
	}
}

func (pl *pgListener) Close() error {
	err := pl.l.Close()
	<-pl.done
	return err
}
