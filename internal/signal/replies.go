package signal

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/pkg/messaging"
	"github.com/jwalitptl/chairqueue/pkg/redact"
)

type replyEntry struct {
	reply     model.DoctorReply
	expiresAt time.Time
	index     int
}

// expiryQueue is a min-heap on expiresAt.
type expiryQueue []*replyEntry

func (q expiryQueue) Len() int           { return len(q) }
func (q expiryQueue) Less(i, j int) bool { return q[i].expiresAt.Before(q[j].expiresAt) }
func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x interface{}) {
	e := x.(*replyEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *expiryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// replyBox keeps at most one reply per patient until it expires.
type replyBox struct {
	mu    sync.Mutex
	queue expiryQueue
	byID  map[int64]*replyEntry

	lmu       sync.Mutex
	listeners []chan struct{}
}

func newReplyBox() *replyBox {
	return &replyBox{byID: make(map[int64]*replyEntry)}
}

func (b *replyBox) put(r model.DoctorReply, expiresAt time.Time) {
	b.mu.Lock()
	if e, ok := b.byID[r.PatientID]; ok {
		e.reply = r
		e.expiresAt = expiresAt
		heap.Fix(&b.queue, e.index)
	} else {
		e := &replyEntry{reply: r, expiresAt: expiresAt}
		heap.Push(&b.queue, e)
		b.byID[r.PatientID] = e
	}
	b.mu.Unlock()
	b.notify()
}

func (b *replyBox) get(patientID int64, now time.Time) (model.DoctorReply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[patientID]
	if !ok || !now.Before(e.expiresAt) {
		return model.DoctorReply{}, false
	}
	return e.reply, true
}

func (b *replyBox) all(now time.Time) map[int64]model.DoctorReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int64]model.DoctorReply, len(b.byID))
	for id, e := range b.byID {
		if now.Before(e.expiresAt) {
			out[id] = e.reply
		}
	}
	return out
}

// sweep evicts every reply whose expiry is not after now.
func (b *replyBox) sweep(now time.Time) int {
	b.mu.Lock()
	n := 0
	for b.queue.Len() > 0 && !now.Before(b.queue[0].expiresAt) {
		e := heap.Pop(&b.queue).(*replyEntry)
		delete(b.byID, e.reply.PatientID)
		n++
	}
	b.mu.Unlock()
	if n > 0 {
		b.notify()
	}
	return n
}

func (b *replyBox) watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.lmu.Lock()
	b.listeners = append(b.listeners, ch)
	b.lmu.Unlock()
	return ch
}

func (b *replyBox) unwatch(ch <-chan struct{}) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	for i, l := range b.listeners {
		if l == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *replyBox) notify() {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start listens for replies, loads recent ones for patients under
// treatment, and starts the expiry sweeper.
func (s *Channel) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("signal channel already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	done, err := s.remote.Listen(ctx, ReplyChannel, s.handleReply, func(err error) {
		s.log.Warn("dropped doctor reply", "error", err)
	})
	if err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	if err := s.LoadExisting(ctx); err != nil {
		s.log.Error(err, "failed to load existing doctor replies")
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-done:
			if ctx.Err() == nil {
				s.log.Warn("doctor reply stream ended")
			}
		case <-ctx.Done():
		}
	}()
	go s.sweeper(ctx)
	return nil
}

func (s *Channel) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Channel) sweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.replies.sweep(s.cfg.Now()); n > 0 {
				s.metrics.RepliesExpired.Add(float64(n))
			}
		}
	}
}

func (s *Channel) handleReply(msg messaging.Message) error {
	if msg.Type != ReplyEvent {
		return nil
	}
	var row model.ReplyRow
	if err := json.Unmarshal(msg.Payload, &row); err != nil {
		return fmt.Errorf("malformed reply payload: %w", err)
	}
	p, ok := s.cache.FindByName(row.PatientName)
	if !ok {
		s.log.Debug("reply for unknown patient", "patient", redact.Name(s.cfg.RedactKey, row.PatientName))
		return nil
	}
	now := s.cfg.Now()
	s.replies.put(toReply(p.ID, &row, now), now.Add(s.cfg.ReplyTTL))
	s.metrics.RepliesReceived.Inc()
	return nil
}

// LoadExisting seeds the box with the latest stored reply of every
// patient under treatment. A loaded reply expires TTL after it was sent.
func (s *Channel) LoadExisting(ctx context.Context) error {
	byName := make(map[string]int64)
	var names []string
	for _, p := range s.cache.All() {
		if !p.IsTreating() {
			continue
		}
		if _, dup := byName[p.Name]; !dup {
			byName[p.Name] = p.ID
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	rows, err := s.remote.QueryReplies(ctx, names)
	if err != nil {
		return err
	}
	now := s.cfg.Now()
	seen := make(map[int64]bool)
	for _, row := range rows {
		id, ok := byName[row.PatientName]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		expiresAt := row.CreatedAt.Add(s.cfg.ReplyTTL)
		if !now.Before(expiresAt) {
			continue
		}
		s.replies.put(toReply(id, row, row.CreatedAt), expiresAt)
	}
	return nil
}

func toReply(patientID int64, row *model.ReplyRow, at time.Time) model.DoctorReply {
	r := model.DoctorReply{
		PatientID:  patientID,
		ReplyText:  row.Reply,
		Kind:       model.ClassifyReply(row.Reply),
		ReceivedAt: at,
	}
	if row.Icon != nil {
		r.Icon = *row.Icon
	}
	return r
}

// Reply returns the live reply for a patient.
func (s *Channel) Reply(patientID int64) (model.DoctorReply, bool) {
	return s.replies.get(patientID, s.cfg.Now())
}

// Replies returns every live reply keyed by patient id.
func (s *Channel) Replies() map[int64]model.DoctorReply {
	return s.replies.all(s.cfg.Now())
}

// Watch returns a channel signalled after replies arrive or expire.
func (s *Channel) Watch() <-chan struct{} {
	return s.replies.watch()
}

func (s *Channel) Unwatch(ch <-chan struct{}) {
	s.replies.unwatch(ch)
}
