// Package memory is an in-process row store backend. It implements only
// the base Backend contract, so callers exercise the multi-step write
// paths against it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
)

// Op names a store operation for fault injection and the write log.
type Op string

const (
	OpListPatients   Op = "list_patients"
	OpListDoctors    Op = "list_doctors"
	OpListReplies    Op = "list_replies"
	OpUpdate         Op = "update"
	OpUpdateByDoctor Op = "update_by_doctor"
)

// Write records one committed update, in commit order.
type Write struct {
	Op       Op
	ID       int64
	DoctorID int64
	Patch    model.Patch
}

// Store keeps rows in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	patients map[int64]*model.Patient
	doctors  []*model.Doctor
	replies  []*model.ReplyRow
	writes   []Write
	failures map[Op]error
	subs     map[model.Table]map[*repository.Sub]func()
	listCall int

	// ListHook, when set, runs after a patient snapshot is taken and
	// before it is returned. call counts from 1.
	ListHook func(ctx context.Context, call int)
}

func NewStore() *Store {
	return &Store{
		patients: make(map[int64]*model.Patient),
		failures: make(map[Op]error),
		subs:     make(map[model.Table]map[*repository.Sub]func()),
	}
}

var _ repository.Backend = (*Store)(nil)

func (s *Store) Patients() repository.PatientRepository { return patientRepo{s} }
func (s *Store) Doctors() repository.DoctorRepository   { return doctorRepo{s} }
func (s *Store) Replies() repository.ReplyRepository    { return replyRepo{s} }
func (s *Store) Feed() repository.ChangeFeed            { return feed{s} }

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[OpListPatients]
}

func (s *Store) Close() error {
	s.mu.Lock()
	var subs []*repository.Sub
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Put inserts or replaces a patient row, as another client would, and
// notifies patients subscribers.
func (s *Store) Put(patients ...*model.Patient) {
	s.mu.Lock()
	for _, p := range patients {
		s.patients[p.ID] = p.Clone()
	}
	s.mu.Unlock()
	s.Notify(model.TablePatients)
}

func (s *Store) PutDoctors(doctors ...*model.Doctor) {
	s.mu.Lock()
	for _, d := range doctors {
		c := *d
		s.doctors = append(s.doctors, &c)
	}
	sort.Slice(s.doctors, func(i, j int) bool { return s.doctors[i].ID < s.doctors[j].ID })
	s.mu.Unlock()
	s.Notify(model.TableDoctors)
}

func (s *Store) PutReplies(rows ...*model.ReplyRow) {
	s.mu.Lock()
	for _, r := range rows {
		c := *r
		s.replies = append(s.replies, &c)
	}
	s.mu.Unlock()
	s.Notify(model.TableDoctorReplies)
}

// Get returns a copy of the stored row, or nil.
func (s *Store) Get(id int64) *model.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patients[id].Clone()
}

// Fail makes op return err until cleared with Fail(op, nil).
func (s *Store) Fail(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Writes returns the committed write log.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Store) ResetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Notify fires every subscriber of table.
func (s *Store) Notify(table model.Table) {
	s.mu.Lock()
	var callbacks []func()
	for _, cb := range s.subs[table] {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// DropSubscriptions ends every subscription on table with err, simulating
// a lost realtime connection.
func (s *Store) DropSubscriptions(table model.Table, err error) {
	s.mu.Lock()
	var subs []*repository.Sub
	for sub := range s.subs[table] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Fail(err)
	}
}

// Subscribers counts live subscriptions on table.
func (s *Store) Subscribers(table model.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[table])
}

type patientRepo struct{ s *Store }

func (r patientRepo) List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, error) {
	s := r.s
	s.mu.Lock()
	if err := s.failures[OpListPatients]; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.listCall++
	call := s.listCall
	want := make(map[model.PatientStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		want[st] = true
	}
	var out []*model.Patient
	for _, p := range s.patients {
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		out = append(out, p.Clone())
	}
	hook := s.ListHook
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	if hook != nil {
		hook(ctx, call)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return out, nil
}

func (r patientRepo) Update(_ context.Context, id int64, patch model.Patch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrRejected, err)
	}
	s := r.s
	s.mu.Lock()
	if err := s.failures[OpUpdate]; err != nil {
		s.mu.Unlock()
		return err
	}
	p, ok := s.patients[id]
	if !ok {
		s.mu.Unlock()
		return repository.ErrNoRows
	}
	patch.Apply(p)
	s.writes = append(s.writes, Write{Op: OpUpdate, ID: id, Patch: patch})
	s.mu.Unlock()
	s.Notify(model.TablePatients)
	return nil
}

func (r patientRepo) UpdateByDoctor(_ context.Context, doctorID int64, patch model.Patch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrRejected, err)
	}
	s := r.s
	s.mu.Lock()
	if err := s.failures[OpUpdateByDoctor]; err != nil {
		s.mu.Unlock()
		return err
	}
	for _, p := range s.patients {
		if p.AssignedTo(doctorID) {
			patch.Apply(p)
		}
	}
	s.writes = append(s.writes, Write{Op: OpUpdateByDoctor, DoctorID: doctorID, Patch: patch})
	s.mu.Unlock()
	s.Notify(model.TablePatients)
	return nil
}

type doctorRepo struct{ s *Store }

func (r doctorRepo) List(context.Context) ([]*model.Doctor, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpListDoctors]; err != nil {
		return nil, err
	}
	out := make([]*model.Doctor, 0, len(s.doctors))
	for _, d := range s.doctors {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

type replyRepo struct{ s *Store }

func (r replyRepo) ListLatest(_ context.Context, names []string) ([]*model.ReplyRow, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpListReplies]; err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*model.ReplyRow
	for _, row := range s.replies {
		if want[row.PatientName] {
			c := *row
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type feed struct{ s *Store }

func (f feed) Subscribe(_ context.Context, table model.Table, onChange func()) (repository.Subscription, error) {
	s := f.s
	var sub *repository.Sub
	sub = repository.NewSub(func() {
		s.mu.Lock()
		delete(s.subs[table], sub)
		s.mu.Unlock()
	})
	s.mu.Lock()
	if s.subs[table] == nil {
		s.subs[table] = make(map[*repository.Sub]func())
	}
	s.subs[table][sub] = onChange
	s.mu.Unlock()
	return sub, nil
}
