// Package cache holds the local snapshot of active patients and doctors.
// It performs no invariant validation; callers check before patching.
package cache

import (
	"sort"
	"sync"

	"github.com/jwalitptl/chairqueue/internal/model"
)

type Cache struct {
	mu       sync.RWMutex
	patients map[int64]*model.Patient
	doctors  []*model.Doctor
	version  uint64

	lmu       sync.Mutex
	listeners []chan struct{}
}

func New() *Cache {
	return &Cache{patients: make(map[int64]*model.Patient)}
}

// ReplaceAll overwrites the whole snapshot. Completed rows are skipped.
func (c *Cache) ReplaceAll(patients []*model.Patient, doctors []*model.Doctor) {
	next := make(map[int64]*model.Patient, len(patients))
	for _, p := range patients {
		if p == nil || !p.IsActive() {
			continue
		}
		next[p.ID] = p.Clone()
	}
	docs := make([]*model.Doctor, 0, len(doctors))
	for _, d := range doctors {
		cp := *d
		docs = append(docs, &cp)
	}

	c.mu.Lock()
	c.patients = next
	c.doctors = docs
	c.version++
	c.mu.Unlock()
	c.signal()
}

// ApplyPatch overwrites the named fields of one record. It returns false
// when id is not cached. A patch that completes the patient removes it.
func (c *Cache) ApplyPatch(id int64, patch model.Patch) bool {
	c.mu.Lock()
	p, ok := c.patients[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	patch.Apply(p)
	if !p.IsActive() {
		delete(c.patients, id)
	}
	c.version++
	c.mu.Unlock()
	c.signal()
	return true
}

// Restore reinserts a record a local patch removed. It does nothing if
// the record is present again or is not active.
func (c *Cache) Restore(p *model.Patient) {
	if p == nil || !p.IsActive() {
		return
	}
	c.mu.Lock()
	if _, ok := c.patients[p.ID]; ok {
		c.mu.Unlock()
		return
	}
	c.patients[p.ID] = p.Clone()
	c.version++
	c.mu.Unlock()
	c.signal()
}

// Get returns a copy of the cached record.
func (c *Cache) Get(id int64) (*model.Patient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.patients[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// All returns copies of every cached record ordered by displayOrder, id.
func (c *Cache) All() []*model.Patient {
	c.mu.RLock()
	out := make([]*model.Patient, 0, len(c.patients))
	for _, p := range c.patients {
		out = append(out, p.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Doctors() []*model.Doctor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Doctor, len(c.doctors))
	for i, d := range c.doctors {
		cp := *d
		out[i] = &cp
	}
	return out
}

// Doctor looks a doctor up by id.
func (c *Cache) Doctor(id int64) (*model.Doctor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.doctors {
		if d.ID == id {
			cp := *d
			return &cp, true
		}
	}
	return nil, false
}

// FindByName returns the first cached patient with name, by display order.
func (c *Cache) FindByName(name string) (*model.Patient, bool) {
	for _, p := range c.All() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patients)
}

// Version increases on every change.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Changes returns a channel that receives a value after each change.
// Signals coalesce: a slow reader sees one pending value, not a backlog.
func (c *Cache) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.lmu.Lock()
	c.listeners = append(c.listeners, ch)
	c.lmu.Unlock()
	return ch
}

// Unwatch stops signalling ch.
func (c *Cache) Unwatch(ch <-chan struct{}) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for i, l := range c.listeners {
		if l == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Cache) signal() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
