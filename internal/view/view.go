package view

import (
	"sort"

	"github.com/jwalitptl/chairqueue/internal/invariant"
	"github.com/jwalitptl/chairqueue/internal/model"
)

type Tab struct {
	Key        Key              `json:"key"`
	Title      string           `json:"title"`
	Count      int              `json:"count"`
	InOffice   bool             `json:"in_office,omitempty"`
	Operations []Operation      `json:"operations"`
	Patients   []*model.Patient `json:"patients"`
}

// View is one derived rendering of a snapshot.
type View struct {
	Tabs       []Tab `json:"tabs"`
	partitions map[Key][]*model.Patient
}

// Options narrows what Build renders.
type Options struct {
	// DoctorID, when set, keeps only that doctor's tab among doctor tabs.
	DoctorID *int64
}

// Build partitions patients and lays out the non-empty tabs: unassigned,
// doctors in the given order, staff, consulting, recovery. Doctors with
// patients but no doctor row follow the known doctors by id.
func Build(patients []*model.Patient, doctors []*model.Doctor, opts Options) *View {
	parts := make(map[Key][]*model.Patient)
	for _, p := range patients {
		if key, ok := Classify(p); ok {
			parts[key] = append(parts[key], p)
		}
	}
	for _, list := range parts {
		sortPartition(list)
	}

	v := &View{partitions: parts}
	v.add(Unassigned(), "Unassigned", false)

	known := make(map[int64]bool, len(doctors))
	for _, d := range doctors {
		known[d.ID] = true
		if opts.DoctorID != nil && *opts.DoctorID != d.ID {
			continue
		}
		v.add(Doctor(d.ID), d.Name, invariant.DoctorInOffice(patients, d.ID))
	}
	var orphans []int64
	for key := range parts {
		if key.Kind == KindDoctor && !known[key.DoctorID] {
			orphans = append(orphans, key.DoctorID)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, id := range orphans {
		if opts.DoctorID != nil && *opts.DoctorID != id {
			continue
		}
		v.add(Doctor(id), Doctor(id).String(), invariant.DoctorInOffice(patients, id))
	}

	v.add(Staff(), "Staff", false)
	v.add(Consulting(), "Consulting", false)
	v.add(Recovery(), "Recovery", false)
	return v
}

func (v *View) add(key Key, title string, inOffice bool) {
	list := v.partitions[key]
	if len(list) == 0 {
		return
	}
	v.Tabs = append(v.Tabs, Tab{
		Key:        key,
		Title:      title,
		Count:      len(list),
		InOffice:   inOffice && key.Kind == KindDoctor,
		Operations: key.Kind.Operations(),
		Patients:   list,
	})
}

// Partition returns the ordered members of key, shown or not.
func (v *View) Partition(key Key) []*model.Patient {
	return v.partitions[key]
}

// Tab returns the visible tab for key.
func (v *View) Tab(key Key) (Tab, bool) {
	for _, t := range v.Tabs {
		if t.Key == key {
			return t, true
		}
	}
	return Tab{}, false
}

func sortPartition(list []*model.Patient) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].DisplayOrder != list[j].DisplayOrder {
			return list[i].DisplayOrder < list[j].DisplayOrder
		}
		return list[i].ID < list[j].ID
	})
}

// Reorder moves the entry at from to index to and returns the dense
// 0..n-1 order of every member of the partition. ok is false when either
// index is out of range.
func Reorder(list []*model.Patient, from, to int) (map[int64]int, bool) {
	n := len(list)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, false
	}
	ids := make([]int64, 0, n)
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	moved := ids[from]
	ids = append(ids[:from], ids[from+1:]...)
	ids = append(ids[:to], append([]int64{moved}, ids[to:]...)...)

	orders := make(map[int64]int, n)
	for i, id := range ids {
		orders[id] = i
	}
	return orders, true
}
