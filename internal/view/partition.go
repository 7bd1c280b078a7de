// Package view derives the mutually exclusive, ordered partitions (tabs)
// the queue displays from a cache snapshot.
package view

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jwalitptl/chairqueue/internal/model"
)

type Kind string

const (
	KindUnassigned Kind = "unassigned"
	KindDoctor     Kind = "doctor"
	KindStaff      Kind = "staff"
	KindConsulting Kind = "consulting"
	KindRecovery   Kind = "recovery"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindUnassigned, KindDoctor, KindStaff, KindConsulting, KindRecovery:
		return k, nil
	}
	return "", fmt.Errorf("unknown partition kind %q", s)
}

// Key identifies one partition. DoctorID is set only for KindDoctor.
type Key struct {
	Kind     Kind  `json:"kind"`
	DoctorID int64 `json:"doctor_id,omitempty"`
}

func Unassigned() Key     { return Key{Kind: KindUnassigned} }
func Doctor(id int64) Key { return Key{Kind: KindDoctor, DoctorID: id} }
func Staff() Key          { return Key{Kind: KindStaff} }
func Consulting() Key     { return Key{Kind: KindConsulting} }
func Recovery() Key       { return Key{Kind: KindRecovery} }

func (k Key) String() string {
	if k.Kind == KindDoctor {
		return string(k.Kind) + ":" + strconv.FormatInt(k.DoctorID, 10)
	}
	return string(k.Kind)
}

// Classify returns the single partition an active patient belongs to.
// Overlay modes win over assignment: recovery, then consulting, then
// staff, then unassigned, then the doctor queue.
func Classify(p *model.Patient) (Key, bool) {
	switch {
	case !p.IsActive():
		return Key{}, false
	case p.IsRecoveryRoom:
		return Recovery(), true
	case p.IsConsultingMode:
		return Consulting(), true
	case p.InStaffOverlay():
		return Staff(), true
	case p.DoctorID == nil:
		return Unassigned(), true
	}
	return Doctor(*p.DoctorID), true
}

// Operation names a card action.
type Operation string

const (
	OpStart         Operation = "start"
	OpComplete      Operation = "complete"
	OpWaiting       Operation = "waiting"
	OpStaff         Operation = "staff"
	OpUnstaff       Operation = "unstaff"
	OpRecovery      Operation = "recovery"
	OpUnrecovery    Operation = "unrecovery"
	OpConsult       Operation = "consult"
	OpConsultStart  Operation = "consult-start"
	OpConsultCancel Operation = "consult-cancel"
	OpChair         Operation = "chair"
	OpLocation      Operation = "location"
	OpCall          Operation = "call"
	OpReorder       Operation = "reorder"
)

var allowed = map[Kind]map[Operation]bool{
	KindDoctor: set(OpLocation, OpCall, OpStaff, OpUnstaff, OpRecovery, OpConsult,
		OpComplete, OpChair, OpReorder, OpStart, OpWaiting),
	KindUnassigned: set(OpChair, OpStart, OpReorder),
	KindStaff:      set(OpUnstaff, OpComplete, OpChair, OpRecovery, OpReorder),
	KindConsulting: set(OpConsultStart, OpConsultCancel, OpComplete, OpReorder),
	KindRecovery:   set(OpUnrecovery, OpReorder),
}

func set(ops ...Operation) map[Operation]bool {
	m := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return m
}

// Allows reports whether cards of kind k offer op.
func (k Kind) Allows(op Operation) bool {
	return allowed[k][op]
}

// Operations lists the actions offered on cards of kind k.
func (k Kind) Operations() []Operation {
	var out []Operation
	for _, op := range []Operation{
		OpStart, OpWaiting, OpComplete, OpStaff, OpUnstaff, OpRecovery, OpUnrecovery,
		OpConsult, OpConsultStart, OpConsultCancel, OpChair, OpLocation, OpCall, OpReorder,
	} {
		if k.Allows(op) {
			out = append(out, op)
		}
	}
	return out
}
