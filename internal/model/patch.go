package model

import (
	"fmt"
	"sort"
	"time"
)

// Column names a writable patients column.
type Column string

const (
	ColStatus                    Column = "status"
	ColDoctorID                  Column = "doctor_id"
	ColChairNumber               Column = "chair_number"
	ColDisplayOrder              Column = "display_order"
	ColIsStaffMode               Column = "is_staff_mode"
	ColIsConsultingMode          Column = "is_consulting_mode"
	ColIsRecoveryRoom            Column = "is_recovery_room"
	ColCurrentDoctorLocation     Column = "current_doctor_location"
	ColConsultingStartTime       Column = "consulting_start_time"
	ColConsultingActualStartTime Column = "consulting_actual_start_time"
)

var writable = map[Column]struct{}{
	ColStatus: {}, ColDoctorID: {}, ColChairNumber: {}, ColDisplayOrder: {},
	ColIsStaffMode: {}, ColIsConsultingMode: {}, ColIsRecoveryRoom: {},
	ColCurrentDoctorLocation: {}, ColConsultingStartTime: {}, ColConsultingActualStartTime: {},
}

func (c Column) Valid() bool {
	_, ok := writable[c]
	return ok
}

// Patch is the full field set of one transition. A nil value writes NULL.
type Patch map[Column]interface{}

// Columns returns the patch columns in a stable order.
func (p Patch) Columns() []Column {
	cols := make([]Column, 0, len(p))
	for c := range p {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })
	return cols
}

// Validate rejects unknown columns and values of the wrong type.
func (p Patch) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty patch")
	}
	var scratch Patient
	for _, c := range p.Columns() {
		if !c.Valid() {
			return fmt.Errorf("column %q is not writable", c)
		}
		if err := scratch.set(c, p[c]); err != nil {
			return err
		}
	}
	return nil
}

// Value returns the column value in the driver-friendly form used for
// remote writes: typed nil pointers become untyped nil.
func (p Patch) Value(c Column) interface{} {
	var scratch Patient
	if err := scratch.set(c, p[c]); err != nil {
		return p[c]
	}
	return scratch.get(c)
}

// Apply overwrites the named fields of pt. Unknown columns are ignored;
// call Validate first when the patch comes from outside the engine.
func (p Patch) Apply(pt *Patient) {
	for c, v := range p {
		_ = pt.set(c, v)
	}
}

// Capture returns the current values of cols as a patch, used to undo one.
func (pt *Patient) Capture(cols []Column) Patch {
	out := make(Patch, len(cols))
	for _, c := range cols {
		out[c] = pt.get(c)
	}
	return out
}

// Holds reports whether every column of p currently has p's value on pt.
func (pt *Patient) Holds(p Patch) bool {
	var want Patient
	for c, v := range p {
		if err := want.set(c, v); err != nil {
			return false
		}
		if !equalValue(pt.get(c), want.get(c)) {
			return false
		}
	}
	return true
}

func (pt *Patient) get(c Column) interface{} {
	switch c {
	case ColStatus:
		return pt.Status
	case ColDoctorID:
		return derefInt64(pt.DoctorID)
	case ColChairNumber:
		return derefInt(pt.ChairNumber)
	case ColDisplayOrder:
		return pt.DisplayOrder
	case ColIsStaffMode:
		return pt.IsStaffMode
	case ColIsConsultingMode:
		return pt.IsConsultingMode
	case ColIsRecoveryRoom:
		return pt.IsRecoveryRoom
	case ColCurrentDoctorLocation:
		return derefInt64(pt.CurrentDoctorLocation)
	case ColConsultingStartTime:
		return derefTime(pt.ConsultingStartTime)
	case ColConsultingActualStartTime:
		return derefTime(pt.ConsultingActualStartTime)
	}
	return nil
}

func (pt *Patient) set(c Column, v interface{}) error {
	var err error
	switch c {
	case ColStatus:
		var s PatientStatus
		switch x := v.(type) {
		case PatientStatus:
			s = x
		case string:
			s = PatientStatus(x)
		default:
			return typeErr(c, v)
		}
		if !s.Valid() {
			return fmt.Errorf("invalid status %q", s)
		}
		pt.Status = s
	case ColDoctorID:
		pt.DoctorID, err = asInt64Ptr(c, v)
	case ColCurrentDoctorLocation:
		pt.CurrentDoctorLocation, err = asInt64Ptr(c, v)
	case ColChairNumber:
		var n *int64
		n, err = asInt64Ptr(c, v)
		if err == nil {
			if n == nil {
				pt.ChairNumber = nil
			} else {
				pt.ChairNumber = Int(int(*n))
			}
		}
	case ColDisplayOrder:
		var n *int64
		n, err = asInt64Ptr(c, v)
		if err == nil && n == nil {
			err = fmt.Errorf("%s cannot be null", c)
		}
		if err == nil {
			pt.DisplayOrder = int(*n)
		}
	case ColIsStaffMode:
		pt.IsStaffMode, err = asBool(c, v)
	case ColIsConsultingMode:
		pt.IsConsultingMode, err = asBool(c, v)
	case ColIsRecoveryRoom:
		pt.IsRecoveryRoom, err = asBool(c, v)
	case ColConsultingStartTime:
		pt.ConsultingStartTime, err = asTimePtr(c, v)
	case ColConsultingActualStartTime:
		pt.ConsultingActualStartTime, err = asTimePtr(c, v)
	default:
		return fmt.Errorf("column %q is not writable", c)
	}
	return err
}

func asInt64Ptr(c Column, v interface{}) (*int64, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return Int64(x), nil
	case int:
		return Int64(int64(x)), nil
	case *int64:
		return cloneInt64(x), nil
	case *int:
		if x == nil {
			return nil, nil
		}
		return Int64(int64(*x)), nil
	}
	return nil, typeErr(c, v)
}

func asBool(c Column, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, typeErr(c, v)
	}
	return b, nil
}

func asTimePtr(c Column, v interface{}) (*time.Time, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return Time(x), nil
	case *time.Time:
		return cloneTime(x), nil
	}
	return nil, typeErr(c, v)
}

func typeErr(c Column, v interface{}) error {
	return fmt.Errorf("column %s: unexpected value type %T", c, v)
}

func derefInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func derefInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func derefTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func equalValue(a, b interface{}) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	return a == b
}
