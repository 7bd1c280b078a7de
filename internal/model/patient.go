package model

import (
	"time"
)

type PatientStatus string

// Wire values are shared with the intake desk, hence "treatmenting".
const (
	PatientStatusWaiting   PatientStatus = "waiting"
	PatientStatusTreating  PatientStatus = "treatmenting"
	PatientStatusCompleted PatientStatus = "completed"
)

// ActiveStatuses are the statuses the queue fetches and displays.
var ActiveStatuses = []PatientStatus{PatientStatusWaiting, PatientStatusTreating}

func (s PatientStatus) Valid() bool {
	switch s {
	case PatientStatusWaiting, PatientStatusTreating, PatientStatusCompleted:
		return true
	}
	return false
}

// Patient is one person moving through the chair workflow.
type Patient struct {
	ID           int64         `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	IsVIP        bool          `db:"is_vip" json:"is_vip"`
	IsNewPatient bool          `db:"is_new_patient" json:"is_new_patient"`
	Status       PatientStatus `db:"status" json:"status"`
	DoctorID     *int64        `db:"doctor_id" json:"doctor_id"`
	ChairNumber  *int          `db:"chair_number" json:"chair_number"`
	DisplayOrder int           `db:"display_order" json:"display_order"`

	IsStaffMode      bool `db:"is_staff_mode" json:"is_staff_mode"`
	IsConsultingMode bool `db:"is_consulting_mode" json:"is_consulting_mode"`
	IsRecoveryRoom   bool `db:"is_recovery_room" json:"is_recovery_room"`

	// CurrentDoctorLocation is set only while the assigned doctor is
	// physically with this patient.
	CurrentDoctorLocation     *int64     `db:"current_doctor_location" json:"current_doctor_location"`
	ConsultingStartTime       *time.Time `db:"consulting_start_time" json:"consulting_start_time"`
	ConsultingActualStartTime *time.Time `db:"consulting_actual_start_time" json:"consulting_actual_start_time"`

	ReservationTime *string   `db:"reservation_time" json:"reservation_time"`
	RequestDetail   *string   `db:"request_detail" json:"request_detail"`
	StaffNotes      *string   `db:"staff_notes" json:"staff_notes"`
	NoteEmphasized  bool      `db:"note_emphasized" json:"note_emphasized"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

func (p *Patient) IsActive() bool {
	return p.Status == PatientStatusWaiting || p.Status == PatientStatusTreating
}

func (p *Patient) IsTreating() bool {
	return p.Status == PatientStatusTreating
}

// InStaffOverlay reports whether staff mode is in effect; the flag only
// counts while the patient is being treated.
func (p *Patient) InStaffOverlay() bool {
	return p.IsStaffMode && p.Status == PatientStatusTreating
}

// AwaitingConsult is the first consulting phase: queued, not yet started.
func (p *Patient) AwaitingConsult() bool {
	return p.IsConsultingMode && p.ConsultingActualStartTime == nil
}

// AssignedTo reports whether the patient's doctorId is d.
func (p *Patient) AssignedTo(d int64) bool {
	return p.DoctorID != nil && *p.DoctorID == d
}

// DoctorHere reports whether the patient's own doctor is with them.
func (p *Patient) DoctorHere() bool {
	return p.CurrentDoctorLocation != nil && p.DoctorID != nil && *p.CurrentDoctorLocation == *p.DoctorID
}

// Clone returns a deep copy so cached records are never aliased.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	c.DoctorID = cloneInt64(p.DoctorID)
	c.ChairNumber = cloneInt(p.ChairNumber)
	c.CurrentDoctorLocation = cloneInt64(p.CurrentDoctorLocation)
	c.ConsultingStartTime = cloneTime(p.ConsultingStartTime)
	c.ConsultingActualStartTime = cloneTime(p.ConsultingActualStartTime)
	c.ReservationTime = cloneString(p.ReservationTime)
	c.RequestDetail = cloneString(p.RequestDetail)
	c.StaffNotes = cloneString(p.StaffNotes)
	return &c
}

// PatientFilter selects rows for a snapshot query.
type PatientFilter struct {
	Statuses []PatientStatus
}

// Doctor is read-mostly reference data.
type Doctor struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Table names in the remote store.
type Table string

const (
	TablePatients      Table = "patients"
	TableDoctors       Table = "doctors"
	TableDoctorReplies Table = "doctor_replies"
)

func Int64(v int64) *int64 { return &v }

func Int(v int) *int { return &v }

func String(v string) *string { return &v }

func Time(v time.Time) *time.Time { return &v }

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
