// Package invariant holds the cross-record rules of the patient queue:
// the doctor-location pointer and the snapshot audit.
package invariant

import (
	"fmt"
	"sort"

	"github.com/jwalitptl/chairqueue/internal/model"
)

// Invariant identifiers, as reported in Violation and metrics labels.
const (
	LocationMatchesDoctor = "location_matches_doctor"
	SingleLocation        = "single_location"
	RecoveryCleared       = "recovery_cleared"
	ConsultOrdered        = "consult_ordered"
	CompletedCleared      = "completed_cleared"
)

type Violation struct {
	Invariant string `json:"invariant"`
	PatientID int64  `json:"patient_id,omitempty"`
	DoctorID  int64  `json:"doctor_id,omitempty"`
	Detail    string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Invariant, v.Detail)
}

// Audit reports every broken rule in a snapshot. It never repairs.
func Audit(patients []*model.Patient) []Violation {
	var out []Violation
	holders := make(map[int64][]int64)

	for _, p := range patients {
		if p.CurrentDoctorLocation != nil {
			loc := *p.CurrentDoctorLocation
			if p.DoctorID == nil || *p.DoctorID != loc {
				out = append(out, Violation{
					Invariant: LocationMatchesDoctor,
					PatientID: p.ID,
					DoctorID:  loc,
					Detail:    fmt.Sprintf("patient %d holds location of doctor %d but is not assigned to them", p.ID, loc),
				})
			}
			if p.IsActive() && !p.IsConsultingMode {
				holders[loc] = append(holders[loc], p.ID)
			}
		}

		if p.IsRecoveryRoom && (p.ChairNumber != nil || p.DoctorID != nil || p.CurrentDoctorLocation != nil || p.IsStaffMode) {
			out = append(out, Violation{
				Invariant: RecoveryCleared,
				PatientID: p.ID,
				Detail:    fmt.Sprintf("patient %d is in recovery with chair, doctor, location or staff mode set", p.ID),
			})
		}

		if p.ConsultingActualStartTime != nil &&
			(p.ConsultingStartTime == nil || p.ConsultingActualStartTime.Before(*p.ConsultingStartTime)) {
			out = append(out, Violation{
				Invariant: ConsultOrdered,
				PatientID: p.ID,
				Detail:    fmt.Sprintf("patient %d started consulting before being queued for it", p.ID),
			})
		}

		if p.Status == model.PatientStatusCompleted && (p.CurrentDoctorLocation != nil || p.IsStaffMode) {
			out = append(out, Violation{
				Invariant: CompletedCleared,
				PatientID: p.ID,
				Detail:    fmt.Sprintf("completed patient %d still has a location or staff mode", p.ID),
			})
		}
	}

	doctors := make([]int64, 0, len(holders))
	for d := range holders {
		doctors = append(doctors, d)
	}
	sort.Slice(doctors, func(i, j int) bool { return doctors[i] < doctors[j] })
	for _, d := range doctors {
		if ids := holders[d]; len(ids) > 1 {
			out = append(out, Violation{
				Invariant: SingleLocation,
				DoctorID:  d,
				Detail:    fmt.Sprintf("doctor %d is located at %d patients %v", d, len(ids), ids),
			})
		}
	}
	return out
}

// LocationHolders lists active patients pointing at doctor d.
func LocationHolders(patients []*model.Patient, d int64) []int64 {
	var ids []int64
	for _, p := range patients {
		if p.IsActive() && p.CurrentDoctorLocation != nil && *p.CurrentDoctorLocation == d {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// DoctorInOffice reports whether d has at least one active, non-consulting
// patient and is located at none of them.
func DoctorInOffice(patients []*model.Patient, d int64) bool {
	found := false
	for _, p := range patients {
		if !p.IsActive() || p.IsConsultingMode || !p.AssignedTo(d) {
			continue
		}
		if p.CurrentDoctorLocation != nil {
			return false
		}
		found = true
	}
	return found
}

// PlanKind is the write shape for a location change.
type PlanKind int

const (
	// PlanToggleOff clears the location on every patient of the doctor.
	PlanToggleOff PlanKind = iota
	// PlanMove clears the doctor's other patients, then sets the target.
	PlanMove
)

func (k PlanKind) String() string {
	if k == PlanToggleOff {
		return "toggle_off"
	}
	return "move"
}

// LocationPlan is the outcome of SetDoctorLocation for one target.
type LocationPlan struct {
	Kind      PlanKind
	DoctorID  int64
	PatientID int64
}

// PlanLocation decides between toggling the pointer off and moving it.
func PlanLocation(target *model.Patient, d int64) LocationPlan {
	plan := LocationPlan{Kind: PlanMove, DoctorID: d, PatientID: target.ID}
	if target.CurrentDoctorLocation != nil && *target.CurrentDoctorLocation == d {
		plan.Kind = PlanToggleOff
	}
	return plan
}

// Apply returns the new location of every patient of the doctor whose
// location the plan changes. Patients of other doctors are untouched.
func (plan LocationPlan) Apply(patients []*model.Patient) map[int64]*int64 {
	out := make(map[int64]*int64)
	for _, p := range patients {
		if !p.AssignedTo(plan.DoctorID) {
			continue
		}
		var want *int64
		if plan.Kind == PlanMove && p.ID == plan.PatientID {
			want = model.Int64(plan.DoctorID)
		}
		if !sameLocation(p.CurrentDoctorLocation, want) {
			out[p.ID] = want
		}
	}
	return out
}

func sameLocation(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
