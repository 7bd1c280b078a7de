package engine

import (
	"context"
	"fmt"

	"github.com/jwalitptl/chairqueue/internal/invariant"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/view"
)

// SetDoctorLocation marks doctor d as being with the patient, or, when
// the patient already holds d, clears d's location everywhere.
//
// Without an atomic backend the move is two writes, a bulk clear then a
// set; another client can briefly observe d at no patient in between.
// Moves for the same doctor never interleave their writes.
func (e *Engine) SetDoctorLocation(ctx context.Context, patientID, d int64) error {
	const op = "set_doctor_location"
	lock := e.doctorLock(d)
	lock.Lock()
	defer lock.Unlock()

	target, plan, undo, ok := e.planLocation(patientID, d)
	if !ok {
		return e.skip(op, patientID)
	}

	err := e.writeLocation(ctx, plan)
	if err != nil {
		e.fail(op, target, err)
		if e.cfg.RollbackOnFailure {
			e.revertLocations(undo, plan)
		}
		return fmt.Errorf("%s doctor %d patient %d: %w", op, d, patientID, err)
	}
	e.metrics.Mutations.WithLabelValues(op, "success").Inc()
	e.log.Debug("doctor location updated", "doctor_id", d, "patient_id", patientID, "plan", plan.Kind.String())
	return nil
}

func (e *Engine) planLocation(patientID, d int64) (*model.Patient, invariant.LocationPlan, map[int64]*int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	target, ok := e.cache.Get(patientID)
	if !ok || target.Status == model.PatientStatusCompleted {
		return nil, invariant.LocationPlan{}, nil, false
	}
	if key, ok := view.Classify(target); !ok || key != view.Doctor(d) {
		return nil, invariant.LocationPlan{}, nil, false
	}
	plan := invariant.PlanLocation(target, d)
	return target, plan, e.applyLocations(plan.Apply(e.cache.All())), true
}

func (e *Engine) writeLocation(ctx context.Context, plan invariant.LocationPlan) error {
	clearAll := model.Patch{model.ColCurrentDoctorLocation: nil}
	if plan.Kind == invariant.PlanToggleOff {
		return e.remote.UpdatePatientsByDoctor(ctx, plan.DoctorID, clearAll)
	}
	if e.cfg.AtomicWrites && e.remote.CanSetDoctorLocation() {
		return e.remote.SetDoctorLocation(ctx, plan.DoctorID, plan.PatientID)
	}
	if err := e.remote.UpdatePatientsByDoctor(ctx, plan.DoctorID, clearAll); err != nil {
		return err
	}
	return e.remote.UpdatePatient(ctx, plan.PatientID, model.Patch{model.ColCurrentDoctorLocation: plan.DoctorID})
}

// ClearDoctorLocation marks doctor d as back in the office.
func (e *Engine) ClearDoctorLocation(ctx context.Context, d int64) error {
	const op = "clear_doctor_location"
	lock := e.doctorLock(d)
	lock.Lock()
	defer lock.Unlock()

	plan := invariant.LocationPlan{Kind: invariant.PlanToggleOff, DoctorID: d}
	e.mu.Lock()
	undo := e.applyLocations(plan.Apply(e.cache.All()))
	e.mu.Unlock()

	if err := e.writeLocation(ctx, plan); err != nil {
		e.fail(op, nil, err)
		if e.cfg.RollbackOnFailure {
			e.revertLocations(undo, plan)
		}
		return fmt.Errorf("%s doctor %d: %w", op, d, err)
	}
	e.metrics.Mutations.WithLabelValues(op, "success").Inc()
	return nil
}

// applyLocations patches the cache and returns the previous locations.
// The caller holds e.mu.
func (e *Engine) applyLocations(changes map[int64]*int64) map[int64]*int64 {
	undo := make(map[int64]*int64, len(changes))
	for id, loc := range changes {
		p, ok := e.cache.Get(id)
		if !ok {
			continue
		}
		undo[id] = p.CurrentDoctorLocation
		e.cache.ApplyPatch(id, model.Patch{model.ColCurrentDoctorLocation: loc})
	}
	return undo
}

func (e *Engine) revertLocations(undo map[int64]*int64, plan invariant.LocationPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, prev := range undo {
		p, ok := e.cache.Get(id)
		if !ok {
			continue
		}
		var wrote *int64
		if plan.Kind == invariant.PlanMove && id == plan.PatientID {
			wrote = model.Int64(plan.DoctorID)
		}
		if !p.Holds(model.Patch{model.ColCurrentDoctorLocation: wrote}) {
			continue
		}
		e.cache.ApplyPatch(id, model.Patch{model.ColCurrentDoctorLocation: prev})
		e.metrics.Rollbacks.Inc()
	}
}
