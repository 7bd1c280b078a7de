// Package engine applies local operator actions: it checks preconditions
// against the cache, patches the cache at once, then writes the same
// field set through to the remote store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/model"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/logger"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
	"github.com/jwalitptl/chairqueue/pkg/redact"
)

// Remote is the write surface the engine needs from the remote adapter.
type Remote interface {
	UpdatePatient(ctx context.Context, id int64, patch model.Patch) error
	UpdatePatientsByDoctor(ctx context.Context, doctorID int64, patch model.Patch) error
	CanSetDoctorLocation() bool
	SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error
	CanWriteOrders() bool
	WriteOrders(ctx context.Context, orders map[int64]int) error
}

type Config struct {
	// RollbackOnFailure reverts an optimistic patch when its write fails
	// and nothing has overwritten it since.
	RollbackOnFailure bool
	// AtomicWrites uses single-statement location moves and transactional
	// reorders when the backend offers them.
	AtomicWrites bool
	// RedactKey keys the pseudonyms used for patient names in logs.
	RedactKey []byte
	Now       func() time.Time
}

type Engine struct {
	cache   *cache.Cache
	remote  Remote
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger

	// mu is held from each cache read until the derived patch is applied.
	mu sync.Mutex

	// Location moves for one doctor run one at a time, writes included.
	locMu   sync.Mutex
	doctors map[int64]*sync.Mutex
}

func New(c *cache.Cache, r Remote, cfg Config, m *metrics.Metrics, log *logger.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if m == nil {
		m = metrics.New("chairqueue")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cache:   c,
		remote:  r,
		cfg:     cfg,
		metrics: m,
		log:     log.Component("engine"),
		doctors: make(map[int64]*sync.Mutex),
	}
}

func (e *Engine) doctorLock(d int64) *sync.Mutex {
	e.locMu.Lock()
	defer e.locMu.Unlock()
	l, ok := e.doctors[d]
	if !ok {
		l = &sync.Mutex{}
		e.doctors[d] = l
	}
	return l
}

// transition computes the patch for p, or ok=false when the operation
// does not apply to p's current state.
type transition func(p *model.Patient) (patch model.Patch, ok bool)

func (e *Engine) mutate(ctx context.Context, op string, id int64, tr transition) error {
	before, patch, undo, ok := e.prepare(id, tr)
	if !ok {
		return e.skip(op, id)
	}

	if err := e.remote.UpdatePatient(ctx, id, patch); err != nil {
		e.fail(op, before, err)
		if e.cfg.RollbackOnFailure {
			e.revert(before, patch, undo)
		}
		return fmt.Errorf("%s patient %d: %w", op, id, err)
	}
	e.metrics.Mutations.WithLabelValues(op, "success").Inc()
	return nil
}

// prepare checks tr against the cached record and applies its patch.
func (e *Engine) prepare(id int64, tr transition) (before *model.Patient, patch, undo model.Patch, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	before, ok = e.cache.Get(id)
	if !ok {
		return nil, nil, nil, false
	}
	if patch, ok = tr(before); !ok {
		return nil, nil, nil, false
	}
	undo = before.Capture(patch.Columns())
	e.cache.ApplyPatch(id, patch)
	return before, patch, undo, true
}

// skip records a precondition miss. It is not an error for the caller.
func (e *Engine) skip(op string, id int64) error {
	e.metrics.Mutations.WithLabelValues(op, "skipped").Inc()
	e.log.Debug(apperrors.NewPreconditionNotMet(op).Error(), "patient_id", id)
	return nil
}

func (e *Engine) fail(op string, p *model.Patient, err error) {
	e.metrics.Mutations.WithLabelValues(op, "error").Inc()
	fields := []interface{}{"operation", op}
	if p != nil {
		fields = append(fields, "patient_id", p.ID, "patient", redact.Name(e.cfg.RedactKey, p.Name))
	}
	e.log.Error(err, "remote write failed", fields...)
}

// revert puts back undo on the record if it still holds patch.
func (e *Engine) revert(before *model.Patient, patch, undo model.Patch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.cache.Get(before.ID)
	switch {
	case !ok:
		if status, _ := patch[model.ColStatus].(model.PatientStatus); status == model.PatientStatusCompleted {
			e.cache.Restore(before)
		} else {
			return
		}
	case current.Holds(patch):
		e.cache.ApplyPatch(before.ID, undo)
	default:
		return
	}
	e.metrics.Rollbacks.Inc()
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

func (e *Engine) StartTreatment(ctx context.Context, id int64) error {
	return e.mutate(ctx, "start_treatment", id, func(p *model.Patient) (model.Patch, bool) {
		if p.Status != model.PatientStatusWaiting {
			return nil, false
		}
		return model.Patch{model.ColStatus: model.PatientStatusTreating}, true
	})
}

func (e *Engine) Complete(ctx context.Context, id int64) error {
	return e.mutate(ctx, "complete", id, func(p *model.Patient) (model.Patch, bool) {
		if p.Status == model.PatientStatusCompleted {
			return nil, false
		}
		return model.Patch{
			model.ColStatus:                model.PatientStatusCompleted,
			model.ColCurrentDoctorLocation: nil,
			model.ColIsStaffMode:           false,
		}, true
	})
}

// ReturnToWaiting sends a patient under treatment back to the queue.
func (e *Engine) ReturnToWaiting(ctx context.Context, id int64) error {
	return e.mutate(ctx, "return_to_waiting", id, func(p *model.Patient) (model.Patch, bool) {
		if p.Status != model.PatientStatusTreating {
			return nil, false
		}
		return model.Patch{
			model.ColStatus:      model.PatientStatusWaiting,
			model.ColIsStaffMode: false,
		}, true
	})
}

// SetStatus dispatches a status picker choice to the matching transition.
func (e *Engine) SetStatus(ctx context.Context, id int64, status model.PatientStatus) error {
	switch status {
	case model.PatientStatusWaiting:
		return e.ReturnToWaiting(ctx, id)
	case model.PatientStatusTreating:
		return e.StartTreatment(ctx, id)
	case model.PatientStatusCompleted:
		return e.Complete(ctx, id)
	}
	return apperrors.NewBadRequest(fmt.Sprintf("invalid status %q", status), nil)
}

func (e *Engine) EnterStaffMode(ctx context.Context, id int64) error {
	return e.mutate(ctx, "enter_staff_mode", id, func(p *model.Patient) (model.Patch, bool) {
		if p.Status != model.PatientStatusTreating {
			return nil, false
		}
		patch := model.Patch{model.ColIsStaffMode: true}
		if p.DoctorHere() {
			patch[model.ColCurrentDoctorLocation] = nil
		}
		return patch, true
	})
}

func (e *Engine) ExitStaffMode(ctx context.Context, id int64) error {
	return e.mutate(ctx, "exit_staff_mode", id, func(p *model.Patient) (model.Patch, bool) {
		if !p.IsStaffMode {
			return nil, false
		}
		return model.Patch{model.ColIsStaffMode: false}, true
	})
}

func (e *Engine) EnterRecovery(ctx context.Context, id int64) error {
	return e.mutate(ctx, "enter_recovery", id, func(p *model.Patient) (model.Patch, bool) {
		if p.Status != model.PatientStatusTreating {
			return nil, false
		}
		return model.Patch{
			model.ColIsRecoveryRoom:        true,
			model.ColChairNumber:           nil,
			model.ColCurrentDoctorLocation: nil,
			model.ColIsStaffMode:           false,
			model.ColDoctorID:              nil,
		}, true
	})
}

// ExitRecovery leaves the recovery room for the waiting queue or discharge.
func (e *Engine) ExitRecovery(ctx context.Context, id int64, status model.PatientStatus) error {
	return e.mutate(ctx, "exit_recovery", id, func(p *model.Patient) (model.Patch, bool) {
		if !p.IsRecoveryRoom {
			return nil, false
		}
		patch := model.Patch{model.ColIsRecoveryRoom: false}
		switch status {
		case model.PatientStatusWaiting:
			patch[model.ColStatus] = status
		case model.PatientStatusCompleted:
			patch[model.ColStatus] = status
			patch[model.ColCurrentDoctorLocation] = nil
			patch[model.ColIsStaffMode] = false
		default:
			return nil, false
		}
		return patch, true
	})
}

func (e *Engine) EnterConsulting(ctx context.Context, id int64) error {
	return e.mutate(ctx, "enter_consulting", id, func(p *model.Patient) (model.Patch, bool) {
		if p.DoctorID == nil {
			return nil, false
		}
		return model.Patch{
			model.ColIsConsultingMode:          true,
			model.ColConsultingStartTime:       e.now(),
			model.ColConsultingActualStartTime: nil,
		}, true
	})
}

func (e *Engine) StartConsultingSession(ctx context.Context, id int64) error {
	return e.mutate(ctx, "start_consulting_session", id, func(p *model.Patient) (model.Patch, bool) {
		if !p.AwaitingConsult() {
			return nil, false
		}
		return model.Patch{model.ColConsultingActualStartTime: e.now()}, true
	})
}

// CancelConsultWait returns a queued consult to the back of its doctor's
// queue.
func (e *Engine) CancelConsultWait(ctx context.Context, id int64) error {
	return e.mutate(ctx, "cancel_consult_wait", id, func(p *model.Patient) (model.Patch, bool) {
		if !p.AwaitingConsult() {
			return nil, false
		}
		return model.Patch{
			model.ColIsConsultingMode:          false,
			model.ColConsultingStartTime:       nil,
			model.ColConsultingActualStartTime: nil,
			model.ColDisplayOrder:              e.backOfQueue(p),
		}, true
	})
}

// backOfQueue is one past the highest sibling order, or 1 with no
// siblings.
func (e *Engine) backOfQueue(p *model.Patient) int {
	order := 0
	for _, s := range e.cache.All() {
		if s.ID == p.ID || s.IsConsultingMode || s.InStaffOverlay() {
			continue
		}
		if p.DoctorID == nil || !s.AssignedTo(*p.DoctorID) {
			continue
		}
		if s.DisplayOrder > order {
			order = s.DisplayOrder
		}
	}
	return order + 1
}

// SetChair assigns chair n, or clears it when n is nil.
func (e *Engine) SetChair(ctx context.Context, id int64, n *int) error {
	return e.mutate(ctx, "set_chair", id, func(p *model.Patient) (model.Patch, bool) {
		if p.IsRecoveryRoom {
			return nil, false
		}
		if n == nil {
			return model.Patch{model.ColChairNumber: nil}, true
		}
		if *n < 1 || *n > 20 {
			return nil, false
		}
		return model.Patch{model.ColChairNumber: *n}, true
	})
}
