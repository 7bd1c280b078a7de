package repository

import (
	"context"
	"errors"

	"github.com/jwalitptl/chairqueue/internal/model"
)

// Backends wrap driver errors with these so the remote adapter can map
// them onto the RemoteUnavailable / RemoteWriteRejected taxonomy.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrRejected    = errors.New("write rejected")
	ErrNoRows      = errors.New("no rows affected")
)

// All repository interfaces in one file
type (
	PatientRepository interface {
		// List returns rows matching filter ordered by display_order, id.
		List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, error)
		Update(ctx context.Context, id int64, patch model.Patch) error
		// UpdateByDoctor patches every row whose doctor_id is doctorID.
		UpdateByDoctor(ctx context.Context, doctorID int64, patch model.Patch) error
	}

	DoctorRepository interface {
		List(ctx context.Context) ([]*model.Doctor, error)
	}

	ReplyRepository interface {
		// ListLatest returns replies for the given patient names, newest first.
		ListLatest(ctx context.Context, patientNames []string) ([]*model.ReplyRow, error)
	}

	// ChangeFeed delivers payload-free "table changed" notifications.
	// Delivery is at-least-once and unordered.
	ChangeFeed interface {
		Subscribe(ctx context.Context, table model.Table, onChange func()) (Subscription, error)
	}

	Subscription interface {
		ID() string
		// Done is closed when the subscription ends; Err then reports why
		// (nil after Close).
		Done() <-chan struct{}
		Err() error
		Close() error
	}

	// Backend is the full row store surface one connection provides.
	Backend interface {
		Patients() PatientRepository
		Doctors() DoctorRepository
		Replies() ReplyRepository
		Feed() ChangeFeed
		Ping(ctx context.Context) error
		Close() error
	}

	// DoctorLocationSetter is implemented by backends that can move a
	// doctor's location pointer in a single statement.
	DoctorLocationSetter interface {
		SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error
	}

	// OrderWriter is implemented by backends that can write a batch of
	// display orders atomically.
	OrderWriter interface {
		WriteOrders(ctx context.Context, orders map[int64]int) error
	}
)
