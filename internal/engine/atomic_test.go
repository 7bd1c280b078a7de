package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/remote"
	"github.com/jwalitptl/chairqueue/internal/repository/sqlstore"
	"github.com/jwalitptl/chairqueue/internal/view"
)

// recordingRemote logs which write path each call took.
type recordingRemote struct {
	Remote
	calls []string
}

func (r *recordingRemote) UpdatePatient(ctx context.Context, id int64, patch model.Patch) error {
	r.calls = append(r.calls, "update")
	return r.Remote.UpdatePatient(ctx, id, patch)
}

func (r *recordingRemote) UpdatePatientsByDoctor(ctx context.Context, doctorID int64, patch model.Patch) error {
	r.calls = append(r.calls, "update_by_doctor")
	return r.Remote.UpdatePatientsByDoctor(ctx, doctorID, patch)
}

func (r *recordingRemote) SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error {
	r.calls = append(r.calls, "set_doctor_location")
	return r.Remote.SetDoctorLocation(ctx, doctorID, patientID)
}

func (r *recordingRemote) WriteOrders(ctx context.Context, orders map[int64]int) error {
	r.calls = append(r.calls, "write_orders")
	return r.Remote.WriteOrders(ctx, orders)
}

func newSQLiteEngine(t *testing.T, atomic bool) (*Engine, *cache.Cache, *recordingRemote, *remote.Adapter) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.NewDB(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, Endpoint: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(ctx, db))
	_, err = db.Exec(`INSERT INTO doctors (id, name) VALUES (1, 'Kim')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO patients (id, name, status, doctor_id, display_order, current_doctor_location)
		VALUES (1, 'A', 'treatmenting', 1, 0, 1), (2, 'B', 'treatmenting', 1, 1, NULL), (3, 'C', 'treatmenting', 1, 2, NULL)`)
	require.NoError(t, err)

	adapter := remote.NewAdapter(sqlstore.NewFromDB(db), nil, remote.Options{})
	require.NoError(t, adapter.Connect(ctx))
	t.Cleanup(func() { _ = adapter.Disconnect() })

	c := cache.New()
	patients, err := adapter.QueryPatients(ctx, model.PatientFilter{Statuses: model.ActiveStatuses})
	require.NoError(t, err)
	doctors, err := adapter.QueryDoctors(ctx)
	require.NoError(t, err)
	c.ReplaceAll(patients, doctors)

	rec := &recordingRemote{Remote: adapter}
	return New(c, rec, Config{AtomicWrites: atomic}, nil, nil), c, rec, adapter
}

func TestAtomicLocationMove(t *testing.T) {
	e, _, rec, adapter := newSQLiteEngine(t, true)
	ctx := context.Background()

	require.NoError(t, e.SetDoctorLocation(ctx, 3, 1))
	assert.Equal(t, []string{"set_doctor_location"}, rec.calls)

	patients, err := adapter.QueryPatients(ctx, model.PatientFilter{})
	require.NoError(t, err)
	for _, p := range patients {
		if p.ID == 3 {
			require.NotNil(t, p.CurrentDoctorLocation)
		} else {
			assert.Nil(t, p.CurrentDoctorLocation, "patient %d", p.ID)
		}
	}
}

func TestAtomicReorder(t *testing.T) {
	e, c, rec, adapter := newSQLiteEngine(t, true)
	ctx := context.Background()

	require.NoError(t, e.Reorder(ctx, view.Doctor(1), 0, 2))
	assert.Equal(t, []string{"write_orders"}, rec.calls)

	patients, err := adapter.QueryPatients(ctx, model.PatientFilter{})
	require.NoError(t, err)
	var got []int64
	for _, p := range patients {
		got = append(got, p.ID)
	}
	assert.Equal(t, []int64{2, 3, 1}, got)
	p, _ := c.Get(1)
	assert.Equal(t, 2, p.DisplayOrder)
}

func TestAtomicWritesDisabled(t *testing.T) {
	e, _, rec, _ := newSQLiteEngine(t, false)
	require.NoError(t, e.SetDoctorLocation(context.Background(), 3, 1))
	assert.Equal(t, []string{"update_by_doctor", "update"}, rec.calls)
}
