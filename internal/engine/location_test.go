package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/chairqueue/internal/invariant"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
	"github.com/jwalitptl/chairqueue/internal/repository/memory"
	"github.com/jwalitptl/chairqueue/internal/view"
)

func locationOf(p *model.Patient) *int64 { return p.CurrentDoctorLocation }

func TestSetDoctorLocationTwoPhase(t *testing.T) {
	a := treating(1, 1, 0)
	a.CurrentDoctorLocation = model.Int64(1)
	b := treating(2, 1, 1)
	f := newFixture(t, Config{AtomicWrites: true}, a, b)

	require.NoError(t, f.engine.SetDoctorLocation(context.Background(), 2, 1))

	// memory backend has no single-statement move, so two writes happen
	writes := f.store.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, memory.OpUpdateByDoctor, writes[0].Op)
	assert.Equal(t, int64(1), writes[0].DoctorID)
	assert.Equal(t, memory.OpUpdate, writes[1].Op)
	assert.Equal(t, int64(2), writes[1].ID)

	assert.Nil(t, locationOf(f.cached(t, 1)))
	assert.Equal(t, int64(1), *locationOf(f.cached(t, 2)))
	assert.Nil(t, f.store.Get(1).CurrentDoctorLocation)
	assert.Equal(t, int64(1), *f.store.Get(2).CurrentDoctorLocation)
}

func TestSetDoctorLocationToggles(t *testing.T) {
	f := newFixture(t, Config{}, treating(1, 1, 0), treating(2, 1, 1))
	ctx := context.Background()

	require.NoError(t, f.engine.SetDoctorLocation(ctx, 1, 1))
	f.refetch(t)
	require.NoError(t, f.engine.SetDoctorLocation(ctx, 1, 1))
	f.refetch(t)

	assert.Empty(t, invariant.LocationHolders(f.cache.All(), 1))
	last := f.store.Writes()[len(f.store.Writes())-1]
	assert.Equal(t, memory.OpUpdateByDoctor, last.Op)
	assert.True(t, invariant.DoctorInOffice(f.cache.All(), 1))
}

func TestSetDoctorLocationPreconditions(t *testing.T) {
	staff := treating(2, 1, 0)
	staff.IsStaffMode = true
	f := newFixture(t, Config{}, treating(1, 1, 0), staff, waiting(3))
	ctx := context.Background()

	require.NoError(t, f.engine.SetDoctorLocation(ctx, 1, 2)) // wrong doctor
	require.NoError(t, f.engine.SetDoctorLocation(ctx, 2, 1)) // staff partition
	require.NoError(t, f.engine.SetDoctorLocation(ctx, 3, 1)) // unassigned
	require.NoError(t, f.engine.SetDoctorLocation(ctx, 9, 1)) // unknown
	assert.Empty(t, f.store.Writes())
}

func TestLocationEventuallySingle(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var patients []*model.Patient
	for i := 1; i <= 8; i++ {
		patients = append(patients, treating(int64(i), int64(i%2+1), i))
	}
	f := newFixture(t, Config{}, patients...)
	ctx := context.Background()

	for step := 0; step < 100; step++ {
		id := int64(rng.Intn(8) + 1)
		d := int64(id%2 + 1)
		if rng.Intn(5) == 0 {
			d = int64(rng.Intn(2) + 1)
		}
		require.NoError(t, f.engine.SetDoctorLocation(ctx, id, d))
		if rng.Intn(3) == 0 {
			f.refetch(t)
		}
		for _, doctor := range []int64{1, 2} {
			assert.LessOrEqual(t, len(invariant.LocationHolders(f.cache.All(), doctor)), 1)
		}
	}
	f.refetch(t)
	assert.Empty(t, invariant.Audit(f.cache.All()))
}

func TestDragThenTwoLocationSets(t *testing.T) {
	a := treating(1, 1, 0)
	b := treating(2, 1, 1)
	f := newFixture(t, Config{}, a, b)
	ctx := context.Background()

	require.NoError(t, f.engine.Reorder(ctx, view.Doctor(1), 1, 0))
	assert.Equal(t, 0, f.cached(t, 2).DisplayOrder)
	assert.Equal(t, 1, f.cached(t, 1).DisplayOrder)

	require.NoError(t, f.engine.SetDoctorLocation(ctx, 1, 1))
	require.NoError(t, f.engine.SetDoctorLocation(ctx, 2, 1))
	f.refetch(t)

	assert.Nil(t, f.cached(t, 1).CurrentDoctorLocation)
	assert.Equal(t, int64(1), *f.cached(t, 2).CurrentDoctorLocation)
	assert.Equal(t, []int64{2}, invariant.LocationHolders(f.cache.All(), 1))
}

func TestClearDoctorLocation(t *testing.T) {
	a := treating(1, 1, 0)
	a.CurrentDoctorLocation = model.Int64(1)
	other := treating(2, 2, 0)
	other.CurrentDoctorLocation = model.Int64(2)
	f := newFixture(t, Config{}, a, other)

	require.NoError(t, f.engine.ClearDoctorLocation(context.Background(), 1))
	assert.Nil(t, f.cached(t, 1).CurrentDoctorLocation)
	assert.NotNil(t, f.cached(t, 2).CurrentDoctorLocation)
	assert.Nil(t, f.store.Get(1).CurrentDoctorLocation)
}

func TestSetDoctorLocationRollback(t *testing.T) {
	a := treating(1, 1, 0)
	a.CurrentDoctorLocation = model.Int64(1)
	f := newFixture(t, Config{RollbackOnFailure: true}, a, treating(2, 1, 1))
	f.store.Fail(memory.OpUpdate, repository.ErrRejected)

	// the bulk clear lands, the set is rejected
	require.Error(t, f.engine.SetDoctorLocation(context.Background(), 2, 1))
	assert.Equal(t, int64(1), *f.cached(t, 1).CurrentDoctorLocation)
	assert.Nil(t, f.cached(t, 2).CurrentDoctorLocation)

	// the next refetch shows the half-applied remote state
	f.refetch(t)
	assert.Empty(t, invariant.LocationHolders(f.cache.All(), 1))
}

// gatedRemote holds the first single-row write to patient id until
// release is closed.
type gatedRemote struct {
	Remote
	id      int64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRemote) UpdatePatient(ctx context.Context, id int64, patch model.Patch) error {
	if id == g.id {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Remote.UpdatePatient(ctx, id, patch)
}

func TestOverlappingLocationMovesSettleOnOneHolder(t *testing.T) {
	f := newFixture(t, Config{}, treating(1, 1, 0), treating(2, 1, 1))
	gate := &gatedRemote{Remote: f.adapter, id: 1, entered: make(chan struct{}), release: make(chan struct{})}
	e := New(f.cache, gate, Config{}, f.metrics, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = e.SetDoctorLocation(ctx, 1, 1)
	}()
	<-gate.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = e.SetDoctorLocation(ctx, 2, 1)
	}()
	// the second move waits for the first one's set
	assert.Never(t, func() bool { return len(f.store.Writes()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gate.release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	f.refetch(t)
	assert.Equal(t, []int64{2}, invariant.LocationHolders(f.cache.All(), 1))
}
