package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/invariant"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/remote"
	"github.com/jwalitptl/chairqueue/internal/repository"
	"github.com/jwalitptl/chairqueue/internal/repository/memory"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
)

type fixture struct {
	store   *memory.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
	rec     *Reconciler
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.PutDoctors(&model.Doctor{ID: 1, Name: "Kim"})
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	adapter := remote.NewAdapter(store, nil, remote.Options{Metrics: m})
	require.NoError(t, adapter.Connect(context.Background()))

	if config.ResubscribeInterval == 0 {
		config.ResubscribeInterval = 10 * time.Millisecond
	}
	c := cache.New()
	return &fixture{store: store, cache: c, metrics: m, rec: New(adapter, c, config, nil, m)}
}

func (f *fixture) status(id int64) model.PatientStatus {
	p, ok := f.cache.Get(id)
	if !ok {
		return ""
	}
	return p.Status
}

func TestStartFetchesAndFollowsChanges(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusWaiting})

	require.NoError(t, f.rec.Start(context.Background()))
	defer f.rec.Stop()

	require.Eventually(t, func() bool { return f.status(1) == model.PatientStatusWaiting }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.cache.Doctors(), 1)

	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusTreating}, &model.Patient{ID: 2, Status: model.PatientStatusWaiting})
	require.Eventually(t, func() bool {
		return f.status(1) == model.PatientStatusTreating && f.status(2) == model.PatientStatusWaiting
	}, time.Second, 5*time.Millisecond)

	f.store.Put(&model.Patient{ID: 2, Status: model.PatientStatusCompleted})
	require.Eventually(t, func() bool { return f.cache.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStaleRefetchIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusWaiting})

	taken := make(chan struct{})
	release := make(chan struct{})
	f.store.ListHook = func(_ context.Context, call int) {
		if call == 1 {
			close(taken)
			<-release
		}
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var staleApplied bool
	var staleErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		staleApplied, staleErr = f.rec.Refresh(ctx)
	}()
	<-taken

	// a newer snapshot, requested later, completes first
	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusTreating})
	applied, err := f.rec.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, model.PatientStatusTreating, f.status(1))

	close(release)
	wg.Wait()
	require.NoError(t, staleErr)
	assert.False(t, staleApplied)
	assert.Equal(t, model.PatientStatusTreating, f.status(1))
	assert.Equal(t, uint64(2), f.rec.Applied())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefetchDiscarded))
}

func TestFailedRefetchKeepsCache(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusWaiting})
	ctx := context.Background()

	_, err := f.rec.Refresh(ctx)
	require.NoError(t, err)

	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusTreating})
	f.store.Fail(memory.OpListDoctors, errors.New("permission denied"))
	_, err = f.rec.Refresh(ctx)
	assert.ErrorIs(t, err, apperrors.RemoteQueryError)
	assert.Equal(t, model.PatientStatusWaiting, f.status(1))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefetchTotal.WithLabelValues("error")))
}

func TestLostSubscriptionIsReestablished(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.rec.Start(context.Background()))
	defer f.rec.Stop()
	require.Eventually(t, func() bool { return f.rec.Applied() >= 1 }, time.Second, 5*time.Millisecond)

	f.store.DropSubscriptions(model.TablePatients, errors.New("socket closed"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Resubscribes.WithLabelValues("patients")) == 1 &&
			f.store.Subscribers(model.TablePatients) == 1
	}, time.Second, 5*time.Millisecond)

	f.store.Put(&model.Patient{ID: 7, Status: model.PatientStatusWaiting})
	require.Eventually(t, func() bool { return f.status(7) == model.PatientStatusWaiting }, time.Second, 5*time.Millisecond)
}

func TestResubscribeForcesRefetch(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.rec.Start(context.Background()))
	defer f.rec.Stop()
	require.Eventually(t, func() bool { return f.rec.Applied() >= 1 }, time.Second, 5*time.Millisecond)

	// a change made while the feed is down produces no notification
	f.store.DropSubscriptions(model.TablePatients, errors.New("socket closed"))
	f.store.DropSubscriptions(model.TableDoctors, errors.New("socket closed"))
	before := f.rec.Applied()

	require.Eventually(t, func() bool { return f.rec.Applied() > before }, time.Second, 5*time.Millisecond)
}

func TestSnapshotAudit(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Put(&model.Patient{ID: 1, Status: model.PatientStatusTreating, CurrentDoctorLocation: model.Int64(1)})

	_, err := f.rec.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.InvariantBreaches.WithLabelValues(invariant.LocationMatchesDoctor)))
	// the cache is never repaired locally
	p, ok := f.cache.Get(1)
	require.True(t, ok)
	assert.NotNil(t, p.CurrentDoctorLocation)
}

func TestStopReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, Config{ResyncSchedule: "@every 1h"})
	require.NoError(t, f.rec.Start(context.Background()))
	assert.Equal(t, 1, f.store.Subscribers(model.TablePatients))
	assert.Error(t, f.rec.Start(context.Background()))

	f.rec.Stop()
	assert.Zero(t, f.store.Subscribers(model.TablePatients))
	assert.Zero(t, f.store.Subscribers(model.TableDoctors))
	f.rec.Stop()
}

func TestInvalidResyncSchedule(t *testing.T) {
	f := newFixture(t, Config{ResyncSchedule: "whenever"})
	assert.Error(t, f.rec.Start(context.Background()))
	assert.Zero(t, f.store.Subscribers(model.TablePatients))
}

// failingSource refuses subscriptions.
type failingSource struct{ Source }

func (failingSource) Subscribe(context.Context, model.Table, func()) (repository.Subscription, error) {
	return nil, apperrors.NewRemoteUnavailable("subscribe", nil)
}

func TestStartFailsWithoutFeed(t *testing.T) {
	r := New(failingSource{}, cache.New(), Config{}, nil, nil)
	assert.ErrorIs(t, r.Start(context.Background()), apperrors.RemoteUnavailable)
}
