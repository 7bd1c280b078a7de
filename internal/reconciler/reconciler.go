// Package reconciler keeps the cache equal to the latest authoritative
// snapshot. Change notifications carry no payload, so every one of them
// leads to a full refetch; bursts collapse into one pending refetch and
// responses older than the last applied one are dropped.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/invariant"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/logger"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
)

// Source is the read side of the remote adapter.
type Source interface {
	QueryPatients(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, error)
	QueryDoctors(ctx context.Context) ([]*model.Doctor, error)
	Subscribe(ctx context.Context, table model.Table, onChange func()) (repository.Subscription, error)
}

type Config struct {
	// ResyncSchedule is a cron spec for an unconditional refetch, e.g.
	// "@every 5m". Empty disables it.
	ResyncSchedule string
	// ResubscribeInterval paces re-establishing a lost subscription.
	ResubscribeInterval time.Duration
	FetchTimeout        time.Duration
}

var watchedTables = []model.Table{model.TablePatients, model.TableDoctors}

type Reconciler struct {
	src     Source
	cache   *cache.Cache
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	trigger chan struct{}
	seq     atomic.Uint64
	applyMu sync.Mutex
	applied uint64
	limiter *rate.Limiter

	mu      sync.Mutex
	subs    map[model.Table]repository.Subscription
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(src Source, c *cache.Cache, config Config, log *logger.Logger, m *metrics.Metrics) *Reconciler {
	if config.ResubscribeInterval <= 0 {
		config.ResubscribeInterval = time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New("chairqueue")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		src:     src,
		cache:   c,
		config:  config,
		logger:  log.Component("reconciler"),
		metrics: m,
		trigger: make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(config.ResubscribeInterval), 1),
		subs:    make(map[model.Table]repository.Subscription),
	}
}

// Start subscribes to the watched tables, runs the startup refetch and
// begins reacting to notifications. A failed startup refetch is logged;
// the next notification or resync retries it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reconciler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	for _, table := range watchedTables {
		sub, err := r.src.Subscribe(ctx, table, r.Trigger)
		if err != nil {
			cancel()
			r.closeSubsLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", table, err)
		}
		r.subs[table] = sub
	}

	if r.config.ResyncSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.config.ResyncSchedule, r.Trigger); err != nil {
			cancel()
			r.closeSubsLocked()
			return fmt.Errorf("invalid resync schedule %q: %w", r.config.ResyncSchedule, err)
		}
		c.Start()
		r.cron = c
	}

	r.cancel = cancel
	r.running = true
	for table, sub := range r.subs {
		r.wg.Add(1)
		go r.watch(ctx, table, sub)
	}
	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("Starting reconciler", "tables", len(r.subs), "resync", r.config.ResyncSchedule)
	r.Trigger()
	return nil
}

// Stop releases subscriptions and waits for in-flight work.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.closeSubsLocked()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) closeSubsLocked() {
	for table, sub := range r.subs {
		_ = sub.Close()
		delete(r.subs, table)
	}
}

// Trigger requests a refetch. Requests made while one is pending merge.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
			fctx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
			if _, err := r.Refresh(fctx); err != nil && ctx.Err() == nil {
				r.logger.Error(err, "Refetch failed")
			}
			cancel()
		}
	}
}

// Refresh fetches a full snapshot and applies it unless a newer one was
// applied while it was in flight. It reports whether the cache changed.
func (r *Reconciler) Refresh(ctx context.Context) (bool, error) {
	seq := r.seq.Add(1)
	timer := prometheus.NewTimer(r.metrics.RefetchLatency)

	var (
		patients []*model.Patient
		doctors  []*model.Doctor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		patients, err = r.src.QueryPatients(gctx, model.PatientFilter{Statuses: model.ActiveStatuses})
		return err
	})
	g.Go(func() (err error) {
		doctors, err = r.src.QueryDoctors(gctx)
		return err
	})
	err := g.Wait()
	timer.ObserveDuration()
	if err != nil {
		r.metrics.RefetchTotal.WithLabelValues("error").Inc()
		return false, err
	}

	r.applyMu.Lock()
	if seq <= r.applied {
		r.applyMu.Unlock()
		r.metrics.RefetchTotal.WithLabelValues("discarded").Inc()
		r.metrics.RefetchDiscarded.Inc()
		r.logger.Debug("Discarded stale snapshot", "seq", seq)
		return false, nil
	}
	r.applied = seq
	r.cache.ReplaceAll(patients, doctors)
	r.applyMu.Unlock()

	r.metrics.RefetchTotal.WithLabelValues("applied").Inc()
	r.metrics.ActivePatients.Set(float64(r.cache.Len()))
	r.audit()
	return true, nil
}

// Applied returns the sequence number of the snapshot in the cache.
func (r *Reconciler) Applied() uint64 {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.applied
}

func (r *Reconciler) audit() {
	for _, v := range invariant.Audit(r.cache.All()) {
		r.metrics.InvariantBreaches.WithLabelValues(v.Invariant).Inc()
		r.logger.Warn("Snapshot violates invariant",
			"invariant", v.Invariant, "patient_id", v.PatientID, "doctor_id", v.DoctorID, "detail", v.Detail)
	}
}

// watch re-establishes sub when the feed drops it, then forces a refetch
// to cover anything missed in the gap.
func (r *Reconciler) watch(ctx context.Context, table model.Table, sub repository.Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		}
		if sub.Err() == nil || ctx.Err() != nil {
			return
		}
		r.logger.Warn("Subscription lost", "table", string(table),
			"error", apperrors.NewSubscriptionLost(string(table), sub.Err()).Error())

		next, err := r.resubscribe(ctx, table)
		if err != nil {
			return
		}
		sub = next
		r.Trigger()
	}
}

func (r *Reconciler) resubscribe(ctx context.Context, table model.Table) (repository.Subscription, error) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sub, err := r.src.Subscribe(ctx, table, r.Trigger)
		if err != nil {
			r.logger.Error(err, "Resubscribe failed", "table", string(table))
			continue
		}

		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			_ = sub.Close()
			return nil, context.Canceled
		}
		r.subs[table] = sub
		r.mu.Unlock()

		r.metrics.Resubscribes.WithLabelValues(string(table)).Inc()
		r.logger.Info("Subscription re-established", "table", string(table))
		return sub, nil
	}
}
