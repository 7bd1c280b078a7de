// Package remote is the single gateway to the shared row store and the
// broadcast broker. Every call is guarded by a circuit breaker, timed,
// and its failure mapped onto the application error taxonomy.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
	"github.com/jwalitptl/chairqueue/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/logger"
	"github.com/jwalitptl/chairqueue/pkg/messaging"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
)

var errNotConnected = errors.New("adapter not connected")

// ErrUnsupported is returned by optional operations the backend lacks.
var ErrUnsupported = errors.New("operation not supported by backend")

type Options struct {
	MaxFailures    int
	BreakerTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
}

type Adapter struct {
	backend repository.Backend
	broker  messaging.Broker
	cb      *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *logger.Logger

	mu        sync.RWMutex
	connected bool
}

func NewAdapter(backend repository.Backend, broker messaging.Broker, opts Options) *Adapter {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New("chairqueue")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 10 * time.Second
	}

	a := &Adapter{
		backend: backend,
		broker:  broker,
		metrics: opts.Metrics,
		log:     opts.Logger.Component("remote"),
	}
	a.cb = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "remote-store",
		MaxFailures: opts.MaxFailures,
		Timeout:     opts.BreakerTimeout,
		Tripping:    isUnavailable,
		OnStateChange: func(name, from, to string) {
			a.log.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			open := 0.0
			if to == "open" {
				open = 1
			}
			a.metrics.BreakerState.WithLabelValues(name).Set(open)
		},
	})
	return a
}

// Connect verifies the backend is reachable. Calls made before Connect
// fail with RemoteUnavailable.
func (a *Adapter) Connect(ctx context.Context) error {
	err := a.do("ping", func() error { return a.backend.Ping(ctx) })
	if err != nil {
		return apperrors.NewRemoteUnavailable("connect", err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Info("connected to remote store")
	return nil
}

// Disconnect releases the backend and broker; subscriptions end with them.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	err := a.backend.Close()
	if a.broker != nil {
		if berr := a.broker.Close(); err == nil {
			err = berr
		}
	}
	return err
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) QueryPatients(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, error) {
	var out []*model.Patient
	err := a.guarded("query_patients", func() (err error) {
		out, err = a.backend.Patients().List(ctx, filter)
		return err
	})
	return out, a.queryErr("query_patients", model.TablePatients, err)
}

func (a *Adapter) QueryDoctors(ctx context.Context) ([]*model.Doctor, error) {
	var out []*model.Doctor
	err := a.guarded("query_doctors", func() (err error) {
		out, err = a.backend.Doctors().List(ctx)
		return err
	})
	return out, a.queryErr("query_doctors", model.TableDoctors, err)
}

func (a *Adapter) QueryReplies(ctx context.Context, patientNames []string) ([]*model.ReplyRow, error) {
	var out []*model.ReplyRow
	err := a.guarded("query_replies", func() (err error) {
		out, err = a.backend.Replies().ListLatest(ctx, patientNames)
		return err
	})
	return out, a.queryErr("query_replies", model.TableDoctorReplies, err)
}

func (a *Adapter) UpdatePatient(ctx context.Context, id int64, patch model.Patch) error {
	err := a.guarded("update_patient", func() error {
		return a.backend.Patients().Update(ctx, id, patch)
	})
	return a.writeErr("update_patient", err)
}

func (a *Adapter) UpdatePatientsByDoctor(ctx context.Context, doctorID int64, patch model.Patch) error {
	err := a.guarded("update_by_doctor", func() error {
		return a.backend.Patients().UpdateByDoctor(ctx, doctorID, patch)
	})
	return a.writeErr("update_by_doctor", err)
}

// CanSetDoctorLocation reports whether SetDoctorLocation is a single write.
func (a *Adapter) CanSetDoctorLocation() bool {
	_, ok := a.backend.(repository.DoctorLocationSetter)
	return ok
}

func (a *Adapter) SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error {
	setter, ok := a.backend.(repository.DoctorLocationSetter)
	if !ok {
		return ErrUnsupported
	}
	err := a.guarded("set_doctor_location", func() error {
		return setter.SetDoctorLocation(ctx, doctorID, patientID)
	})
	return a.writeErr("set_doctor_location", err)
}

// CanWriteOrders reports whether WriteOrders is a single transaction.
func (a *Adapter) CanWriteOrders() bool {
	_, ok := a.backend.(repository.OrderWriter)
	return ok
}

func (a *Adapter) WriteOrders(ctx context.Context, orders map[int64]int) error {
	w, ok := a.backend.(repository.OrderWriter)
	if !ok {
		return ErrUnsupported
	}
	err := a.guarded("write_orders", func() error {
		return w.WriteOrders(ctx, orders)
	})
	return a.writeErr("write_orders", err)
}

// Subscribe registers onChange for table. The returned subscription's
// Done channel closes with a non-nil Err when the feed is lost.
func (a *Adapter) Subscribe(ctx context.Context, table model.Table, onChange func()) (repository.Subscription, error) {
	if !a.Connected() {
		return nil, apperrors.NewRemoteUnavailable("subscribe", errNotConnected)
	}
	sub, err := a.backend.Feed().Subscribe(ctx, table, onChange)
	a.observe("subscribe", time.Now(), err)
	if err != nil {
		return nil, apperrors.NewRemoteUnavailable("subscribe "+string(table), err)
	}
	return sub, nil
}

// Broadcast is fire-and-forget: no acknowledgment exists.
func (a *Adapter) Broadcast(ctx context.Context, channel, event string, payload interface{}) error {
	if a.broker == nil {
		return apperrors.NewRemoteUnavailable("broadcast", errors.New("no broker configured"))
	}
	start := time.Now()
	err := messaging.Broadcast(ctx, a.broker, channel, event, payload)
	a.observe("broadcast", start, err)
	if err != nil {
		return apperrors.NewRemoteUnavailable("broadcast "+channel, err)
	}
	return nil
}

// Listen decodes broadcast envelopes on channel until ctx ends.
func (a *Adapter) Listen(ctx context.Context, channel string, handler func(messaging.Message) error, onErr func(error)) (<-chan struct{}, error) {
	if a.broker == nil {
		return nil, apperrors.NewRemoteUnavailable("listen", errors.New("no broker configured"))
	}
	done, err := messaging.Listen(ctx, a.broker, channel, handler, onErr)
	if err != nil {
		return nil, apperrors.NewSubscriptionLost(channel, err)
	}
	return done, nil
}

func (a *Adapter) guarded(op string, fn func() error) error {
	if !a.Connected() {
		return errNotConnected
	}
	return a.do(op, fn)
}

func (a *Adapter) do(op string, fn func() error) error {
	start := time.Now()
	err := a.cb.Execute(fn)
	a.observe(op, start, err)
	return err
}

func (a *Adapter) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RemoteOperations.WithLabelValues(op, status).Inc()
	a.metrics.RemoteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (a *Adapter) queryErr(op string, table model.Table, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return apperrors.NewRemoteUnavailable(op, err)
	}
	return apperrors.NewRemoteQuery(string(table), err)
}

func (a *Adapter) writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return apperrors.NewRemoteUnavailable(op, err)
	}
	return apperrors.NewRemoteWriteRejected(string(model.TablePatients), err)
}

func isUnavailable(err error) bool {
	return errors.Is(err, repository.ErrUnavailable) ||
		errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, errNotConnected) ||
		errors.Is(err, context.DeadlineExceeded)
}
