// Package sqlstore is the SQL-backed remote row store. Postgres delivers
// change notifications through LISTEN/NOTIFY; sqlite, being single
// process, notifies in-process after each committed write.
package sqlstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
	"github.com/jwalitptl/chairqueue/pkg/logger"
)

type Store struct {
	db       *sqlx.DB
	fan      *fanout
	listener *pgListener
	patients *patientRepository
	doctors  repository.DoctorRepository
	replies  repository.ReplyRepository
	once     sync.Once
}

var (
	_ repository.Backend              = (*Store)(nil)
	_ repository.DoctorLocationSetter = (*Store)(nil)
	_ repository.OrderWriter          = (*Store)(nil)
)

// Open connects to the configured database and starts its change feed.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := newStore(db)

	if cfg.Driver == DriverPostgres {
		dsn, _ := cfg.DSN()
		s.listener, err = newPGListener(dsn, s.fan, log.Component("pg-listener"))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
		}
	}
	return s, nil
}

// NewFromDB wraps an open sqlite handle; notifications stay in-process.
func NewFromDB(db *sqlx.DB) *Store {
	return newStore(db)
}

func newStore(db *sqlx.DB) *Store {
	s := &Store{db: db, fan: newFanout()}
	changed := func(t model.Table) {
		if db.DriverName() != DriverPostgres {
			s.fan.notify(t)
		}
	}
	s.patients = &patientRepository{BaseRepository: NewBaseRepository(db), changed: changed}
	s.doctors = NewDoctorRepository(db)
	s.replies = NewReplyRepository(db)
	return s
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Patients() repository.PatientRepository { return s.patients }
func (s *Store) Doctors() repository.DoctorRepository   { return s.doctors }
func (s *Store) Replies() repository.ReplyRepository    { return s.replies }
func (s *Store) Feed() repository.ChangeFeed            { return s.fan }

func (s *Store) SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error {
	return s.patients.SetDoctorLocation(ctx, doctorID, patientID)
}

func (s *Store) WriteOrders(ctx context.Context, orders map[int64]int) error {
	return s.patients.WriteOrders(ctx, orders)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.fan.failAll(nil)
		if s.listener != nil {
			err = s.listener.Close()
		}
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
