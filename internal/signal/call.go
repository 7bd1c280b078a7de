// Package signal carries the ephemeral doctor call and reply traffic.
// Nothing here is persisted or acknowledged.
package signal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/model"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/logger"
	"github.com/jwalitptl/chairqueue/pkg/messaging"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
	"github.com/jwalitptl/chairqueue/pkg/redact"
)

const (
	CallChannel  = "doctor_calls"
	CallEvent    = "call_doctor"
	ReplyChannel = "doctor_replies"
	ReplyEvent   = "reply"
)

// Remote is the broadcast surface of the remote adapter.
type Remote interface {
	Broadcast(ctx context.Context, channel, event string, payload interface{}) error
	Listen(ctx context.Context, channel string, handler func(messaging.Message) error, onErr func(error)) (<-chan struct{}, error)
	QueryReplies(ctx context.Context, patientNames []string) ([]*model.ReplyRow, error)
}

type Config struct {
	// Enabled gates CallDoctor; replies are received either way.
	Enabled       bool
	Cooldown      time.Duration
	ReplyTTL      time.Duration
	SweepInterval time.Duration
	RedactKey     []byte
	Now           func() time.Time
}

// CallPayload is the call_doctor event body.
type CallPayload struct {
	PatientID   int64  `json:"patient_id"`
	PatientName string `json:"patientName"`
	ChairNumber int    `json:"chairNumber"`
	DoctorName  string `json:"doctorName"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
}

type Channel struct {
	remote   Remote
	cache    *cache.Cache
	cfg      Config
	cooldown *gocache.Cache
	replies  *replyBox
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(r Remote, c *cache.Cache, cfg Config, m *metrics.Metrics, log *logger.Logger) *Channel {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 3 * time.Second
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = 15 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if m == nil {
		m = metrics.New("chairqueue")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Channel{
		remote:   r,
		cache:    c,
		cfg:      cfg,
		cooldown: gocache.New(cfg.Cooldown, 2*cfg.Cooldown),
		replies:  newReplyBox(),
		metrics:  m,
		log:      log.Component("signal"),
	}
}

// CallDoctor asks the patient's doctor to come to the chair. It is a
// no-op unless calls are enabled and the patient is being treated in a
// chair outside staff mode. Repeats inside the cooldown window fail with
// a CallSuppressed error.
func (s *Channel) CallDoctor(ctx context.Context, patientID int64) error {
	p, ok := s.cache.Get(patientID)
	if !s.cfg.Enabled || !ok || !p.IsTreating() || p.IsStaffMode || p.ChairNumber == nil {
		s.log.Debug(apperrors.NewPreconditionNotMet("call_doctor").Error(), "patient_id", patientID)
		return nil
	}

	key := strconv.FormatInt(patientID, 10)
	if err := s.cooldown.Add(key, s.cfg.Now(), s.cfg.Cooldown); err != nil {
		s.metrics.CallsSuppressed.Inc()
		return apperrors.NewCallSuppressed(patientID)
	}

	var doctor *model.Doctor
	if p.DoctorID != nil {
		doctor, _ = s.cache.Doctor(*p.DoctorID)
	}
	payload := composeCall(p, doctor, s.cfg.Now())

	if err := s.remote.Broadcast(ctx, CallChannel, CallEvent, payload); err != nil {
		s.log.Error(err, "doctor call failed", "patient_id", patientID, "patient", redact.Name(s.cfg.RedactKey, p.Name))
		return fmt.Errorf("call doctor for patient %d: %w", patientID, err)
	}
	s.metrics.CallsSent.Inc()
	s.log.Info("doctor called", "patient_id", patientID, "chair", payload.ChairNumber)
	return nil
}

// CoolingDown reports whether a call for the patient is still suppressed.
func (s *Channel) CoolingDown(patientID int64) bool {
	_, found := s.cooldown.Get(strconv.FormatInt(patientID, 10))
	return found
}

func composeCall(p *model.Patient, doctor *model.Doctor, now time.Time) CallPayload {
	title, doctorName := "원장님", "원장"
	if doctor != nil && doctor.Name != "" {
		title = doctor.Name + " 원장님"
		doctorName = doctor.Name
	}
	msg := fmt.Sprintf("%s %d번 체어에 %s님 진료부탁드립니다", title, *p.ChairNumber, p.Name)
	if p.RequestDetail != nil && *p.RequestDetail != "" {
		msg += "\n예약내용: " + *p.RequestDetail
	}
	if p.StaffNotes != nil && *p.StaffNotes != "" {
		msg += "\n진료메모: " + *p.StaffNotes
	}
	return CallPayload{
		PatientID:   p.ID,
		PatientName: p.Name,
		ChairNumber: *p.ChairNumber,
		DoctorName:  doctorName,
		Message:     msg,
		Type:        "doctor_call",
		Timestamp:   now.UnixMilli(),
	}
}
