// Package queue exposes the chair queue to the operator UI: the tab
// layout, card actions and a live view stream.
package queue

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/handler"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/view"
	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
	"github.com/jwalitptl/chairqueue/pkg/logger"
)

// Engine is the mutation surface behind the card actions.
type Engine interface {
	StartTreatment(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	ReturnToWaiting(ctx context.Context, id int64) error
	EnterStaffMode(ctx context.Context, id int64) error
	ExitStaffMode(ctx context.Context, id int64) error
	EnterRecovery(ctx context.Context, id int64) error
	ExitRecovery(ctx context.Context, id int64, status model.PatientStatus) error
	EnterConsulting(ctx context.Context, id int64) error
	StartConsultingSession(ctx context.Context, id int64) error
	CancelConsultWait(ctx context.Context, id int64) error
	SetChair(ctx context.Context, id int64, n *int) error
	SetDoctorLocation(ctx context.Context, patientID, d int64) error
	ClearDoctorLocation(ctx context.Context, d int64) error
	Reorder(ctx context.Context, key view.Key, from, to int) error
}

// Signals is the doctor call channel. It may be absent.
type Signals interface {
	CallDoctor(ctx context.Context, patientID int64) error
	Replies() map[int64]model.DoctorReply
	Watch() <-chan struct{}
	Unwatch(ch <-chan struct{})
}

type Handler struct {
	engine   Engine
	cache    *cache.Cache
	signals  Signals
	opts     view.Options
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewHandler(e Engine, c *cache.Cache, s Signals, opts view.Options, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		engine:  e,
		cache:   c,
		signals: s,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: log.Component("queue-handler"),
	}
}

// RegisterRoutes mounts the read routes and the stream on r and the
// mutating routes on mutations, which may carry extra middleware.
func (h *Handler) RegisterRoutes(r, mutations *gin.RouterGroup) {
	r.GET("/tabs", h.ListTabs)
	r.GET("/partitions/:kind", h.GetPartition)

	mutations.POST("/patients/:id/:action", h.PatientAction)
	mutations.POST("/doctors/:id/office", h.DoctorOffice)
	mutations.POST("/partitions/:kind/reorder", h.ReorderPartition)
}

func (h *Handler) RegisterStream(r gin.IRoutes) {
	r.GET("/ws/tabs", h.StreamTabs)
}

// TabsResponse is one rendering of the queue plus the live doctor replies.
type TabsResponse struct {
	Version uint64                      `json:"version"`
	Tabs    []view.Tab                  `json:"tabs"`
	Replies map[int64]model.DoctorReply `json:"replies,omitempty"`
}

func (h *Handler) snapshot() TabsResponse {
	version := h.cache.Version()
	v := view.Build(h.cache.All(), h.cache.Doctors(), h.opts)
	resp := TabsResponse{Version: version, Tabs: v.Tabs}
	if resp.Tabs == nil {
		resp.Tabs = []view.Tab{}
	}
	if h.signals != nil {
		resp.Replies = h.signals.Replies()
	}
	return resp
}

func (h *Handler) ListTabs(c *gin.Context) {
	c.JSON(http.StatusOK, handler.NewSuccessResponse(h.snapshot()))
}

func (h *Handler) GetPartition(c *gin.Context) {
	key, err := partitionKey(c.Param("kind"), c.Query("doctor_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	v := view.Build(h.cache.All(), h.cache.Doctors(), view.Options{})
	patients := v.Partition(key)
	if patients == nil {
		patients = []*model.Patient{}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"key":        key,
		"operations": key.Kind.Operations(),
		"patients":   patients,
	}))
}

// ActionRequest carries the optional arguments of a card action.
type ActionRequest struct {
	// Chair is the chair for "chair"; null clears it.
	Chair *int `json:"chair" binding:"omitempty,min=1,max=20"`
	// Status is where "unrecovery" sends the patient; waiting by default.
	Status model.PatientStatus `json:"status" binding:"omitempty,oneof=waiting completed"`
}

func (h *Handler) PatientAction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		_ = c.Error(apperrors.NewBadRequest("invalid patient id", err))
		return
	}
	op := view.Operation(c.Param("action"))
	if !isCardAction(op) {
		_ = c.Error(apperrors.NewBadRequest("unknown action "+string(op), nil))
		return
	}

	var req ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewBadRequest("invalid request body", err))
			return
		}
	}

	p, ok := h.cache.Get(id)
	if !ok {
		_ = c.Error(apperrors.NewNotFound("patient", nil))
		return
	}
	key, _ := view.Classify(p)
	if !key.Kind.Allows(op) {
		_ = c.Error(apperrors.NewPreconditionNotMet(string(op)))
		return
	}

	if err := h.dispatch(c.Request.Context(), op, key, id, req); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"patient_id": id,
		"action":     op,
	}).AtVersion(h.cache.Version()))
}

func (h *Handler) dispatch(ctx context.Context, op view.Operation, key view.Key, id int64, req ActionRequest) error {
	switch op {
	case view.OpStart:
		return h.engine.StartTreatment(ctx, id)
	case view.OpComplete:
		return h.engine.Complete(ctx, id)
	case view.OpWaiting:
		return h.engine.ReturnToWaiting(ctx, id)
	case view.OpStaff:
		return h.engine.EnterStaffMode(ctx, id)
	case view.OpUnstaff:
		return h.engine.ExitStaffMode(ctx, id)
	case view.OpRecovery:
		return h.engine.EnterRecovery(ctx, id)
	case view.OpUnrecovery:
		status := req.Status
		if status == "" {
			status = model.PatientStatusWaiting
		}
		return h.engine.ExitRecovery(ctx, id, status)
	case view.OpConsult:
		return h.engine.EnterConsulting(ctx, id)
	case view.OpConsultStart:
		return h.engine.StartConsultingSession(ctx, id)
	case view.OpConsultCancel:
		return h.engine.CancelConsultWait(ctx, id)
	case view.OpChair:
		return h.engine.SetChair(ctx, id, req.Chair)
	case view.OpLocation:
		return h.engine.SetDoctorLocation(ctx, id, key.DoctorID)
	case view.OpCall:
		if h.signals == nil {
			return apperrors.NewPreconditionNotMet(string(op))
		}
		return h.signals.CallDoctor(ctx, id)
	}
	return apperrors.NewBadRequest("unknown action "+string(op), nil)
}

func isCardAction(op view.Operation) bool {
	if op == view.OpReorder {
		return false
	}
	for _, k := range []view.Kind{view.KindUnassigned, view.KindDoctor, view.KindStaff, view.KindConsulting, view.KindRecovery} {
		if k.Allows(op) {
			return true
		}
	}
	return false
}

// DoctorOffice records that the doctor went back to the office.
func (h *Handler) DoctorOffice(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		_ = c.Error(apperrors.NewBadRequest("invalid doctor id", err))
		return
	}
	if err := h.engine.ClearDoctorLocation(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"doctor_id": id,
	}).AtVersion(h.cache.Version()))
}

type ReorderRequest struct {
	DoctorID int64 `json:"doctor_id"`
	From     *int  `json:"from" binding:"required,min=0"`
	To       *int  `json:"to" binding:"required,min=0"`
}

func (h *Handler) ReorderPartition(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewBadRequest("invalid request body", err))
		return
	}
	key, err := partitionKey(c.Param("kind"), strconv.FormatInt(req.DoctorID, 10))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.engine.Reorder(c.Request.Context(), key, *req.From, *req.To); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"key": key,
	}).AtVersion(h.cache.Version()))
}

func partitionKey(kind, doctorID string) (view.Key, error) {
	k, err := view.ParseKind(kind)
	if err != nil {
		return view.Key{}, apperrors.NewBadRequest(err.Error(), err)
	}
	if k != view.KindDoctor {
		return view.Key{Kind: k}, nil
	}
	id, err := strconv.ParseInt(doctorID, 10, 64)
	if err != nil || id <= 0 {
		return view.Key{}, apperrors.NewBadRequest("doctor partitions need a doctor_id", err)
	}
	return view.Doctor(id), nil
}
