package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/engine"
	"github.com/jwalitptl/chairqueue/internal/handler"
	"github.com/jwalitptl/chairqueue/internal/handler/queue"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/remote"
	"github.com/jwalitptl/chairqueue/internal/repository/memory"
	"github.com/jwalitptl/chairqueue/internal/signal"
	"github.com/jwalitptl/chairqueue/internal/view"
	brokermem "github.com/jwalitptl/chairqueue/pkg/messaging/memory"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
)

type fixture struct {
	store  *memory.Store
	cache  *cache.Cache
	router *Router
}

func newFixture(t *testing.T, cfg RouterConfig, ready handler.ReadyFunc) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.PutDoctors(&model.Doctor{ID: 1, Name: "Kim"})
	store.Put(
		&model.Patient{ID: 1, Name: "A", Status: model.PatientStatusWaiting},
		&model.Patient{ID: 2, Name: "B", Status: model.PatientStatusTreating, DoctorID: model.Int64(1), ChairNumber: model.Int(3), DisplayOrder: 0},
		&model.Patient{ID: 3, Name: "C", Status: model.PatientStatusTreating, DoctorID: model.Int64(1), ChairNumber: model.Int(4), DisplayOrder: 1},
		&model.Patient{ID: 4, Name: "D", Status: model.PatientStatusWaiting, IsRecoveryRoom: true},
	)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "chairqueue")
	adapter := remote.NewAdapter(store, brokermem.NewBroker(), remote.Options{Metrics: m})
	require.NoError(t, adapter.Connect(context.Background()))
	t.Cleanup(func() { _ = adapter.Disconnect() })

	c := cache.New()
	patients, err := adapter.QueryPatients(context.Background(), model.PatientFilter{Statuses: model.ActiveStatuses})
	require.NoError(t, err)
	doctors, err := adapter.QueryDoctors(context.Background())
	require.NoError(t, err)
	c.ReplaceAll(patients, doctors)

	eng := engine.New(c, adapter, engine.Config{}, m, nil)
	calls := signal.New(adapter, c, signal.Config{Enabled: true, Cooldown: time.Minute}, m, nil)

	cfg.Registerer = reg
	r := NewRouter(handler.NewHandler(ready, reg), queue.NewHandler(eng, c, calls, view.Options{}, nil), nil, cfg)
	r.Setup()
	return &fixture{store: store, cache: c, router: r}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.Engine().ServeHTTP(w, req)
	return w
}

type tabsEnvelope struct {
	Status string             `json:"status"`
	Data   queue.TabsResponse `json:"data"`
}

func TestListTabs(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	w := f.do(http.MethodGet, "/api/v1/tabs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var env tabsEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "success", env.Status)
	require.Len(t, env.Data.Tabs, 3)
	assert.Equal(t, view.Unassigned(), env.Data.Tabs[0].Key)
	assert.Equal(t, view.Doctor(1), env.Data.Tabs[1].Key)
	assert.Equal(t, "Kim", env.Data.Tabs[1].Title)
	assert.Equal(t, 2, env.Data.Tabs[1].Count)
	assert.Equal(t, view.Recovery(), env.Data.Tabs[2].Key)
}

func TestGetPartition(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	w := f.do(http.MethodGet, "/api/v1/partitions/doctor?doctor_id=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data struct {
			Patients []*model.Patient `json:"patients"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data.Patients, 2)
	assert.Equal(t, int64(2), env.Data.Patients[0].ID)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/partitions/staff", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/partitions/doctor", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/partitions/lobby", "").Code)
}

func TestPatientActions(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	w := f.do(http.MethodPost, "/api/v1/patients/1/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PatientStatusTreating, f.store.Get(1).Status)

	w = f.do(http.MethodPost, "/api/v1/patients/2/chair", `{"chair": 7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 7, *f.store.Get(2).ChairNumber)

	w = f.do(http.MethodPost, "/api/v1/patients/4/unrecovery", `{"status": "waiting"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, f.store.Get(4).IsRecoveryRoom)
}

func TestPatientActionErrors(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"action not offered for partition", "/api/v1/patients/4/call", "", http.StatusConflict},
		{"unknown patient", "/api/v1/patients/99/start", "", http.StatusNotFound},
		{"unknown action", "/api/v1/patients/1/dance", "", http.StatusBadRequest},
		{"reorder is not a card action", "/api/v1/patients/1/reorder", "", http.StatusBadRequest},
		{"bad id", "/api/v1/patients/x/start", "", http.StatusBadRequest},
		{"chair out of range", "/api/v1/patients/2/chair", `{"chair": 30}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/patients/2/chair", `{"chair":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, f.store.Writes())
}

func TestDoctorLocationAndOffice(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/patients/2/location", "").Code)
	require.NotNil(t, f.store.Get(2).CurrentDoctorLocation)
	assert.Equal(t, int64(1), *f.store.Get(2).CurrentDoctorLocation)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/doctors/1/office", "").Code)
	assert.Nil(t, f.store.Get(2).CurrentDoctorLocation)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/doctors/x/office", "").Code)
}

func TestCallDoctorCooldown(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/patients/2/call", "").Code)
	w := f.do(http.MethodPost, "/api/v1/patients/2/call", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "cooldown")
}

func TestReorderPartition(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)

	w := f.do(http.MethodPost, "/api/v1/partitions/doctor/reorder", `{"doctor_id": 1, "from": 1, "to": 0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, f.store.Get(3).DisplayOrder)
	assert.Equal(t, 1, f.store.Get(2).DisplayOrder)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/partitions/doctor/reorder", `{"from": 1, "to": 0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/partitions/staff/reorder", `{"to": 0}`).Code)
}

func TestMutationRateLimit(t *testing.T) {
	f := newFixture(t, RouterConfig{MutationRate: rate.Every(time.Hour), MutationBurst: 1}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/patients/1/start", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/v1/patients/2/staff", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/tabs", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	notReady := errors.New("no snapshot applied yet")
	f := newFixture(t, RouterConfig{}, func(context.Context) error { return notReady })

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), notReady.Error())
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "").Code)

	ready := newFixture(t, RouterConfig{}, nil)
	assert.Equal(t, http.StatusOK, ready.do(http.MethodGet, "/health", "").Code)

	w = ready.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chairqueue_http_requests_total")
	assert.Contains(t, w.Body.String(), "chairqueue_remote_operations_total")
}

func TestStreamTabs(t *testing.T) {
	f := newFixture(t, RouterConfig{}, nil)
	srv := httptest.NewServer(f.router.Engine())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/tabs", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first queue.TabsResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.Len(t, first.Tabs, 3)

	f.do(http.MethodPost, "/api/v1/patients/2/staff", "")

	for {
		var next queue.TabsResponse
		require.NoError(t, conn.ReadJSON(&next))
		if next.Version > first.Version {
			require.Len(t, next.Tabs, 4)
			assert.Equal(t, view.Staff(), next.Tabs[2].Key)
			return
		}
	}
}
