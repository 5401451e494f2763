// Package httpapi exposes the admin surface of broadcastd over HTTP:
// schedule management, recent operator notifications and a server-sent
// event stream of bus events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/notifier"
	rtsup "broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// ScheduleStore is the part of storage.Store the API manages.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, in storage.ScheduleInput) (storage.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (storage.Schedule, error)
	ListSchedules(ctx context.Context, limit int) ([]storage.Schedule, error)
	UpdateSchedule(ctx context.Context, id int64, in storage.ScheduleInput) (storage.Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error
	CountOutbox(ctx context.Context, scheduleID int64) (int, error)
}

type Validator interface {
	Validate(src string) error
}

type NotificationSource interface {
	Recent(n int) []notifier.Notification
}

type ChangeNotifier interface {
	NotifyChanged() bool
}

// TaskSource reports the daemon's supervised goroutines.
type TaskSource interface {
	Snapshot() []rtsup.TaskStats
}

// Deps wires the API. Nil members disable the endpoints that need them.
type Deps struct {
	Store         ScheduleStore
	Validator     Validator
	Notifications NotificationSource
	Changes       ChangeNotifier
	Bus           eventbus.Bus
	Tasks         TaskSource
	Log           logx.Logger
}

type API struct {
	d   Deps
	log logx.Logger
}

func NewAPI(d Deps) *API {
	return &API{d: d, log: d.Log}
}

// Routes builds the chi router for every admin endpoint.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, a.requestLog, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/", a.listSchedules)
			r.Post("/", a.createSchedule)
			r.Get("/{id}", a.getSchedule)
			r.Put("/{id}", a.updateSchedule)
			r.Delete("/{id}", a.deleteSchedule)
		})
		r.Get("/notifications", a.listNotifications)
		r.Get("/events", a.streamEvents)
		r.Get("/tasks", a.listTasks)
	})
	return r
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// scheduleView is a schedule plus its remaining outbox size.
type scheduleView struct {
	storage.Schedule
	Pending int `json:"pending"`
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}
	list, err := a.d.Store.ListSchedules(r.Context(), limit)
	if err != nil {
		a.fail(w, "list schedules", err)
		return
	}
	if list == nil {
		list = []storage.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	sc, err := a.d.Store.GetSchedule(r.Context(), id)
	if err != nil {
		a.fail(w, "get schedule", err)
		return
	}
	v := scheduleView{Schedule: sc}
	if sc.Outboxed {
		if v.Pending, err = a.d.Store.CountOutbox(r.Context(), id); err != nil {
			a.fail(w, "count outbox", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	in, ok := a.decodeInput(w, r)
	if !ok {
		return
	}
	sc, err := a.d.Store.CreateSchedule(r.Context(), in)
	if err != nil {
		a.fail(w, "create schedule", err)
		return
	}
	a.log.Info(fmt.Sprintf("Created broadcast #%d", sc.ID), logx.Schedule(sc.ID), logx.String("type", string(sc.Type)))
	a.changed()
	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	in, ok := a.decodeInput(w, r)
	if !ok {
		return
	}
	sc, err := a.d.Store.UpdateSchedule(r.Context(), id, in)
	if err != nil {
		a.fail(w, "update schedule", err)
		return
	}
	a.changed()
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	if err := a.d.Store.DeleteSchedule(r.Context(), id); err != nil {
		a.fail(w, "delete schedule", err)
		return
	}
	a.log.Info(fmt.Sprintf("Deleted broadcast #%d", id), logx.Schedule(id))
	a.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	n := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		n = v
	}
	out := []notifier.Notification{}
	if a.d.Notifications != nil {
		if recent := a.d.Notifications.Recent(n); recent != nil {
			out = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (a *API) listTasks(w http.ResponseWriter, _ *http.Request) {
	out := []rtsup.TaskStats{}
	if a.d.Tasks != nil {
		out = append(out, a.d.Tasks.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// decodeInput reads a ScheduleInput and checks that every filter, and a
// script body, compiles.
func (a *API) decodeInput(w http.ResponseWriter, r *http.Request) (storage.ScheduleInput, bool) {
	var in storage.ScheduleInput
	if a.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return in, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return in, false
	}
	if err := in.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return in, false
	}
	if a.d.Validator == nil {
		return in, true
	}
	for i, src := range in.Filters {
		if err := a.d.Validator.Validate(src); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("filters[%d]: %w", i, err))
			return in, false
		}
	}
	if in.Type == storage.TypeScript {
		if err := a.d.Validator.Validate(in.Text); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("text: %w", err))
			return in, false
		}
	}
	return in, true
}

func (a *API) changed() {
	if a.d.Changes != nil {
		a.d.Changes.NotifyChanged()
	}
}

func (a *API) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error(op+" failed", logx.Err(err))
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrOutboxed):
		return http.StatusConflict
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid schedule id"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
