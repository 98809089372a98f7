package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/id"
	"github.com/stackmesh/conveyor/job"
)

// Handler serves the admin HTTP API.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler builds the admin router.
//
//	GET    /healthz
//	GET    /queues
//	POST   /queues/{name}/pause
//	POST   /queues/{name}/resume
//	POST   /queues/{name}/retry
//	POST   /queues/{name}/clean?status=completed&older_than=24h
//	GET    /jobs?queue=&status=&limit=&offset=
//	POST   /jobs
//	GET    /jobs/{id}
//	DELETE /jobs/{id}
//	GET    /schedules
//	DELETE /schedules/{name}
//	GET    /workers
func NewHandler(svc *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", h.health)

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", h.listQueues)
		r.Post("/{name}/pause", h.pauseQueue)
		r.Post("/{name}/resume", h.resumeQueue)
		r.Post("/{name}/retry", h.retryFailed)
		r.Post("/{name}/clean", h.cleanQueue)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.addJob)
		r.Get("/{id}", h.getJob)
		r.Delete("/{id}", h.removeJob)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.listSchedules)
		r.Delete("/{name}", h.unschedule)
	})

	r.Get("/workers", h.listWorkers)
	return r
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode error", slog.String("error", err.Error()))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conveyor.ErrNoStore) || errors.Is(err, conveyor.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, conveyor.ErrJobNotFound),
		errors.Is(err, conveyor.ErrQueueNotFound),
		errors.Is(err, conveyor.ErrScheduleNotFound),
		errors.Is(err, conveyor.ErrWorkerNotFound):
		status = http.StatusNotFound
	}
	h.respond(w, status, errorBody{Error: err.Error()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	status := http.StatusOK
	if !report.Connected {
		status = http.StatusServiceUnavailable
	}
	h.respond(w, status, report)
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.ListQueues(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, infos)
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pause(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Resume(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type countBody struct {
	Count int64 `json:"count"`
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, countBody{Count: n})
}

func (h *Handler) cleanQueue(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = job.StatusCompleted
	}
	if !status.Terminal() {
		h.respond(w, http.StatusBadRequest, errorBody{Error: "status must be completed or failed"})
		return
	}

	olderThan := 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			h.respond(w, http.StatusBadRequest, errorBody{Error: "invalid older_than duration"})
			return
		}
		olderThan = d
	}

	n, err := h.svc.Clean(r.Context(), chi.URLParam(r, "name"), status, olderThan)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, countBody{Count: n})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOpts{Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	jobs, err := h.svc.ListJobs(r.Context(), q.Get("queue"), job.Status(q.Get("status")), opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	h.respond(w, http.StatusOK, jobs)
}

func (h *Handler) addJob(w http.ResponseWriter, r *http.Request) {
	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if req.Type == "" {
		h.respond(w, http.StatusBadRequest, errorBody{Error: "type is required"})
		return
	}

	j, err := h.svc.AddJob(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if j == nil {
		h.respondError(w, conveyor.ErrNoStore)
		return
	}
	h.respond(w, http.StatusCreated, j)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, http.StatusBadRequest, errorBody{Error: "invalid job id"})
		return
	}
	j, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, j)
}

func (h *Handler) removeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, http.StatusBadRequest, errorBody{Error: "invalid job id"})
		return
	}
	if err := h.svc.RemoveJob(r.Context(), jobID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListScheduled(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, entries)
}

func (h *Handler) unschedule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unschedule(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.svc.ListWorkers(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, workers)
}
