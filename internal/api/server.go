package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"announcement-dispatcher/internal/broadcast"
	"announcement-dispatcher/internal/logger"
	"announcement-dispatcher/internal/models"
	"announcement-dispatcher/internal/ratelimit"
	"announcement-dispatcher/internal/store"
	"announcement-dispatcher/internal/telemetry"
)

// DLQReader exposes dead-lettered task ids.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles send and resend per operator.
type Limiter interface {
	Allow(ctx context.Context, scope string) (ratelimit.Decision, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	svc     *broadcast.Service
	dlq     DLQReader
	limiter Limiter
	health  Pinger
	log     zerolog.Logger
}

// New constructs the API server. limiter and health may be nil.
func New(svc *broadcast.Service, dlq DLQReader, limiter Limiter, health Pinger, log zerolog.Logger) *Server {
	return &Server{svc: svc, dlq: dlq, limiter: limiter, health: health, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/announcements", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Patch("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Post("/send", s.handleSend)
			r.Post("/resend", s.handleResend)
			r.Get("/recipients", s.handleRecipients)
			r.Get("/audit", s.handleAudit)
		})
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	Priority       string     `json:"priority"`
	Channel        string     `json:"channel"`
	TargetAudience string     `json:"target_audience"`
	TenantIDs      []string   `json:"tenant_ids"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	aud, err := models.ParseAudience(req.TargetAudience, req.TenantIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Create(r.Context(), broadcast.CreateParams{
		Title:       req.Title,
		Body:        req.Body,
		Priority:    priority,
		Channel:     req.Channel,
		Audience:    aud,
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   operatorFromRequest(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f store.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Status = &st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, &models.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		f.Limit = n
	}
	items, err := s.svc.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateRequest struct {
	Title          *string    `json:"title"`
	Body           *string    `json:"body"`
	Priority       *string    `json:"priority"`
	Channel        *string    `json:"channel"`
	TargetAudience *string    `json:"target_audience"`
	TenantIDs      []string   `json:"tenant_ids"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	ClearSchedule  bool       `json:"clear_schedule"`
}

func (req updateRequest) params() (broadcast.UpdateParams, error) {
	p := broadcast.UpdateParams{
		Title:         req.Title,
		Body:          req.Body,
		Channel:       req.Channel,
		ScheduledAt:   req.ScheduledAt,
		ClearSchedule: req.ClearSchedule,
	}
	if req.ClearSchedule && req.ScheduledAt != nil {
		return p, &models.ValidationError{Field: "scheduled_at", Reason: "cannot be set together with clear_schedule"}
	}
	if req.Priority != nil {
		pr, err := models.ParsePriority(*req.Priority)
		if err != nil {
			return p, err
		}
		p.Priority = &pr
	}
	switch {
	case req.TargetAudience != nil:
		aud, err := models.ParseAudience(*req.TargetAudience, req.TenantIDs)
		if err != nil {
			return p, err
		}
		p.Audience = aud
	case req.TenantIDs != nil:
		return p, &models.ValidationError{Field: "tenant_ids", Reason: "requires target_audience"}
	}
	return p, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := req.params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	a, err := s.svc.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	a, err := s.svc.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	var status *models.DeliveryStatus
	if v := r.URL.Query().Get("status"); v != "" {
		ds, err := models.ParseDeliveryStatus(v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status = &ds
	}
	items, err := s.svc.ListRecipients(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDLQ returns the DLQ contents. Task ids read "<recipient id>:<generation>".
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.fail(w, r, fmt.Errorf("read dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// allow applies the per-operator token bucket to run-starting requests.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), "operator:"+operatorFromRequest(r))
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("rate limiter unavailable")
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		secs := int(d.RetryAfter.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

// fail maps domain errors onto status codes. Internal errors are logged, not echoed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
