package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blockedby/groupscan/internal/database"
	"github.com/blockedby/groupscan/internal/migrator"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/repository"
	"github.com/blockedby/groupscan/internal/scanner"
	"github.com/blockedby/groupscan/internal/telegram"
)

// Jobs manages background scan jobs.
type Jobs interface {
	Start(ctx context.Context, req scanner.JobRequest) (scanner.Job, error)
	Stop(id uuid.UUID) error
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	Get(id uuid.UUID) (scanner.Job, error)
	List() []scanner.Job
}

// Scanner runs synchronous account operations.
type Scanner interface {
	SearchGroups(ctx context.Context, opts telegram.SearchOptions, ctl *telegram.ScanControl) ([]models.Group, error)
	Join(ctx context.Context, identifier string) (*models.Group, error)
	Leave(ctx context.Context, identifier string) (*models.Group, error)
}

// Groups reads persisted groups and members.
type Groups interface {
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	ListGroups(ctx context.Context, limit, offset int) ([]models.Group, error)
	ListMembers(ctx context.Context, groupID int64, limit, offset int) ([]models.Membership, error)
}

// Stats reports per-table counters.
type Stats interface {
	Stats(ctx context.Context) ([]repository.TableStats, error)
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Account     telegram.Status        `json:"account"`
	Bot         telegram.Status        `json:"bot,omitempty"`
	Governor    telegram.GovernorStats `json:"governor"`
	RunningJobs int                    `json:"running_jobs"`

	AccountLimiter telegram.LimiterStats  `json:"account_limiter"`
	BotLimiter     *telegram.LimiterStats `json:"bot_limiter,omitempty"`

	Database *database.Health `json:"database,omitempty"`
	Schema   *migrator.Status `json:"schema,omitempty"`
}

// Handler serves the control API.
type Handler struct {
	jobs    Jobs
	scanner Scanner
	groups  Groups
	stats   Stats
	status  func(context.Context) Status
}

// NewHandler creates a handler. Nil dependencies answer 503.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		jobs:    deps.Jobs,
		scanner: deps.Scanner,
		groups:  deps.Groups,
		stats:   deps.Stats,
		status:  deps.Status,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		respondError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	respondJSON(w, http.StatusOK, h.status(r.Context()))
}

// StartScan handles POST /api/v1/scans
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "scanning unavailable")
		return
	}

	var req scanner.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, scanner.ErrTooManyJobs) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// ListScans handles GET /api/v1/scans
func (h *Handler) ListScans(w http.ResponseWriter, _ *http.Request) {
	if h.jobs == nil {
		respondJSON(w, http.StatusOK, []scanner.Job{})
		return
	}
	respondJSON(w, http.StatusOK, h.jobs.List())
}

// GetScan handles GET /api/v1/scans/{id}
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.Get(id)
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// StopScan handles DELETE /api/v1/scans/{id}
func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, Jobs.Stop, "stopping")
}

// PauseScan handles POST /api/v1/scans/{id}/pause
func (h *Handler) PauseScan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, Jobs.Pause, "paused")
}

// ResumeScan handles POST /api/v1/scans/{id}/resume
func (h *Handler) ResumeScan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, Jobs.Resume, "running")
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(Jobs, uuid.UUID) error, status string) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := op(h.jobs, id); err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": status})
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "scanning unavailable")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid scan id")
		return uuid.Nil, false
	}
	return id, true
}

func respondJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scanner.ErrJobNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scanner.ErrJobFinished):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// Search handles POST /api/v1/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		respondError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}

	var opts telegram.SearchOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(opts.Keywords) == 0 {
		respondError(w, http.StatusBadRequest, "keywords are required")
		return
	}
	if err := scanner.ValidateSearch(&opts); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	groups, err := h.scanner.SearchGroups(r.Context(), opts, nil)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

// MembershipRequest is the body of join and leave.
type MembershipRequest struct {
	Group string `json:"group"`
}

// JoinGroup handles POST /api/v1/groups/join
func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, true)
}

// LeaveGroup handles POST /api/v1/groups/leave
func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, false)
}

func (h *Handler) membership(w http.ResponseWriter, r *http.Request, join bool) {
	if h.scanner == nil {
		respondError(w, http.StatusServiceUnavailable, "account unavailable")
		return
	}

	var req MembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Group == "" {
		respondError(w, http.StatusBadRequest, "group is required")
		return
	}

	op := h.scanner.Leave
	if join {
		op = h.scanner.Join
	}
	g, err := op(r.Context(), req.Group)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

// respondSessionError maps session errors onto HTTP statuses.
func respondSessionError(w http.ResponseWriter, err error) {
	if _, limited := telegram.RetryAfter(err); limited {
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	switch {
	case errors.Is(err, telegram.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, telegram.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, telegram.ErrAuthRequired), errors.Is(err, scanner.ErrNoSession):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// ListGroups handles GET /api/v1/groups?limit=&offset=
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	limit, offset := paging(r)
	groups, err := h.groups.ListGroups(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

// ListMembers handles GET /api/v1/groups/{id}/members?limit=&offset=
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	g, err := h.groups.GetGroup(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if g == nil {
		respondError(w, http.StatusNotFound, "group not found")
		return
	}

	limit, offset := paging(r)
	members, err := h.groups.ListMembers(r.Context(), id, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"group":   g,
		"members": members,
	})
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func paging(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
