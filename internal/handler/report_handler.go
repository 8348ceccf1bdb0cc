package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/broadcast-dispatch/internal/httputil"
	"github.com/unclebandit/broadcast-dispatch/internal/service"
)

// ReportHandler holds the read-only broadcast endpoints.
type ReportHandler struct {
	Service *service.BroadcastService
}

func NewReportHandler(svc *service.BroadcastService) *ReportHandler {
	return &ReportHandler{Service: svc}
}

// Register mounts the handler routes.
func (h *ReportHandler) Register(r chi.Router) {
	r.Get("/broadcasts", h.ListBroadcastsHandler)
	r.Get("/broadcasts/analytics", h.AnalyticsHandler)
	r.Get("/broadcasts/{id}", h.GetBroadcastHandler)
	r.Get("/broadcasts/{id}/logs", h.LogsHandler)
}

// ListBroadcastsHandler returns a paginated list of broadcasts
func (h *ReportHandler) ListBroadcastsHandler(w http.ResponseWriter, r *http.Request) {
	page := httputil.QueryInt(r, "page", 1)
	pageSize := httputil.QueryInt(r, "page_size", 20)
	status := r.URL.Query().Get("status")

	broadcasts, pagination, err := h.Service.ListBroadcasts(r.Context(), page, pageSize, status)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}

	httputil.OK(w, map[string]interface{}{
		"data":       broadcasts,
		"pagination": pagination,
	})
}

// GetBroadcastHandler returns one broadcast with its counters
func (h *ReportHandler) GetBroadcastHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	b, err := h.Service.Get(r.Context(), id)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

// LogsHandler pages through the recipients of a broadcast
func (h *ReportHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	page := httputil.QueryInt(r, "page", 1)
	limit := httputil.QueryInt(r, "limit", 50)

	logs, pagination, err := h.Service.Logs(r.Context(), id, r.URL.Query().Get("status"), page, limit)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"data":       logs,
		"pagination": pagination,
	})
}

func (h *ReportHandler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.Analytics(r.Context())
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, a)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid broadcast id")
		return 0, false
	}
	return id, true
}
