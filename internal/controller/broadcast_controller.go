package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/broadcast-dispatch/internal/crm"
	"github.com/unclebandit/broadcast-dispatch/internal/httputil"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/service"
)

// BroadcastController serves the endpoints that change broadcasts.
type BroadcastController struct {
	BroadcastService *service.BroadcastService
	CRM              *crm.SyncService
	// Kick asks the scheduler for an early tick after a state change. Optional.
	Kick func()
}

// Register mounts the controller routes.
func (c *BroadcastController) Register(r chi.Router) {
	r.Post("/broadcasts", c.CreateBroadcast)
	r.Post("/broadcasts/schedule", c.ScheduleBroadcast)
	r.Post("/broadcasts/preview", c.Preview)
	r.Post("/broadcasts/check-duplicates", c.CheckDuplicates)
	r.Post("/broadcasts/check-chatwoot-contacts", c.CheckChatwootContacts)
	r.Post("/broadcasts/create-chatwoot-contacts", c.CreateChatwootContacts)
	r.Post("/broadcasts/{id}/pause", c.Pause)
	r.Post("/broadcasts/{id}/resume", c.Resume)
	r.Post("/broadcasts/{id}/cancel", c.Cancel)
	r.Post("/broadcasts/{id}/retry-failed", c.RetryFailed)
	r.Delete("/broadcasts/{id}", c.DeleteBroadcast)
}

func (c *BroadcastController) kick() {
	if c.Kick != nil {
		c.Kick()
	}
}

func (c *BroadcastController) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var body service.CreateInput
	if !httputil.Decode(w, r, &body) {
		return
	}
	c.create(w, r, body)
}

// ScheduleBroadcast is CreateBroadcast with a mandatory scheduled_at.
func (c *BroadcastController) ScheduleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body service.CreateInput
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.ScheduledAt == nil {
		httputil.JSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "scheduled_at: is required", Code: "validation",
			Details: map[string]string{"field": "scheduled_at"},
		})
		return
	}
	c.create(w, r, body)
}

func (c *BroadcastController) create(w http.ResponseWriter, r *http.Request, in service.CreateInput) {
	res, err := c.BroadcastService.Create(r.Context(), in)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	c.kick()
	httputil.Created(w, res)
}

func (c *BroadcastController) Preview(w http.ResponseWriter, r *http.Request) {
	var body service.CreateInput
	if !httputil.Decode(w, r, &body) {
		return
	}
	res, err := c.BroadcastService.Preview(r.Context(), body)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (c *BroadcastController) CheckDuplicates(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string   `json:"name"`
		Phones []string `json:"phones"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	report, err := c.BroadcastService.CheckDuplicates(r.Context(), body.Name, body.Phones)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, report)
}

// ====================== Lifecycle ======================

func (c *BroadcastController) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := broadcastID(w, r)
	if !ok {
		return
	}
	b, err := c.BroadcastService.Pause(r.Context(), id)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (c *BroadcastController) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := broadcastID(w, r)
	if !ok {
		return
	}
	b, err := c.BroadcastService.Resume(r.Context(), id)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	c.kick()
	httputil.OK(w, b)
}

func (c *BroadcastController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := broadcastID(w, r)
	if !ok {
		return
	}
	b, err := c.BroadcastService.Cancel(r.Context(), id)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (c *BroadcastController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := broadcastID(w, r)
	if !ok {
		return
	}
	b, err := c.BroadcastService.RetryFailed(r.Context(), id)
	if err != nil {
		httputil.ServiceError(w, err)
		return
	}
	c.kick()
	httputil.OK(w, b)
}

func (c *BroadcastController) DeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	id, ok := broadcastID(w, r)
	if !ok {
		return
	}
	if err := c.BroadcastService.Delete(r.Context(), id); err != nil {
		httputil.ServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// ====================== CRM ======================

type contactsRequest struct {
	IntegrationID string                 `json:"integration_id"`
	Recipients    []model.RecipientInput `json:"recipients"`
	Labels        []string               `json:"labels,omitempty"`
}

func (c *BroadcastController) decodeContacts(w http.ResponseWriter, r *http.Request) (contactsRequest, bool) {
	var body contactsRequest
	if !httputil.Decode(w, r, &body) {
		return body, false
	}
	if c.CRM == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "crm_disabled", "no CRM integration is configured")
		return body, false
	}
	if body.IntegrationID == "" {
		httputil.BadRequest(w, "integration_id is required")
		return body, false
	}
	return body, true
}

func (c *BroadcastController) CheckChatwootContacts(w http.ResponseWriter, r *http.Request) {
	body, ok := c.decodeContacts(w, r)
	if !ok {
		return
	}
	res, err := c.CRM.CheckContacts(r.Context(), body.IntegrationID, body.Recipients)
	if err != nil {
		crmError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (c *BroadcastController) CreateChatwootContacts(w http.ResponseWriter, r *http.Request) {
	body, ok := c.decodeContacts(w, r)
	if !ok {
		return
	}
	res, err := c.CRM.CreateContacts(r.Context(), body.IntegrationID, body.Recipients, body.Labels)
	if err != nil {
		crmError(w, err)
		return
	}
	httputil.OK(w, res)
}

func crmError(w http.ResponseWriter, err error) {
	var unknown *crm.UnknownIntegrationError
	if errors.As(err, &unknown) {
		httputil.BadRequest(w, unknown.Error())
		return
	}
	httputil.ServiceError(w, err)
}

func broadcastID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid broadcast id")
		return 0, false
	}
	return id, true
}
