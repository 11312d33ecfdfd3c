// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/quartermaster-app/quartermaster/internal/connectivity"
	"github.com/quartermaster-app/quartermaster/internal/models"
	"github.com/quartermaster-app/quartermaster/internal/queue"
	"github.com/quartermaster-app/quartermaster/internal/scheduler"
	"github.com/quartermaster-app/quartermaster/internal/session"
	"github.com/quartermaster-app/quartermaster/internal/validation"
)

// Handler carries the dependencies of the HTTP surface.
type Handler struct {
	registry *queue.Registry
	sched    *scheduler.Scheduler
	prober   *connectivity.Prober
	session  *session.Manager
}

// NewHandler creates the API handler.
func NewHandler(registry *queue.Registry, sched *scheduler.Scheduler, prober *connectivity.Prober, sess *session.Manager) *Handler {
	return &Handler{
		registry: registry,
		sched:    sched,
		prober:   prober,
		session:  sess,
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady reports readiness: the daemon is ready when its queues are
// loadable, online or not.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q != nil {
		if _, err := q.Status(r.Context()); err != nil {
			rw.ServiceUnavailable("operation store not ready")
			return
		}
	}
	rw.Success(map[string]interface{}{
		"status": "ready",
		"online": h.prober.IsOnline(),
	})
}

// SyncStatus reports queue depth and failure state for the active account.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Success(queue.Status{})
		return
	}
	st, err := q.Status(r.Context())
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(st)
}

// processResponse is the body of a drain request.
type processResponse struct {
	Processed int  `json:"processed"`
	Pending   int  `json:"pending"`
	Ran       bool `json:"ran"`
	Online    bool `json:"online"`
}

// ProcessSync triggers a drain of the active account's queue.
func (h *Handler) ProcessSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Unauthorized("no active account")
		return
	}
	if !h.sched.TriggerNow() {
		// The scheduler is already draining or throttling; report the
		// current pending count rather than failing the request.
		st, err := q.Status(r.Context())
		if err != nil {
			rw.InternalError(err.Error())
			return
		}
		rw.Success(processResponse{Pending: st.Pending + st.Paused, Online: h.prober.IsOnline()})
		return
	}

	res, err := q.ProcessQueue(r.Context())
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(processResponse{
		Processed: res.Processed,
		Pending:   res.Pending,
		Ran:       res.Ran,
		Online:    h.prober.IsOnline(),
	})
}

// PausedOperations lists operations parked for intervention.
func (h *Handler) PausedOperations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Success([]queue.PausedOperation{})
		return
	}
	paused, err := q.PausedOperations(r.Context())
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	if paused == nil {
		paused = []queue.PausedOperation{}
	}
	rw.Success(paused)
}

// enqueueRequest is the body of an enqueue call.
type enqueueRequest struct {
	Type      string          `json:"type" validate:"required,optype"`
	Data      json.RawMessage `json:"data" validate:"required"`
	AccountID string          `json:"accountId" validate:"omitempty,uuid"`
	UpdatedBy string          `json:"updatedBy"`
	Version   int64           `json:"version" validate:"gte=0"`
}

// Enqueue queues a new operation.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ErrorWithDetails(http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	opType := models.OperationType(req.Type)
	payload, err := models.NewPayload(opType, req.Data)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	q, err := h.queueFor(req.AccountID)
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	if q == nil {
		rw.Unauthorized("no account to enqueue for")
		return
	}

	id, err := q.Enqueue(r.Context(), queue.Input{
		Type: opType,
		Data: payload,
		Meta: &queue.Metadata{
			AccountID: req.AccountID,
			UpdatedBy: req.UpdatedBy,
			Version:   req.Version,
		},
	})
	if err != nil {
		var oce *queue.OfflineContextError
		if errors.As(err, &oce) {
			rw.Error(http.StatusConflict, ErrCodeOfflineContext, oce.Reason)
			return
		}
		rw.BadRequest(err.Error())
		return
	}
	rw.Created(map[string]string{"operationId": id})
}

// CancelOperation removes a queued operation by id.
func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Unauthorized("no active account")
		return
	}
	opID := chi.URLParam(r, "id")
	if err := q.CancelOperation(r.Context(), opID); err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			rw.NotFound("operation not found")
			return
		}
		rw.InternalError(err.Error())
		return
	}
	rw.NoContent()
}

// discardRequest names the item whose local edits should be abandoned.
type discardRequest struct {
	ItemID string `json:"itemId" validate:"required"`
}

// DiscardItem abandons all queued edits for an item.
func (h *Handler) DiscardItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Unauthorized("no active account")
		return
	}

	var req discardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ErrorWithDetails(http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	if err := q.DiscardItem(r.Context(), req.ItemID); err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.NoContent()
}

// RecreateItem converts a paused update into a create for a row deleted
// remotely.
func (h *Handler) RecreateItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := h.registry.Current()
	if q == nil {
		rw.Unauthorized("no active account")
		return
	}
	opID := chi.URLParam(r, "id")
	if err := q.RecreateItem(r.Context(), opID); err != nil {
		switch {
		case errors.Is(err, queue.ErrOperationNotFound):
			rw.NotFound("operation not found")
		case errors.Is(err, queue.ErrNotPaused), errors.Is(err, queue.ErrNotUpdateItem):
			rw.Conflict(err.Error())
		default:
			rw.InternalError(err.Error())
		}
		return
	}
	rw.NoContent()
}

// Connectivity reports the current online state, optionally forcing an
// immediate probe with ?check=1.
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	online := h.prober.IsOnline()
	if r.URL.Query().Get("check") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		online = h.prober.CheckNow(ctx)
	}
	rw.Success(map[string]interface{}{
		"online": online,
		"at":     time.Now().UTC(),
	})
}

// queueFor resolves the queue for an explicit account override, falling
// back to the active session's account.
func (h *Handler) queueFor(accountID string) (*queue.Queue, error) {
	if accountID != "" {
		return h.registry.ForAccount(accountID)
	}
	return h.registry.Current(), nil
}
