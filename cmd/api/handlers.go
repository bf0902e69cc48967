package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vendor-reputation-engine/internal/engine"
	"vendor-reputation-engine/internal/models"
	"vendor-reputation-engine/internal/repos"
	"vendor-reputation-engine/shared/authx"
	"vendor-reputation-engine/shared/httpx"
)

type actionResponse struct {
	ActionID        string          `json:"action_id"`
	VendorID        string          `json:"vendor_id"`
	ActionType      string          `json:"action_type"`
	Reason          string          `json:"reason"`
	TriggeredBy     string          `json:"triggered_by"`
	TriggeredByUser *string         `json:"triggered_by_user,omitempty"`
	Metrics         json.RawMessage `json:"metrics_snapshot"`
	PolicyVersion   string          `json:"policy_version,omitempty"`
	Status          string          `json:"status"`
	OverrideReason  *string         `json:"override_reason,omitempty"`
	OverrideBy      *string         `json:"override_by,omitempty"`
	OverrideAt      *time.Time      `json:"override_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// vendorActionResponse is the reduced view vendors see of their own
// actions.
type vendorActionResponse struct {
	ActionType string     `json:"action_type"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func toActionResponse(action models.EscalationAction) actionResponse {
	metrics, _ := json.Marshal(action.Metrics)
	return actionResponse{
		ActionID:        action.ActionID.String(),
		VendorID:        action.VendorID,
		ActionType:      action.ActionType,
		Reason:          action.Reason,
		TriggeredBy:     action.TriggeredBy,
		TriggeredByUser: action.TriggeredByUser,
		Metrics:         metrics,
		PolicyVersion:   action.PolicyVersion,
		Status:          action.Status,
		OverrideReason:  action.OverrideReason,
		OverrideBy:      action.OverrideBy,
		OverrideAt:      action.OverrideAt,
		ExpiresAt:       action.ExpiresAt,
		CreatedAt:       action.CreatedAt,
		UpdatedAt:       action.UpdatedAt,
	}
}

func toVendorActionResponses(actions []models.EscalationAction) []vendorActionResponse {
	out := make([]vendorActionResponse, 0, len(actions))
	for _, action := range actions {
		out = append(out, vendorActionResponse{
			ActionType: action.ActionType,
			Reason:     action.Reason,
			Status:     action.Status,
			CreatedAt:  action.CreatedAt,
			ExpiresAt:  action.ExpiresAt,
		})
	}
	return out
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, repos.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, repos.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusBadRequest, "FAILED_PRECONDITION", "action is not active or pending", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type apiHandlers struct {
	engine    *engine.Engine
	adminRole string
	runLock   func(*http.Request) (release func(), ok bool, err error)
}

func (h *apiHandlers) listVendorActions(w http.ResponseWriter, r *http.Request) {
	vendorID := strings.TrimSpace(r.PathValue("vendorID"))
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return
	}

	admin := auth.HasRole(h.adminRole)
	if !admin && auth.Subject != vendorID {
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "vendors may only list their own actions", nil)
		return
	}

	// Vendors see only their active actions; admins may request the
	// full history.
	activeOnly := true
	if admin {
		activeOnly = r.URL.Query().Get("active") == "true"
	}

	limit, offset := pageParams(r)
	actions, err := h.engine.ListVendorActions(r.Context(), vendorID, activeOnly, limit, offset)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	if admin {
		out := make([]actionResponse, 0, len(actions))
		for _, action := range actions {
			out = append(out, toActionResponse(action))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"actions": out})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"actions": toVendorActionResponses(actions)})
}

func (h *apiHandlers) orderAcceptance(w http.ResponseWriter, r *http.Request) {
	vendorID := strings.TrimSpace(r.PathValue("vendorID"))
	decision, err := h.engine.CanAcceptOrders(r.Context(), vendorID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, decision)
}

func (h *apiHandlers) listOpenEscalations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	actions, err := h.engine.ListOpenActions(r.Context(), limit, offset)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]actionResponse, 0, len(actions))
	for _, action := range actions {
		out = append(out, toActionResponse(action))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (h *apiHandlers) getEscalation(w http.ResponseWriter, r *http.Request) {
	actionID, err := uuid.Parse(strings.TrimSpace(r.PathValue("actionID")))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid action id", nil)
		return
	}
	action, err := h.engine.GetAction(r.Context(), actionID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(action))
}

func (h *apiHandlers) createEscalation(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return
	}

	var body struct {
		VendorID   string `json:"vendor_id"`
		ActionType string `json:"action_type"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	if strings.TrimSpace(body.VendorID) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "vendor_id is required", nil)
		return
	}

	action, created, err := h.engine.CreateManualAction(r.Context(), strings.TrimSpace(body.VendorID), strings.TrimSpace(body.ActionType), body.Reason, auth.Subject)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, toActionResponse(action))
}

func (h *apiHandlers) overrideEscalation(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return
	}

	actionID, err := uuid.Parse(strings.TrimSpace(r.PathValue("actionID")))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid action id", nil)
		return
	}
	var body struct {
		Reason string `json:"override_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}

	action, err := h.engine.OverrideAction(r.Context(), actionID, auth.Subject, body.Reason)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toActionResponse(action))
}

func (h *apiHandlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.engine.Policy())
}

func (h *apiHandlers) runEvaluation(w http.ResponseWriter, r *http.Request) {
	if h.runLock != nil {
		release, ok, err := h.runLock(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to acquire evaluation lock", nil)
			return
		}
		if !ok {
			httpx.WriteError(w, r, http.StatusConflict, "ALREADY_RUNNING", "an evaluation run is already in progress", nil)
			return
		}
		defer release()
	}

	summary, err := h.engine.RunEvaluation(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, "EXTERNAL_STORE_ERROR", "evaluation run failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}
