package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"token_budget/internal/budget"
	"token_budget/internal/models"
	"token_budget/internal/storage"
	"token_budget/internal/utils"
)

// BudgetHandler exposes the reservation engine over HTTP.
type BudgetHandler struct {
	engine *budget.Service
}

// NewBudgetHandler creates a new budget handler
func NewBudgetHandler(engine *budget.Service) *BudgetHandler {
	return &BudgetHandler{engine: engine}
}

// ReserveRequest represents the request to place a provisional hold
type ReserveRequest struct {
	UserID         string       `json:"user_id"`
	RequestID      string       `json:"request_id"`
	EstimateTokens int64        `json:"estimate_tokens"`
	ModelID        string       `json:"model_id,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	Route          string       `json:"route,omitempty"`
	Metadata       models.JSONB `json:"metadata,omitempty"`
}

// FinalizeRequest represents the request to settle a reservation with
// true usage
type FinalizeRequest struct {
	RequestID        string       `json:"request_id"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	TotalTokens      *int64       `json:"total_tokens,omitempty"`
	Status           string       `json:"status,omitempty"`
	Metadata         models.JSONB `json:"metadata,omitempty"`
}

// ReleaseRequest represents the request to cancel a reservation
type ReleaseRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
}

// ReserveResponse wraps the outcome of a reservation. Status is null
// for unmetered users (no budget row, or budget disabled).
type ReserveResponse struct {
	Metered bool                 `json:"metered"`
	Status  *models.BudgetStatus `json:"status"`
}

// Status handles GET /api/budget/status?user_id=...
func (h *BudgetHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	status, err := h.engine.GetStatus(r.Context(), userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load budget status")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, ReserveResponse{
		Metered: status != nil,
		Status:  status,
	})
}

// Reserve handles POST /api/budget/reserve
func (h *BudgetHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.UserID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.RequestID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	status, err := h.engine.Reserve(r.Context(), budget.ReserveParams{
		UserID:         req.UserID,
		RequestID:      req.RequestID,
		EstimateTokens: req.EstimateTokens,
		ModelID:        req.ModelID,
		Provider:       req.Provider,
		Route:          req.Route,
		Metadata:       req.Metadata,
	})
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			utils.RespondWithJSON(w, http.StatusTooManyRequests, exceeded.Payload())
			return
		}
		if errors.Is(err, storage.ErrDuplicateRequestID) {
			// A concurrent retry of the same request won the insert race;
			// its reservation stands, so report the current state.
			status, err = h.engine.GetStatus(r.Context(), req.UserID)
			if err != nil {
				utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load budget status")
				return
			}
			utils.RespondWithJSON(w, http.StatusOK, ReserveResponse{Metered: status != nil, Status: status})
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to reserve tokens")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, ReserveResponse{
		Metered: status != nil,
		Status:  status,
	})
}

// Finalize handles POST /api/budget/finalize
func (h *BudgetHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.RequestID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	err := h.engine.Finalize(r.Context(), budget.FinalizeParams{
		RequestID:        req.RequestID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		Status:           req.Status,
		Metadata:         req.Metadata,
	})
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to finalize reservation")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Release handles POST /api/budget/release
func (h *BudgetHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.RequestID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	if err := h.engine.Release(r.Context(), req.RequestID, req.Status); err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to release reservation")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
