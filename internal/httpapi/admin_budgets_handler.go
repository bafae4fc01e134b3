package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"token_budget/internal/models"
	"token_budget/internal/storage"
	"token_budget/internal/utils"
)

// AdminBudgetsHandler handles budget management endpoints
type AdminBudgetsHandler struct {
	budgets BudgetAdminStore
}

// NewAdminBudgetsHandler creates a new admin budgets handler
func NewAdminBudgetsHandler(budgets BudgetAdminStore) *AdminBudgetsHandler {
	return &AdminBudgetsHandler{budgets: budgets}
}

// UpsertBudgetRequest represents the request to create or replace a budget
type UpsertBudgetRequest struct {
	LimitTokens int64   `json:"limit_tokens"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
	CreatedBy   string  `json:"created_by,omitempty"`
}

// BudgetResponse represents a budget in admin responses
type BudgetResponse struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	WindowType  string  `json:"window_type"`
	Timezone    *string `json:"timezone,omitempty"`
	LimitTokens int64   `json:"limit_tokens"`
	Enabled     bool    `json:"enabled"`
	CreatedBy   string  `json:"created_by,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func budgetResponse(b *models.TokenBudget) *BudgetResponse {
	return &BudgetResponse{
		ID:          b.ID.String(),
		UserID:      b.UserID,
		WindowType:  string(b.WindowType),
		Timezone:    b.Timezone,
		LimitTokens: b.LimitTokens,
		Enabled:     b.Enabled,
		CreatedBy:   b.CreatedBy,
		CreatedAt:   time.Unix(b.CreatedAt, 0).UTC().Format(time.RFC3339),
		UpdatedAt:   time.Unix(b.UpdatedAt, 0).UTC().Format(time.RFC3339),
	}
}

// Upsert handles PUT /admin/budgets/{user_id} - Create or replace a user's budget
func (h *AdminBudgetsHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	var req UpsertBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if req.LimitTokens < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "limit_tokens must not be negative")
		return
	}
	if req.Timezone != nil && *req.Timezone != "" {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Unknown timezone")
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	budget := &models.TokenBudget{
		UserID:      userID,
		WindowType:  models.WindowMonthly,
		Timezone:    req.Timezone,
		LimitTokens: req.LimitTokens,
		Enabled:     enabled,
		CreatedBy:   req.CreatedBy,
	}

	if err := h.budgets.Upsert(r.Context(), budget); err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to save budget")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, budgetResponse(budget))
}

// Get handles GET /admin/budgets/{user_id} - Get a user's budget
func (h *AdminBudgetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	budget, err := h.budgets.GetByUserID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrBudgetNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Budget not found")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load budget")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, budgetResponse(budget))
}

// List handles GET /admin/budgets - List configured budgets
func (h *AdminBudgetsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := 1
	if pageStr := query.Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	pageSize := 50
	if pageSizeStr := query.Get("page_size"); pageSizeStr != "" {
		if ps, err := strconv.Atoi(pageSizeStr); err == nil && ps > 0 && ps <= 200 {
			pageSize = ps
		}
	}

	budgets, err := h.budgets.List(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list budgets")
		return
	}

	responses := make([]*BudgetResponse, 0, len(budgets))
	for _, b := range budgets {
		responses = append(responses, budgetResponse(b))
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":     responses,
		"page":      page,
		"page_size": pageSize,
	})
}
