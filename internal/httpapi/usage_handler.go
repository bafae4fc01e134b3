package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"token_budget/internal/budget"
	"token_budget/internal/models"
	"token_budget/internal/storage"
	"token_budget/internal/utils"
)

// UsageHandler exposes the usage ledger for dashboards: window totals,
// a daily series, per-model shares and raw activity.
type UsageHandler struct {
	engine  *budget.Service
	budgets BudgetAdminStore
	reports UsageReportStore
}

// NewUsageHandler creates a new usage reporting handler
func NewUsageHandler(engine *budget.Service, budgets BudgetAdminStore, reports UsageReportStore) *UsageHandler {
	return &UsageHandler{engine: engine, budgets: budgets, reports: reports}
}

// UsageSummaryResponse combines the live budget status with settled
// totals for the same window.
type UsageSummaryResponse struct {
	Status *models.BudgetStatus `json:"status"`
	Totals *models.UsageTotals  `json:"totals"`
	Start  int64                `json:"start"`
	End    int64                `json:"end"`
}

// window resolves the reporting range for a user: explicit start/end
// query parameters win, otherwise the user's current month window (UTC
// month for users without a budget row).
func (h *UsageHandler) window(r *http.Request, userID string) (start, end int64, tzName string, err error) {
	budgetRow, err := h.budgets.GetByUserID(r.Context(), userID)
	if err != nil && !errors.Is(err, storage.ErrBudgetNotFound) {
		return 0, 0, "", err
	}
	if budgetRow != nil {
		tzName = budgetRow.TimezoneName()
	}

	win := budget.GetMonthWindow(time.Now(), tzName)
	start, end = win.Start, win.ResetAt

	query := r.URL.Query()
	if s := query.Get("start"); s != "" {
		if v, parseErr := strconv.ParseInt(s, 10, 64); parseErr == nil {
			start = v
		}
	}
	if e := query.Get("end"); e != "" {
		if v, parseErr := strconv.ParseInt(e, 10, 64); parseErr == nil {
			end = v
		}
	}
	return start, end, tzName, nil
}

// Summary handles GET /api/usage/summary?user_id=...
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	start, end, _, err := h.window(r, userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to resolve reporting window")
		return
	}

	status, err := h.engine.GetStatus(r.Context(), userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load budget status")
		return
	}

	totals, err := h.reports.WindowTotals(r.Context(), userID, start, end)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load usage totals")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, UsageSummaryResponse{
		Status: status,
		Totals: totals,
		Start:  start,
		End:    end,
	})
}

// Series handles GET /api/usage/series?user_id=... - daily settled usage
func (h *UsageHandler) Series(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	start, end, tzName, err := h.window(r, userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to resolve reporting window")
		return
	}

	points, err := h.reports.DailySeries(r.Context(), userID, start, end, tzName)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load usage series")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items": points,
		"start": start,
		"end":   end,
	})
}

// Models handles GET /api/usage/models?user_id=... - per-model usage share
func (h *UsageHandler) Models(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	start, end, _, err := h.window(r, userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to resolve reporting window")
		return
	}

	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, parseErr := strconv.Atoi(limitStr); parseErr == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	breakdown, err := h.reports.ModelBreakdown(r.Context(), userID, start, end, limit)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load model breakdown")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items": breakdown,
		"start": start,
		"end":   end,
	})
}

// Activity handles GET /api/usage/activity?user_id=... - raw usage events
func (h *UsageHandler) Activity(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	start, end, _, err := h.window(r, userID)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to resolve reporting window")
		return
	}

	query := r.URL.Query()
	page := 1
	if pageStr := query.Get("page"); pageStr != "" {
		if p, parseErr := strconv.Atoi(pageStr); parseErr == nil && p > 0 {
			page = p
		}
	}
	pageSize := 20
	if pageSizeStr := query.Get("page_size"); pageSizeStr != "" {
		if ps, parseErr := strconv.Atoi(pageSizeStr); parseErr == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}

	events, total, err := h.reports.Activity(r.Context(), userID, start, end, pageSize, (page-1)*pageSize)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load usage activity")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       events,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
	})
}
