package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lunary-metrics/internal/aggregator"
	"lunary-metrics/internal/config"
	"lunary-metrics/internal/pipeline"
)

// CronHandler handles the cron trigger endpoints
type CronHandler struct {
	agg      *aggregator.Aggregator
	pipeline *pipeline.Pipeline
	config   *config.Config
	logger   *slog.Logger
}

// NewCronHandler creates a new cron handler
func NewCronHandler(agg *aggregator.Aggregator, p *pipeline.Pipeline, cfg *config.Config) *CronHandler {
	return &CronHandler{
		agg:      agg,
		pipeline: p,
		config:   cfg,
		logger:   slog.Default(),
	}
}

// authorized accepts the platform cron header or a bearer secret. The cron
// scheduler sets X-Platform-Cron itself; the bearer path is for manual
// triggers.
func (h *CronHandler) authorized(r *http.Request) bool {
	if r.Header.Get("X-Platform-Cron") == "1" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.config.CronSecret
}

// HandleBackfill handles GET /cron/backfill
// Query parameters:
//   - days: How many days back to recompute (default: 1, capped at
//     BACKFILL_MAX_DAYS)
//
// Authentication: X-Platform-Cron header or Authorization bearer secret
func (h *CronHandler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.logger.Warn("Unauthorized backfill request", "has_auth", r.Header.Get("Authorization") != "")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "unauthorized",
		})
		return
	}

	days := 1
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		parsed, err := strconv.Atoi(daysStr)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "days must be a positive integer",
			})
			return
		}
		days = parsed
	}
	if days > h.config.BackfillMaxDays {
		h.logger.Info("Clamping backfill request", "requested", days, "max", h.config.BackfillMaxDays)
		days = h.config.BackfillMaxDays
	}

	started := time.Now()
	end := started.UTC()
	start := end.AddDate(0, 0, -days)

	result, err := h.agg.Backfill(r.Context(), start, end)
	if err != nil {
		h.logger.Error("Backfill failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	response := map[string]any{
		"success":        true,
		"runId":          result.RunID,
		"backfilledDays": result.DaysProcessed,
		"duration_ms":    time.Since(started).Milliseconds(),
	}
	if len(result.Failures) > 0 {
		response["failures"] = result.Failures
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleWeekly handles GET /cron/weekly
//
// Authentication: X-Platform-Cron header or Authorization bearer secret
func (h *CronHandler) HandleWeekly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.logger.Warn("Unauthorized weekly request", "has_auth", r.Header.Get("Authorization") != "")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "unauthorized",
		})
		return
	}

	result, err := h.pipeline.RunWeekly(r.Context())
	if err != nil {
		h.logger.Error("Weekly run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":   false,
			"error":     err.Error(),
			"periodKey": result.PeriodKey,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"runId":       result.RunID,
		"periodKey":   result.PeriodKey,
		"state":       string(result.State),
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
