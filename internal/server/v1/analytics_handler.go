package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/internal/analytics"
	"github.com/nulzo/novel-gateway/internal/store"
	"github.com/nulzo/novel-gateway/internal/store/model"
	"github.com/nulzo/novel-gateway/pkg/api"
)

type AnalyticsHandler struct {
	service analytics.Service
}

func NewAnalyticsHandler(service analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: service,
	}
}

func (h *AnalyticsHandler) GetUsage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		_ = c.Error(api.BadRequestError("Invalid 'days' parameter", api.WithExtension("field", "days")))
		return
	}

	stats, window, err := h.service.GetUsageOverview(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to fetch usage", err))
		return
	}

	resp := api.UsageResponse{Days: window, Stats: make([]api.DailyUsage, 0, len(stats))}
	for _, s := range stats {
		resp.Stats = append(resp.Stats, api.DailyUsage{
			Date:          s.Date,
			TotalRequests: s.TotalRequests,
			Failed:        s.Failed,
			InputTokens:   s.InputTokens,
			OutputTokens:  s.OutputTokens,
			AvgLatencyMS:  s.AverageLatency,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// ListGenerations returns the most recent ledger entries.
func (h *AnalyticsHandler) ListGenerations(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		_ = c.Error(api.BadRequestError("Invalid 'limit' parameter", api.WithExtension("field", "limit")))
		return
	}

	logs, err := h.service.RecentGenerations(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to list generations", err))
		return
	}
	if logs == nil {
		logs = []model.GenerationLog{}
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}

func (h *AnalyticsHandler) GetGeneration(c *gin.Context) {
	id := c.Param("id")

	log, err := h.service.GetGeneration(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = c.Error(api.NotFoundError("Generation not found"))
			return
		}
		_ = c.Error(api.InternalError("Failed to fetch generation", err))
		return
	}

	c.JSON(http.StatusOK, log)
}
