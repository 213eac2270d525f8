package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/cricket/internal/analytics"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/pkg/dto"
)

type HistoryHandler struct {
	store storage.DetectionStore
}

func NewHistoryHandler(store storage.DetectionStore) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// List returns every stored analysis, newest first.
func (h *HistoryHandler) List(c *gin.Context) {
	records, err := h.store.ListDetections(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.HistoryItem, 0, len(records))
	for _, r := range records {
		resp = append(resp, dto.HistoryItem{
			ID:        r.ID,
			ImagePath: r.ImagePath,
			Results:   r.Results,
			Timestamp: r.Timestamp,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HistoryHandler) Analytics(c *gin.Context) {
	records, err := h.store.ListDetections(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	summary := analytics.Summarize(records)
	resp := dto.AnalyticsResponse{
		TotalShots:       summary.TotalShots,
		Hits:             summary.Hits,
		HitRate:          summary.HitRate,
		ShotDistribution: make([]dto.ShotCount, 0, len(summary.ShotDistribution)),
	}
	for _, sc := range summary.ShotDistribution {
		resp.ShotDistribution = append(resp.ShotDistribution, dto.ShotCount{Name: sc.Name, Count: sc.Count})
	}
	c.JSON(http.StatusOK, resp)
}
