package api

import (
	"github.com/gin-gonic/gin"

	"github.com/waghostel/medregagent/internal/queue"
	"github.com/waghostel/medregagent/pkg/resilience"
)

// StatsHandler exposes the resilience introspection endpoint
type StatsHandler struct {
	manager *resilience.ResilienceManager
	queue   *queue.RequestQueue
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(manager *resilience.ResilienceManager, q *queue.RequestQueue) *StatsHandler {
	return &StatsHandler{
		manager: manager,
		queue:   q,
	}
}

// ResilienceStatsResponse is the stats endpoint payload
type ResilienceStatsResponse struct {
	Resilience resilience.ComprehensiveStats `json:"resilience"`
	Queue      queue.Stats                   `json:"queue"`
}

// GetStats returns a point-in-time snapshot of every resilience
// sub-component plus the request queue
func (h *StatsHandler) GetStats(c *gin.Context) {
	SuccessResponse(c, ResilienceStatsResponse{
		Resilience: h.manager.GetComprehensiveStats(),
		Queue:      h.queue.Stats(),
	})
}
