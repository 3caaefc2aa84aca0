package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/pkg/response"
)

// IngestHandler receives completed provider exchanges and raw usage
// submissions from trusted forwarding front-ends.
type IngestHandler struct {
	listener  *services.ForwardListener
	collector *services.UsageCollectorService
}

func NewIngestHandler(listener *services.ForwardListener, collector *services.UsageCollectorService) *IngestHandler {
	return &IngestHandler{listener: listener, collector: collector}
}

// IngestResponse accepts one completed exchange: path, status and raw
// response body. Usage extraction and filtering happen server-side, so a
// forwarder does not need to understand provider response formats.
// POST /api/ingest/response
func (h *IngestHandler) IngestResponse(c *gin.Context) {
	var ex services.CompletedExchange
	if err := c.ShouldBindJSON(&ex); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	submitted := h.listener.OnResponseComplete(&ex)
	response.Success(c, gin.H{"submitted": submitted})
}

// IngestUsage accepts pre-extracted usage counters directly.
// POST /api/ingest/usage
func (h *IngestHandler) IngestUsage(c *gin.Context) {
	var item services.BatchItem
	if err := c.ShouldBindJSON(&item); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if item.Usage.IsEmpty() {
		response.BadRequest(c, "usage counters are all zero")
		return
	}

	submitted := h.collector.CollectUsage(item.Usage, item.AccessKeyID, item.UserID, item.Metadata)
	response.Success(c, gin.H{"submitted": submitted})
}

// IngestBatch accepts a bulk usage submission with per-item results.
// POST /api/ingest/batch
func (h *IngestHandler) IngestBatch(c *gin.Context) {
	var req struct {
		Items []services.BatchItem `json:"items" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result := h.collector.CollectBatchUsage(req.Items)
	response.Success(c, result)
}
