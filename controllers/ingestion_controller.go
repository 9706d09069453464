package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umi1970/TradeMatrix-sub001/services/audit"
	"github.com/umi1970/TradeMatrix-sub001/services/pipeline"
)

// IngestionController exposes the pipeline trigger and the audit trail.
type IngestionController struct {
	runner  *pipeline.Runner
	auditor *audit.Auditor
}

// NewIngestionController creates a new ingestion controller
func NewIngestionController(runner *pipeline.Runner, auditor *audit.Auditor) *IngestionController {
	return &IngestionController{runner: runner, auditor: auditor}
}

// RunIngestionRequest is the manual trigger payload. Empty instrument IDs
// means all active instruments; empty trade date means today.
type RunIngestionRequest struct {
	InstrumentIDs []uint `json:"instrument_ids"`
	TradeDate     string `json:"trade_date"` // YYYY-MM-DD
}

// RunIngestion triggers a daily ingestion run synchronously
// POST /api/v1/ingestion/run
func (ic *IngestionController) RunIngestion(c *gin.Context) {
	var req RunIngestionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	tradeDate := time.Now().UTC()
	if req.TradeDate != "" {
		parsed, err := time.Parse("2006-01-02", req.TradeDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid trade_date, expected YYYY-MM-DD"})
			return
		}
		tradeDate = parsed
	}

	outcomes, err := ic.runner.RunDailyIngestion(c.Request.Context(), req.InstrumentIDs, tradeDate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcomes})
}

// GetRecentRuns returns the latest audit entries
// GET /api/v1/runs/recent?limit=100
func (ic *IngestionController) GetRecentRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := ic.auditor.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch run log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "count": len(entries)})
}

// GetRun returns all audit entries of one run
// GET /api/v1/runs/:run_id
func (ic *IngestionController) GetRun(c *gin.Context) {
	entries, err := ic.auditor.ListByRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch run log"})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}
