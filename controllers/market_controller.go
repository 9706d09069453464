package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
	"github.com/umi1970/TradeMatrix-sub001/services/instruments"
	"github.com/umi1970/TradeMatrix-sub001/services/levels"
)

// MarketController serves the read-only market data consumed by downstream
// trading-decision components.
type MarketController struct {
	registry *instruments.Registry
	bars     *barstore.Store
	levels   *levels.Calculator
}

// NewMarketController creates a new market controller
func NewMarketController(registry *instruments.Registry, bars *barstore.Store, calc *levels.Calculator) *MarketController {
	return &MarketController{registry: registry, bars: bars, levels: calc}
}

// GetInstruments returns all active instruments
// GET /api/v1/instruments
func (mc *MarketController) GetInstruments(c *gin.Context) {
	list, err := mc.registry.GetActiveInstruments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch instruments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

// GetLatestBar returns the most recent authoritative bar for a symbol
// GET /api/v1/instruments/:symbol/bars/latest
func (mc *MarketController) GetLatestBar(c *gin.Context) {
	instrument, err := mc.registry.GetBySymbol(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch instrument"})
		return
	}
	if instrument == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Instrument not found"})
		return
	}

	bar, err := mc.bars.GetLatestBar(c.Request.Context(), instrument.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bar"})
		return
	}
	if bar == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No bar stored yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": bar})
}

// GetBars returns recent bars for a symbol, newest first
// GET /api/v1/instruments/:symbol/bars?limit=30
func (mc *MarketController) GetBars(c *gin.Context) {
	instrument, err := mc.registry.GetBySymbol(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch instrument"})
		return
	}
	if instrument == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Instrument not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if limit < 1 || limit > 500 {
		limit = 30
	}

	bars, err := mc.bars.GetHistory(c.Request.Context(), instrument.ID, time.Now().UTC(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bars"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": bars, "count": len(bars)})
}

// GetLevels returns the derived levels for a symbol and date
// GET /api/v1/instruments/:symbol/levels/:date
func (mc *MarketController) GetLevels(c *gin.Context) {
	instrument, err := mc.registry.GetBySymbol(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch instrument"})
		return
	}
	if instrument == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Instrument not found"})
		return
	}

	tradeDate, err := time.Parse("2006-01-02", c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date, expected YYYY-MM-DD"})
		return
	}

	row, err := mc.levels.GetLevels(c.Request.Context(), instrument.ID, tradeDate.UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch levels"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No levels for this date"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}
