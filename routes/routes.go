package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/umi1970/TradeMatrix-sub001/controllers"
	"github.com/umi1970/TradeMatrix-sub001/services/audit"
	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
	"github.com/umi1970/TradeMatrix-sub001/services/instruments"
	"github.com/umi1970/TradeMatrix-sub001/services/levels"
	"github.com/umi1970/TradeMatrix-sub001/services/pipeline"
)

// SetupRoutes registers the read API and the ingestion trigger.
func SetupRoutes(router *gin.Engine, registry *instruments.Registry, bars *barstore.Store, calc *levels.Calculator, runner *pipeline.Runner, auditor *audit.Auditor) {
	marketController := controllers.NewMarketController(registry, bars, calc)
	ingestionController := controllers.NewIngestionController(runner, auditor)

	api := router.Group("/api/v1")
	{
		instrumentRoutes := api.Group("/instruments")
		{
			instrumentRoutes.GET("", marketController.GetInstruments)
			instrumentRoutes.GET("/:symbol/bars", marketController.GetBars)
			instrumentRoutes.GET("/:symbol/bars/latest", marketController.GetLatestBar)
			instrumentRoutes.GET("/:symbol/levels/:date", marketController.GetLevels)
		}

		runs := api.Group("/runs")
		{
			runs.GET("/recent", ingestionController.GetRecentRuns)
			runs.GET("/:run_id", ingestionController.GetRun)
		}

		api.POST("/ingestion/run", ingestionController.RunIngestion)
	}
}
