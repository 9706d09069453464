package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/umi1970/TradeMatrix-sub001/config"
	"github.com/umi1970/TradeMatrix-sub001/models"
	"github.com/umi1970/TradeMatrix-sub001/routes"
	"github.com/umi1970/TradeMatrix-sub001/scheduler"
	"github.com/umi1970/TradeMatrix-sub001/services/audit"
	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
	"github.com/umi1970/TradeMatrix-sub001/services/instruments"
	"github.com/umi1970/TradeMatrix-sub001/services/levels"
	"github.com/umi1970/TradeMatrix-sub001/services/pipeline"
	"github.com/umi1970/TradeMatrix-sub001/services/sources"
)

// dbInitialized tracks whether the database finished initializing in the
// background, for the /ready probe.
var dbInitialized bool
var dbInitMutex sync.RWMutex

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Info("TradeMatrix EOD ingestion service starting")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Config load failed")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		log.SetFormatter(&log.JSONFormatter{})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupHealthEndpoints(router)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Listen first so orchestration platforms see the service up while the
	// database connects in the background.
	go func() {
		log.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("Server error")
		}
	}()

	// Written by the init goroutine, read by the shutdown path.
	var (
		backgroundMu sync.Mutex
		jobScheduler *scheduler.Scheduler
		mongoMirror  *audit.MongoMirror
	)
	go func() {
		db, err := config.InitDB(cfg)
		if err != nil {
			log.WithField("error", err.Error()).Error("Database connection failed, running health-check only")
			return
		}

		if err := models.MigrateMarketModels(db); err != nil {
			log.WithField("error", err.Error()).Error("Migration failed")
			return
		}
		if err := instruments.SeedDefaults(db); err != nil {
			log.WithField("error", err.Error()).Warn("Instrument seed failed")
		}

		var mirror *audit.MongoMirror
		if cfg.MongoURI != "" {
			m, err := audit.NewMongoMirror(context.Background(), cfg.MongoURI)
			if err != nil {
				log.WithField("error", err.Error()).Warn("MongoDB audit mirror unavailable")
			} else {
				mirror = m
			}
		}

		registry := instruments.NewRegistry(db)
		bars := barstore.NewStore(db)
		calc := levels.NewCalculator(db, bars)
		auditor := audit.NewAuditor(db, mirror)

		primary := sources.NewAlphaVantageClient(cfg.AlphaVantageBaseURL, cfg.AlphaVantageAPIKey, cfg.Pipeline.FetchTimeout)
		backup := sources.NewStooqClient(cfg.StooqBaseURL, cfg.Pipeline.FetchTimeout)

		runner := pipeline.NewRunner(cfg.Pipeline, registry, primary, backup, bars, calc, auditor)

		dbInitMutex.Lock()
		dbInitialized = true
		dbInitMutex.Unlock()

		routes.SetupRoutes(router, registry, bars, calc, runner, auditor)

		sched := scheduler.NewScheduler(runner, cfg.IngestionTime)
		sched.Start()

		backgroundMu.Lock()
		jobScheduler = sched
		mongoMirror = mirror
		backgroundMu.Unlock()

		log.Info("Service fully initialized")
	}()

	gracefulShutdown(server, func() {
		backgroundMu.Lock()
		sched, mirror := jobScheduler, mongoMirror
		backgroundMu.Unlock()

		if sched != nil {
			sched.Stop()
		}
		if mirror != nil {
			mirror.Close(context.Background())
		}
	})
}

// setupHealthEndpoints registers the liveness and readiness probes.
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		dbInitMutex.RLock()
		ready := dbInitialized
		dbInitMutex.RUnlock()

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// gracefulShutdown waits for a termination signal and stops background work
// before shutting the HTTP server down.
func gracefulShutdown(server *http.Server, stopBackground func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.WithField("signal", sig.String()).Info("Shutting down")

	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Server forced to shutdown")
	}

	log.Info("Shutdown complete")
}
