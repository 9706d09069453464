package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds the runtime configuration for the service.
type Config struct {
	Port        string
	Environment string

	// Database: either a full postgres DSN or a sqlite path for local runs.
	DBDriver string // postgres, sqlite
	DBDSN    string

	// Optional MongoDB mirror for the audit trail.
	MongoURI string

	// Provider endpoints and credentials.
	AlphaVantageBaseURL string
	AlphaVantageAPIKey  string
	StooqBaseURL        string

	// Daily ingestion trigger (server local time, HH:MM).
	IngestionTime string

	Pipeline PipelineConfig
}

// PipelineConfig is the per-run tunable snapshot. It is loaded once at
// startup and passed explicitly down the call chain; nothing reads the
// environment after this point.
type PipelineConfig struct {
	MaxRetries       int
	RetryDelay       time.Duration
	FetchTimeout     time.Duration
	MaxDeviationPct  decimal.Decimal // cross-validation close tolerance, percent
	ATRShortPeriod   int
	ATRLongPeriod    int
	HistoryDepth     int // bars loaded for level calculation
	DefaultRoundStep decimal.Decimal
	MaxConcurrent    int // instrument runs in flight at once
}

// LoadConfig loads environment variables into a Config.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables")
	}

	maxRetries, err := getInt("PIPELINE_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	retryDelaySec, err := getInt("PIPELINE_RETRY_DELAY_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	fetchTimeoutSec, err := getInt("PIPELINE_FETCH_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	historyDepth, err := getInt("PIPELINE_HISTORY_DEPTH", 40)
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := getInt("PIPELINE_MAX_CONCURRENT", 4)
	if err != nil {
		return nil, err
	}
	maxDeviation, err := getDecimal("PIPELINE_MAX_DEVIATION_PCT", "0.5")
	if err != nil {
		return nil, err
	}
	roundStep, err := getDecimal("PIPELINE_DEFAULT_ROUND_STEP", "100")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		DBDriver:            getEnv("DB_DRIVER", "sqlite"),
		DBDSN:               getEnv("DB_DSN", "data/trade_matrix.db"),
		MongoURI:            os.Getenv("MONGODB_URI"),
		AlphaVantageBaseURL: getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
		AlphaVantageAPIKey:  os.Getenv("ALPHAVANTAGE_API_KEY"),
		StooqBaseURL:        getEnv("STOOQ_BASE_URL", "https://stooq.com"),
		IngestionTime:       getEnv("INGESTION_TIME", "22:30"),
		Pipeline: PipelineConfig{
			MaxRetries:       maxRetries,
			RetryDelay:       time.Duration(retryDelaySec) * time.Second,
			FetchTimeout:     time.Duration(fetchTimeoutSec) * time.Second,
			MaxDeviationPct:  maxDeviation,
			ATRShortPeriod:   5,
			ATRLongPeriod:    20,
			HistoryDepth:     historyDepth,
			DefaultRoundStep: roundStep,
			MaxConcurrent:    maxConcurrent,
		},
	}
	return cfg, nil
}

// InitDB opens the configured database and verifies the connection.
func InitDB(cfg *Config) (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		log.WithFields(log.Fields{
			"driver": "postgres",
			"dsn":    maskDSN(cfg.DBDSN),
		}).Info("Connecting to database")
		db, err = gorm.Open(postgres.Open(cfg.DBDSN), gormCfg)
	case "sqlite":
		log.WithFields(log.Fields{
			"driver": "sqlite",
			"dsn":    cfg.DBDSN,
		}).Info("Connecting to database")
		db, err = gorm.Open(sqlite.Open(cfg.DBDSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Database connection verified")
	return db, nil
}

// maskDSN masks a DSN for logging, keeping only a short prefix
func maskDSN(dsn string) string {
	if len(dsn) <= 12 {
		return "***"
	}
	return dsn[:12] + "***"
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		value = fallback
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s value %q to decimal: %w", key, value, err)
	}
	return parsed, nil
}
