package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"min=0"`
	Prefix   string `json:"prefix"`
}

type QueueConfig struct {
	Concurrency       int           `json:"concurrency" validate:"min=1,max=256"`
	PollInterval      time.Duration `json:"poll_interval" validate:"min=1ms"`
	MaxAttempts       int           `json:"max_attempts" validate:"min=1"`
	BaseBackoff       time.Duration `json:"base_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
}

type Config struct {
	Environment       string      `json:"environment" validate:"oneof=development staging production test"`
	ServerPort        string      `json:"server_port" validate:"required,numeric"`
	DBHost            string      `json:"db_host" validate:"required"`
	DBPort            string      `json:"db_port" validate:"required"`
	DBUser            string      `json:"db_user" validate:"required"`
	DBPassword        string      `json:"-" validate:"required"`
	DBName            string      `json:"db_name" validate:"required"`
	DBSSLMode         string      `json:"db_ssl_mode"`
	DBMaxIdleConns    int         `json:"db_max_idle_conns" validate:"min=0"`
	DBMaxOpenConns    int         `json:"db_max_open_conns" validate:"min=1"`
	Redis             RedisConfig `json:"redis"`
	Queue             QueueConfig `json:"queue"`
	SMTPHost          string      `json:"smtp_host"`
	SMTPPort          int         `json:"smtp_port"`
	SMTPUsername      string      `json:"smtp_username"`
	SMTPPassword      string      `json:"-"`
	FromEmail         string      `json:"from_email" validate:"omitempty,email"`
	FromName          string      `json:"from_name"`
	SendRatePerSecond float64     `json:"send_rate_per_second" validate:"min=0"`
	SentryDSN         string      `json:"-"`
	LogLevel          string      `json:"log_level"`
	LogFile           string      `json:"log_file"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "crmflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "crmflow:jobs"),
		},
		Queue: QueueConfig{
			Concurrency:       getEnvAsInt("QUEUE_CONCURRENCY", 4),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseBackoff:       getEnvAsDuration("QUEUE_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:        getEnvAsDuration("QUEUE_MAX_BACKOFF", 10*time.Minute),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
		},

		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		FromEmail:         getEnv("FROM_EMAIL", ""),
		FromName:          getEnv("FROM_NAME", ""),
		SendRatePerSecond: getEnvAsFloat("SEND_RATE_PER_SECOND", 5),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", ""),
	}

	// Validate required configurations
	if err := utils.ValidateStruct(AppConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if AppConfig.Environment == "production" && AppConfig.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required in production")
	}

	logConfig()
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := AppConfig.DSN()
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	logrus.Info("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"server_port":       AppConfig.ServerPort,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"queue_concurrency": AppConfig.Queue.Concurrency,
		"smtp":              AppConfig.SMTPHost != "",
		"sentry":            AppConfig.SentryDSN != "",
	}).Info("🔧 Loaded configuration")
}
