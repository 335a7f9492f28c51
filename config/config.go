package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"outreach/models"
)

var (
	DB          *gorm.DB
	Redis       *redis.Client
	AppConfig   Config
	envLoaded   bool
	validateCfg = validator.New()
)

type RedisConfig struct {
	Address  string `json:"address" validate:"required"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"min=0"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
}

// SendConfig controls the delivery worker pool and its retry policy.
type SendConfig struct {
	Queue             string        `json:"queue" validate:"required"`
	Concurrency       int           `json:"concurrency" validate:"min=1,max=16"`
	Timeout           time.Duration `json:"timeout" validate:"gt=0"`
	MaxAttempts       int           `json:"max_attempts" validate:"min=1"`
	BackoffBase       time.Duration `json:"backoff_base" validate:"gt=0"`
	BackoffMax        time.Duration `json:"backoff_max" validate:"gtefield=BackoffBase"`
	VisibilityTimeout time.Duration `json:"visibility_timeout" validate:"gt=0"`
	// DisabledGrace is how long jobs wait on a disabled account before they
	// are dead-lettered.
	DisabledGrace time.Duration `json:"disabled_grace" validate:"gt=0"`
}

// ReplyConfig controls mailbox polling.
type ReplyConfig struct {
	PollInterval time.Duration `json:"poll_interval" validate:"gt=0"`
	Concurrency  int           `json:"concurrency" validate:"min=1,max=8"`
	Lookback     time.Duration `json:"lookback" validate:"gt=0"`
}

// HealthConfig holds the thresholds at which an account is disabled.
type HealthConfig struct {
	MaxErrorStreak  int     `json:"max_error_streak" validate:"min=1"`
	MaxBounceRate   float64 `json:"max_bounce_rate" validate:"gt=0,lte=1"`
	MinSendsForRate int     `json:"min_sends_for_rate" validate:"min=1"`
	MaxComplaints   int     `json:"max_complaints" validate:"min=1"`
}

type Config struct {
	Environment     string      `json:"environment"`
	ServerPort      string      `json:"server_port" validate:"required"`
	EncryptionKey   string      `json:"-" validate:"required,len=32"`
	TrackingBaseURL string      `json:"tracking_base_url" validate:"required,url"`
	TrackingSecret  string      `json:"-" validate:"required,min=16"`
	APISecret       string      `json:"-" validate:"required,min=16"`
	SentryDSN       string      `json:"-"`
	LogLevel        string      `json:"log_level" validate:"oneof=debug info warn error"`
	LogJSON         bool        `json:"log_json"`
	CORSOrigins     []string    `json:"cors_origins"`
	APIRateLimit    int         `json:"api_rate_limit" validate:"min=1"`
	Google          OAuthConfig `json:"google"`
	Microsoft       OAuthConfig `json:"microsoft"`

	DBHost         string `json:"db_host" validate:"required"`
	DBPort         string `json:"db_port" validate:"required"`
	DBUser         string `json:"db_user" validate:"required"`
	DBPassword     string `json:"-" validate:"required"`
	DBName         string `json:"db_name" validate:"required"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis  RedisConfig  `json:"redis"`
	Send   SendConfig   `json:"send"`
	Reply  ReplyConfig  `json:"reply"`
	Health HealthConfig `json:"health"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		APISecret:       getEnv("API_SECRET", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogJSON:         getEnvAsBool("LOG_JSON", false),
		CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		APIRateLimit:    getEnvAsInt("API_RATE_LIMIT", 60),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		},

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outreach"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Send: SendConfig{
			Queue:             getEnv("SEND_QUEUE", "send-email"),
			Concurrency:       getEnvAsInt("SEND_CONCURRENCY", 3),
			Timeout:           getEnvAsDuration("SEND_TIMEOUT", 30*time.Second),
			MaxAttempts:       getEnvAsInt("SEND_MAX_ATTEMPTS", 5),
			BackoffBase:       getEnvAsDuration("SEND_BACKOFF_BASE", time.Minute),
			BackoffMax:        getEnvAsDuration("SEND_BACKOFF_MAX", time.Hour),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			DisabledGrace:     getEnvAsDuration("SEND_DISABLED_GRACE", 7*24*time.Hour),
		},
		Reply: ReplyConfig{
			PollInterval: getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
			Concurrency:  getEnvAsInt("REPLY_CONCURRENCY", 2),
			Lookback:     getEnvAsDuration("REPLY_LOOKBACK", 7*24*time.Hour),
		},
		Health: HealthConfig{
			MaxErrorStreak:  getEnvAsInt("HEALTH_MAX_ERROR_STREAK", 5),
			MaxBounceRate:   getEnvAsFloat("HEALTH_MAX_BOUNCE_RATE", 0.05),
			MinSendsForRate: getEnvAsInt("HEALTH_MIN_SENDS_FOR_RATE", 20),
			MaxComplaints:   getEnvAsInt("HEALTH_MAX_COMPLAINTS", 3),
		},
	}

	if err := Validate(AppConfig); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate checks the configuration and reports every invalid field at once.
func Validate(cfg Config) error {
	err := validateCfg.Struct(cfg)
	if err == nil {
		return nil
	}
	var problems []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	} else {
		problems = append(problems, err.Error())
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// ConnectRedis creates the shared Redis client used by the job queue and the
// API rate limiter.
func ConnectRedis(ctx context.Context) error {
	Redis = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	if err := Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	log.Println("✅ Successfully connected to redis")
	return nil
}

// Migrate creates or updates the engine tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.EmailAccount{},
		&models.Campaign{},
		&models.CampaignAccount{},
		&models.SequenceStep{},
		&models.Prospect{},
		&models.EmailEvent{},
		&models.Lead{},
		&models.Task{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
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

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: %s/%d", AppConfig.Redis.Address, AppConfig.Redis.DB)
	log.Printf("Send pool: queue=%s workers=%d max_attempts=%d",
		AppConfig.Send.Queue, AppConfig.Send.Concurrency, AppConfig.Send.MaxAttempts)
	log.Printf("Reply polling: every %s, %d mailboxes at a time",
		AppConfig.Reply.PollInterval, AppConfig.Reply.Concurrency)
	log.Printf("OAuth Providers: Google(%t), Microsoft(%t)",
		AppConfig.Google.ClientID != "",
		AppConfig.Microsoft.ClientID != "")
}
