package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime parameter, loaded from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// SoftwareVersion tags every extraction run; bumping it makes
	// already-extracted sets eligible again.
	SoftwareVersion string `envconfig:"SOFTWARE_VERSION" default:"v1"`

	// Worker-pool limits for extraction and QA.
	ExtractionConcurrency int `envconfig:"EXTRACTION_CONCURRENCY" default:"3"`
	QAConcurrency         int `envconfig:"QA_CONCURRENCY" default:"3"`

	DefaultCurrency string `envconfig:"DEFAULT_CURRENCY" default:"USD"`

	// Gemini API key. When empty the genai SDK falls back to GOOGLE_API_KEY.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`

	// CronSchedule drives the stale-job sweeper.
	CronSchedule  string        `envconfig:"CRON_SCHEDULE" default:"*/5 * * * *"`
	JobStaleAfter time.Duration `envconfig:"JOB_STALE_AFTER" default:"10m"`

	// Raw-email archive bucket. When ArchiveS3URL is empty, archiving is
	// skipped and email bodies live only in the database.
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION" default:"eu-central-1"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`
}

// DSN returns the Data Source Name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
