// Package config loads the Ingestion Configuration and Transcription
// Configuration from environment variables (with an optional .env file),
// and an optional YAML file for the directory/queue settings that are more
// naturally expressed structured than as flat env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Ingestion holds the Ingestion Configuration block (spec §3).
type Ingestion struct {
	WatchDirectory     string   `yaml:"watch_directory"`
	ArchiveDirectory   string   `yaml:"archive_directory"`
	FailedDirectory    string   `yaml:"failed_directory"`
	TempDirectory      string   `yaml:"temp_directory"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	MaxFileSizeBytes   int64    `yaml:"max_file_size_bytes"`
	MinStablePeriodMs  int      `yaml:"min_stable_period_ms"`
	PriorityByAge      bool     `yaml:"priority_by_age"`
	PriorityBySize     bool     `yaml:"priority_by_size"`
	MaxQueueSize       int      `yaml:"max_queue_size"`
	ProcessingWorkers  int      `yaml:"processing_workers"`
	MaxRetryAttempts   int      `yaml:"max_retry_attempts"`
	RetryDelaySeconds  int      `yaml:"retry_delay_seconds"`
	VerifyIntegrity    bool     `yaml:"verify_file_integrity"`
	PersistenceFile    string   `yaml:"persistence_file"`
	ProcessingInterval int      `yaml:"processing_interval_seconds"`
	NotifyWebhookURL   string   `yaml:"notify_webhook_url"`
}

// Transcription holds the remote transcription service settings consumed
// by C4 (spec §4.4).
type Transcription struct {
	BaseURL       string `yaml:"base_url"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	CallbackURL   string `yaml:"callback_url"`
	HealthPeriod  int    `yaml:"health_check_interval_seconds"`
	RequestDeadlineSeconds int `yaml:"request_deadline_seconds"`
}

// Config is the full process configuration.
type Config struct {
	Ingestion     Ingestion     `yaml:"ingestion"`
	Transcription Transcription `yaml:"transcription"`
	DBPath        string        `yaml:"db_path"`
	HTTPAddr      string        `yaml:"http_addr"`
	Environment   string        `yaml:"environment"`
}

// Load reads an optional .env file, then environment variables, then
// optionally overlays a YAML file at yamlPath if it exists. Environment
// variables establish the defaults; the YAML file, if present, wins for any
// field it sets explicitly.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Ingestion: Ingestion{
			WatchDirectory:     getenv("WATCH_DIRECTORY", "./watch"),
			ArchiveDirectory:   getenv("ARCHIVE_DIRECTORY", "./archive"),
			FailedDirectory:    getenv("FAILED_DIRECTORY", "./failed"),
			TempDirectory:      getenv("TEMP_DIRECTORY", "./tmp"),
			AllowedExtensions:  getenvList("ALLOWED_EXTENSIONS", []string{"mp3", "wav", "flac"}),
			MaxFileSizeBytes:   getenvInt64("MAX_FILE_SIZE_BYTES", 104_857_600),
			MinStablePeriodMs:  clampInt(getenvInt("MIN_STABLE_PERIOD_MS", 2000), 100, 60_000),
			PriorityByAge:      getenvBool("PRIORITY_BY_AGE", true),
			PriorityBySize:     getenvBool("PRIORITY_BY_SIZE", true),
			MaxQueueSize:       clampInt(getenvInt("MAX_QUEUE_SIZE", 10_000), 1, 1_000_000),
			ProcessingWorkers:  clampInt(getenvInt("PROCESSING_WORKERS", 4), 1, 64),
			MaxRetryAttempts:   clampInt(getenvInt("MAX_RETRY_ATTEMPTS", 3), 0, 20),
			RetryDelaySeconds:  clampInt(getenvInt("RETRY_DELAY_SECONDS", 5), 0, 3600),
			VerifyIntegrity:    getenvBool("VERIFY_FILE_INTEGRITY", false),
			PersistenceFile:    getenv("PERSISTENCE_FILE", "./queue-snapshot.json"),
			ProcessingInterval: clampInt(getenvInt("PROCESSING_INTERVAL_SECONDS", 5), 1, 600),
			NotifyWebhookURL:   getenv("NOTIFY_WEBHOOK_URL", ""),
		},
		Transcription: Transcription{
			BaseURL:                getenv("TRANSCRIPTION_BASE_URL", "http://localhost:9000"),
			Workers:                clampInt(getenvInt("TRANSCRIPTION_WORKERS", 2), 1, 64),
			QueueSize:              clampInt(getenvInt("TRANSCRIPTION_QUEUE_SIZE", 256), 1, 100_000),
			CallbackURL:            getenv("TRANSCRIPTION_CALLBACK_URL", "http://localhost:8080/api/v1/transcription/callback"),
			HealthPeriod:           clampInt(getenvInt("TRANSCRIPTION_HEALTH_PERIOD_SECONDS", 30), 5, 3600),
			RequestDeadlineSeconds: clampInt(getenvInt("TRANSCRIPTION_REQUEST_DEADLINE_SECONDS", 30), 1, 600),
		},
		DBPath:      getenv("DB_PATH", "./sdrtrunk.db"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Environment: getenv("ENVIRONMENT", "local"),
	}

	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			b, err := os.ReadFile(yamlPath)
			if err != nil {
				return Config{}, fmt.Errorf("reading config file %s: %w", yamlPath, err)
			}
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", yamlPath, err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ingestion.WatchDirectory == "" {
		return fmt.Errorf("config: watch_directory must not be empty")
	}
	if c.Ingestion.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max_queue_size must be positive")
	}
	if c.Ingestion.ProcessingWorkers <= 0 {
		return fmt.Errorf("config: processing_workers must be positive")
	}
	if c.Transcription.BaseURL == "" {
		return fmt.Errorf("config: transcription base_url must not be empty")
	}
	return nil
}

// Now returns a UTC timestamp truncated to the second, used wherever the
// engines need a deterministic-looking "now" for logging and timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
