package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// SessionID is the base identifier of the four transfer sessions.
	SessionID string `envconfig:"SESSION_ID" default:"com.italolelis.cloudsdk"`

	// Backend selects the cloud API client: rest or putio.
	Backend string `envconfig:"BACKEND" default:"rest"`

	API struct {
		BaseURL        string        `split_words:"true" default:"https://publicapi.meocloud.pt/1"`
		ContentURL     string        `split_words:"true" default:"https://api-content.meocloud.pt/1"`
		Root           string        `split_words:"true" default:"meocloud"`
		ClientID       string        `split_words:"true"`
		ClientSecret   string        `split_words:"true"`
		TokenURL       string        `split_words:"true"`
		AccessToken    string        `split_words:"true"`
		RefreshToken   string        `split_words:"true"`
		RequestTimeout time.Duration `split_words:"true" default:"60s"`
	}

	PutioBaseURL   string `envconfig:"PUTIO_BASE_URL"`
	PutioUploadURL string `envconfig:"PUTIO_UPLOAD_URL" default:"https://upload.put.io/files/"`
	PutioToken     string `envconfig:"PUTIO_TOKEN"`

	TempDir          string        `envconfig:"TEMP_DIR"`
	ChunkSize        int64         `envconfig:"CHUNK_SIZE" default:"4194304"`
	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"3"`
	ProgressInterval int64         `envconfig:"PROGRESS_INTERVAL" default:"65536"`
	ReconcileTimeout time.Duration `envconfig:"RECONCILE_TIMEOUT" default:"5s"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"transfers.db"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"60s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "rest", "putio":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}

	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive, got %d", c.MaxParallel)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
