// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Download  DownloadConfig  `mapstructure:"download"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Status    StatusConfig    `mapstructure:"status"`
	Store     StoreConfig     `mapstructure:"store"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	WebhookPath    string `mapstructure:"webhook_path"`
	PublicBaseURL  string `mapstructure:"public_base_url"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	TargetChatID  int64  `mapstructure:"target_chat_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	APIEndpoint   string `mapstructure:"api_endpoint"`
}

// WorkerConfig sizes the in-process event queue.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// DownloadConfig drives the yt-dlp subprocess.
type DownloadConfig struct {
	Binary               string   `mapstructure:"binary"`
	Dir                  string   `mapstructure:"dir"`
	Format               string   `mapstructure:"format"`
	MergeFormat          string   `mapstructure:"merge_format"`
	SocketTimeoutSeconds int      `mapstructure:"socket_timeout_seconds"`
	ExtraArgs            []string `mapstructure:"extra_args"`
	PerHostRPS           float64  `mapstructure:"per_host_rps"`
}

// AnalysisConfig holds credentials and model policy for the analysis service.
type AnalysisConfig struct {
	APIKeys  []string `mapstructure:"api_keys"`
	Models   []string `mapstructure:"models"`
	Prompt   string   `mapstructure:"prompt"`
	MIMEType string   `mapstructure:"mime_type"`
	BaseURL  string   `mapstructure:"base_url"`
}

// StatusConfig controls the progress message heartbeat.
type StatusConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// StoreConfig selects the job and credential store backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArtifactsConfig selects where analysis results are written.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig throttles new jobs per chat.
type RateLimitConfig struct {
	PerChatRPS float64 `mapstructure:"per_chat_rps"`
	Burst      int     `mapstructure:"burst"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch"`
	MaxWaitMs     int  `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	ServiceName  string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DefaultPrompt is the fixed instruction sent with every video.
const DefaultPrompt = `Watch the attached video and write a concise briefing in Markdown.
Start with a one-sentence summary, then list the key points, notable claims and any
on-screen text worth keeping. Finish with a short verdict on whether the video is worth
watching in full.`

// Load builds a Config from disk/environment. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CLIPBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Analysis.APIKeys = splitList(cfg.Analysis.APIKeys)
	cfg.Analysis.Models = splitList(cfg.Analysis.Models)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.webhook_path", "/webhook")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.target_chat_id", 0)
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("download.binary", "yt-dlp")
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.format", "bestvideo+bestaudio/best")
	v.SetDefault("download.merge_format", "mp4")
	v.SetDefault("download.socket_timeout_seconds", 30)
	v.SetDefault("download.per_host_rps", 0)
	v.SetDefault("analysis.api_keys", []string{})
	v.SetDefault("analysis.models", []string{"gemini-2.5-flash"})
	v.SetDefault("analysis.prompt", DefaultPrompt)
	v.SetDefault("analysis.mime_type", "video/mp4")
	v.SetDefault("analysis.base_url", "")
	v.SetDefault("status.heartbeat_seconds", 10)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.dir", "results")
	v.SetDefault("artifacts.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("ratelimit.per_chat_rps", 0)
	v.SetDefault("ratelimit.burst", 3)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch", 100)
	v.SetDefault("progress.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "clipbrief")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with /")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if strings.TrimSpace(c.Download.Dir) == "" {
		return fmt.Errorf("download.dir is required")
	}
	if len(c.Analysis.Models) == 0 {
		return fmt.Errorf("analysis.models must list at least one model")
	}
	if c.Status.HeartbeatSeconds <= 0 {
		return fmt.Errorf("status.heartbeat_seconds must be > 0")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Artifacts.Backend {
	case "memory":
	case "local":
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts.dir is required for the local backend")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend)
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint must be set when tracing is enabled")
	}
	return nil
}

// HeartbeatInterval converts the heartbeat setting into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Status.HeartbeatSeconds) * time.Second
}

// RequestTimeout bounds synchronous HTTP handlers.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

// splitList flattens entries that arrive as one comma or space separated
// string, which is how list values come through environment variables.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.FieldsFunc(value, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		}) {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
