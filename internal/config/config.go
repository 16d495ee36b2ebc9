package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Session    SessionConfig
	Processing ProcessingConfig
	Auth       AuthConfig
	Storage    StorageConfig
	Worker     WorkerConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	Addr string `env:"-"`
}

// SessionConfig 描述会话生命周期配置。
type SessionConfig struct {
	TTLSeconds               int    `env:"SESSION_TTL_SECONDS"        envDefault:"3600"`
	HeartbeatIntervalSeconds int    `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	SweepIntervalSeconds     int    `env:"SWEEP_INTERVAL_SECONDS"     envDefault:"60"`
	AuthWindowSeconds        int    `env:"AUTH_WINDOW_SECONDS"        envDefault:"5"`
	Store                    string `env:"SESSION_STORE"              envDefault:"memory"`
	SQLitePath               string `env:"SESSION_SQLITE_PATH"        envDefault:"data/sessions.db"`
	CacheTTLMillis           int    `env:"SESSION_CACHE_TTL_MS"       envDefault:"0"`
	WaitingAssetURL          string `env:"WAITING_ASSET_URL"`
	CountdownSeconds         int    `env:"COUNTDOWN_SECONDS"          envDefault:"3"`
}

func (c SessionConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }

func (c SessionConfig) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatIntervalSeconds) }

func (c SessionConfig) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }

func (c SessionConfig) AuthWindow() time.Duration { return seconds(c.AuthWindowSeconds) }

func (c SessionConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMillis) * time.Millisecond
}

// ProcessingConfig 描述外部 AI 视频服务配置。
type ProcessingConfig struct {
	BaseURL                 string `env:"AI_SERVICE_BASE_URL"`
	APIKey                  string `env:"AI_SERVICE_API_KEY"`
	TimeoutSeconds          int    `env:"AI_SERVICE_TIMEOUT_SECONDS" envDefault:"30"`
	RetryCount              int    `env:"AI_SERVICE_RETRY_COUNT"     envDefault:"3"`
	CallbackBaseURL         string `env:"CALLBACK_BASE_URL"`
	CallbackSecret          string `env:"CALLBACK_SECRET"`
	ProgressIntervalSeconds int    `env:"PROGRESS_INTERVAL_SECONDS"  envDefault:"5"`
}

func (c ProcessingConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

func (c ProcessingConfig) ProgressInterval() time.Duration { return seconds(c.ProgressIntervalSeconds) }

// CallbackURL is where the AI service reports results.
func (c ProcessingConfig) CallbackURL() string {
	if c.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/api/processing/callback"
}

// AuthConfig 描述成员令牌校验配置。
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"memorial-call"`
}

// StorageConfig 描述录像存储配置。
type StorageConfig struct {
	UploadDir   string `env:"UPLOAD_DIR"    envDefault:"data/uploads"`
	MaxUploadMB int    `env:"MAX_UPLOAD_MB" envDefault:"200"`
}

func (c StorageConfig) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

// WorkerConfig 描述后台任务池配置。
type WorkerConfig struct {
	BackgroundWorkers int `env:"BACKGROUND_WORKERS" envDefault:"8"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// TelemetryConfig 描述链路追踪导出。
type TelemetryConfig struct {
	Enabled     bool   `env:"OTEL_ENABLED"      envDefault:"false"`
	Endpoint    string `env:"OTEL_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"memorial-call"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围与依赖关系。
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"SESSION_TTL_SECONDS":        c.Session.TTLSeconds,
		"HEARTBEAT_INTERVAL_SECONDS": c.Session.HeartbeatIntervalSeconds,
		"SWEEP_INTERVAL_SECONDS":     c.Session.SweepIntervalSeconds,
		"AUTH_WINDOW_SECONDS":        c.Session.AuthWindowSeconds,
		"COUNTDOWN_SECONDS":          c.Session.CountdownSeconds,
		"AI_SERVICE_TIMEOUT_SECONDS": c.Processing.TimeoutSeconds,
		"MAX_UPLOAD_MB":              c.Storage.MaxUploadMB,
		"BACKGROUND_WORKERS":         c.Worker.BackgroundWorkers,
	}
	for name, value := range positive {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, value))
		}
	}
	if c.Session.CacheTTLMillis < 0 {
		errs = append(errs, fmt.Errorf("SESSION_CACHE_TTL_MS must not be negative"))
	}
	if c.Processing.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("AI_SERVICE_RETRY_COUNT must not be negative"))
	}
	if c.Processing.ProgressIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("PROGRESS_INTERVAL_SECONDS must not be negative"))
	}

	switch c.Session.Store {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Session.SQLitePath) == "" {
			errs = append(errs, errors.New("SESSION_SQLITE_PATH is required when SESSION_STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be memory or sqlite, got %q", c.Session.Store))
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Processing.BaseURL == "" {
		errs = append(errs, errors.New("AI_SERVICE_BASE_URL is required"))
	} else if u, err := url.Parse(c.Processing.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid AI_SERVICE_BASE_URL %q", c.Processing.BaseURL))
	}
	if c.Processing.CallbackBaseURL != "" && c.Processing.CallbackSecret == "" {
		errs = append(errs, errors.New("CALLBACK_SECRET is required when CALLBACK_BASE_URL is set"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("OTEL_ENDPOINT is required when OTEL_ENABLED=true"))
	}
	return errors.Join(errs...)
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
