package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Text      TextConfig
	TTS       TTSConfig
	Image     ImageConfig
	Render    RenderConfig
	R2        R2Config
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	DSN string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	JobsPerHour  int
	PollsPerMin  int
	CancelPerMin int
}

// TextConfig configures the text generation capability (Groq-compatible
// chat completions endpoint).
type TextConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// TTSConfig configures the speech synthesis microservice.
type TTSConfig struct {
	ServiceURL   string
	DefaultVoice string
	Timeout      int // seconds
}

// ImageConfig configures the free image generation upstream and its fallbacks.
type ImageConfig struct {
	BaseURL      string
	FallbackURLs []string
	Width        int
	Height       int
}

// RenderConfig configures the external render provider (merge service).
type RenderConfig struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  int // seconds, per request
	WakeMaxAttempts int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig holds pipeline-level thresholds.
type PipelineConfig struct {
	StuckAfterSec   int // processing step older than this is flagged stuck
	MaxPollFailures int // consecutive provider poll failures before the job fails
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("TEXT_API_KEY")
	readSecret("RENDER_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("text.api_key", "TEXT_API_KEY")
	_ = viper.BindEnv("text.base_url", "TEXT_BASE_URL")
	_ = viper.BindEnv("text.model", "TEXT_MODEL")
	_ = viper.BindEnv("tts.service_url", "TTS_SERVICE_URL")
	_ = viper.BindEnv("tts.default_voice", "TTS_DEFAULT_VOICE")
	_ = viper.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = viper.BindEnv("image.base_url", "IMAGE_BASE_URL")
	_ = viper.BindEnv("image.fallback_urls", "IMAGE_FALLBACK_URLS")
	_ = viper.BindEnv("render.base_url", "RENDER_BASE_URL")
	_ = viper.BindEnv("render.api_key", "RENDER_API_KEY")
	_ = viper.BindEnv("render.request_timeout", "RENDER_REQUEST_TIMEOUT")
	_ = viper.BindEnv("render.wake_max_attempts", "RENDER_WAKE_MAX_ATTEMPTS")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("pipeline.stuck_after_sec", "PIPELINE_STUCK_AFTER_SEC")
	_ = viper.BindEnv("pipeline.max_poll_failures", "PIPELINE_MAX_POLL_FAILURES")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.dsn", "clipdeck.db")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.jobs_per_hour", 10)
	viper.SetDefault("ratelimit.polls_per_min", 60)
	viper.SetDefault("ratelimit.cancel_per_min", 10)

	// Text generation defaults
	viper.SetDefault("text.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("text.model", "llama-3.3-70b-versatile")

	// TTS defaults
	viper.SetDefault("tts.service_url", "http://localhost:8084")
	viper.SetDefault("tts.default_voice", "narrator")
	viper.SetDefault("tts.timeout", 120)

	// Image generation defaults
	viper.SetDefault("image.base_url", "https://image.pollinations.ai")
	viper.SetDefault("image.width", 1024)
	viper.SetDefault("image.height", 576)

	// Render provider defaults
	viper.SetDefault("render.request_timeout", 30)
	viper.SetDefault("render.wake_max_attempts", 3)

	// Pipeline defaults
	viper.SetDefault("pipeline.stuck_after_sec", 180)
	viper.SetDefault("pipeline.max_poll_failures", 20)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			DSN: viper.GetString("database.dsn"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:  viper.GetInt("ratelimit.jobs_per_hour"),
			PollsPerMin:  viper.GetInt("ratelimit.polls_per_min"),
			CancelPerMin: viper.GetInt("ratelimit.cancel_per_min"),
		},
		Text: TextConfig{
			APIKey:  viper.GetString("text.api_key"),
			BaseURL: viper.GetString("text.base_url"),
			Model:   viper.GetString("text.model"),
		},
		TTS: TTSConfig{
			ServiceURL:   viper.GetString("tts.service_url"),
			DefaultVoice: viper.GetString("tts.default_voice"),
			Timeout:      viper.GetInt("tts.timeout"),
		},
		Image: ImageConfig{
			BaseURL:      viper.GetString("image.base_url"),
			FallbackURLs: viper.GetStringSlice("image.fallback_urls"),
			Width:        viper.GetInt("image.width"),
			Height:       viper.GetInt("image.height"),
		},
		Render: RenderConfig{
			BaseURL:         viper.GetString("render.base_url"),
			APIKey:          viper.GetString("render.api_key"),
			RequestTimeout:  viper.GetInt("render.request_timeout"),
			WakeMaxAttempts: viper.GetInt("render.wake_max_attempts"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			StuckAfterSec:   viper.GetInt("pipeline.stuck_after_sec"),
			MaxPollFailures: viper.GetInt("pipeline.max_poll_failures"),
		},
	}

	return cfg, nil
}
