package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    slog.Level
	Debug       bool

	RedisURL      string // empty keeps everything in memory
	HistoryDBPath string // empty disables interaction history

	SessionIdleTimeout  time.Duration
	SessionSnapshotTTL  time.Duration
	PipelineQueueDepth  int
	CollaboratorTimeout time.Duration
	WSPingInterval      time.Duration
	WSPongTimeout       time.Duration
	AllowedOrigins      []string

	Interpreter string // "rule" or "llm"
	AI          AIConfig
	TTS         TTSConfig
}

// AIConfig holds the Ark chat model settings used by the LLM interpreter and planner.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

type TTSConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Voice   string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	debug, err := parseBoolEnv("DEBUG", false)
	if err != nil {
		return nil, err
	}
	idle, err := parseDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	snapshotTTL, err := parseDurationEnv("SESSION_SNAPSHOT_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	depth, err := parseIntEnv("PIPELINE_QUEUE_DEPTH", 4)
	if err != nil {
		return nil, err
	}
	if depth < 1 {
		return nil, fmt.Errorf("invalid PIPELINE_QUEUE_DEPTH value %d: must be at least 1", depth)
	}
	collabTimeout, err := parseDurationEnv("COLLABORATOR_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	pingInterval, err := parseDurationEnv("WS_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	pongTimeout, err := parseDurationEnv("WS_PONG_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	if pongTimeout <= pingInterval {
		return nil, fmt.Errorf("WS_PONG_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", pongTimeout, pingInterval)
	}

	interpreter := strings.ToLower(getEnv("INTERPRETER", "rule"))
	if interpreter != "rule" && interpreter != "llm" {
		return nil, fmt.Errorf("invalid INTERPRETER value %q: want rule or llm", interpreter)
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                getEnv("PORT", "8000"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		LogLevel:            parseLogLevel(getEnv("LOG_LEVEL", "info")),
		Debug:               debug,
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		HistoryDBPath:       strings.TrimSpace(os.Getenv("HISTORY_DB_PATH")),
		SessionIdleTimeout:  idle,
		SessionSnapshotTTL:  snapshotTTL,
		PipelineQueueDepth:  depth,
		CollaboratorTimeout: collabTimeout,
		WSPingInterval:      pingInterval,
		WSPongTimeout:       pongTimeout,
		AllowedOrigins:      splitList(os.Getenv("WS_ALLOWED_ORIGINS")),
		Interpreter:         interpreter,
		AI:                  ai,
		TTS: TTSConfig{
			BaseURL: getEnv("TTS_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  strings.TrimSpace(os.Getenv("TTS_API_KEY")),
			Model:   getEnv("TTS_MODEL", "gpt-4o-mini-tts"),
			Voice:   getEnv("TTS_VOICE", "alloy"),
		},
	}, nil
}

// Enabled reports whether the credentials and model name are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the config.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark config incomplete: need ARK_MODEL and ARK_API_KEY or ARK_ACCESS_KEY + ARK_SECRET_KEY")
	}

	var temperature, topP *float32
	if c.Temperature != nil {
		v := float32(*c.Temperature)
		temperature = &v
	}
	if c.TopP != nil {
		v := float32(*c.TopP)
		topP = &v
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// Enabled reports whether speech synthesis can run.
func (c TTSConfig) Enabled() bool {
	return c.APIKey != "" && c.BaseURL != ""
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}
	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnv("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnv("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	v, err := parseOptionalIntEnv(key)
	if err != nil || v == nil {
		return defaultValue, err
	}
	return *v, nil
}

// parseDurationEnv accepts Go durations ("90s") or bare seconds ("90").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return d, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
