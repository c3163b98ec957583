package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSystemInstruction is sent to the model when SYSTEM_INSTRUCTION is unset.
const DefaultSystemInstruction = "You are Rev, the official assistant of Revolt Motors. " +
	"Strictly answer only about Revolt Motors, its products (RV400, RV400 BRZ), specs, features, pricing, " +
	"service, charging, dealership, financing, delivery, and policies. " +
	"If asked anything unrelated, politely steer the user back to Revolt topics. " +
	"Be concise, friendly, and fluent. If interrupted, stop speaking immediately."

// ErrMissingAPIKey is returned when GEMINI_API_KEY is not set.
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY environment variable is required")

// Config holds all server configuration
type Config struct {
	Port             int
	GeminiAPIKey     string
	Model            string
	SystemPrompt     string
	Modalities       []string // response modalities requested from the model
	InputTranscribe  bool
	OutputTranscribe bool
	Voice            string // prebuilt voice name, empty for the model default
	RedisURL         string
	RedisPassword    string
	MaxSessions      int
	SessionTimeout   time.Duration
	AllowedOrigins   []string
	KeepAlivePeriod  time.Duration
	MaxBufferSize    int // Maximum bytes held per session while the upstream handshake is in flight
	LogLevel         slog.Level
	LogFormat        string // "text" or "json"
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:             8787,
		Model:            "gemini-2.0-flash-live-001",
		SystemPrompt:     DefaultSystemInstruction,
		Modalities:       []string{"AUDIO", "TEXT"},
		InputTranscribe:  true,
		OutputTranscribe: true,
		RedisURL:         "localhost:6379",
		MaxSessions:      100,
		SessionTimeout:   30 * time.Minute,
		AllowedOrigins:   []string{"*"},
		KeepAlivePeriod:  30 * time.Second,
		MaxBufferSize:    1024 * 1024, // 1MB, ~32s of 16kHz PCM16
		LogLevel:         slog.LevelInfo,
		LogFormat:        "text",
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, ErrMissingAPIKey
	}

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}

	if model := os.Getenv("MODEL"); model != "" {
		config.Model = model
	}

	if prompt := os.Getenv("SYSTEM_INSTRUCTION"); prompt != "" {
		config.SystemPrompt = prompt
	}

	// Optional: RESPONSE_MODALITIES (comma-separated, e.g. "AUDIO,TEXT")
	if modalities := os.Getenv("RESPONSE_MODALITIES"); modalities != "" {
		config.Modalities = nil
		for _, m := range strings.Split(modalities, ",") {
			m = strings.ToUpper(strings.TrimSpace(m))
			switch m {
			case "AUDIO", "TEXT":
				config.Modalities = append(config.Modalities, m)
			case "":
			default:
				return nil, fmt.Errorf("invalid RESPONSE_MODALITIES: unknown modality %q", m)
			}
		}
		if len(config.Modalities) == 0 {
			return nil, fmt.Errorf("invalid RESPONSE_MODALITIES: no modality given")
		}
	}

	if config.InputTranscribe, err = boolEnv("INPUT_TRANSCRIPTION", config.InputTranscribe); err != nil {
		return nil, err
	}
	if config.OutputTranscribe, err = boolEnv("OUTPUT_TRANSCRIPTION", config.OutputTranscribe); err != nil {
		return nil, err
	}

	config.Voice = os.Getenv("VOICE")

	// Optional: REDIS_URL ("off" disables the registry)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
	if strings.EqualFold(config.RedisURL, "off") {
		config.RedisURL = ""
	}

	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	timeout, err := intEnv("SESSION_TIMEOUT", int(config.SessionTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(timeout) * time.Minute

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: KEEPALIVE_PERIOD (in seconds)
	keepalive, err := intEnv("KEEPALIVE_PERIOD", int(config.KeepAlivePeriod/time.Second))
	if err != nil {
		return nil, err
	}
	config.KeepAlivePeriod = time.Duration(keepalive) * time.Second

	// Optional: MAX_BUFFER_SIZE (in bytes)
	if config.MaxBufferSize, err = intEnv("MAX_BUFFER_SIZE", config.MaxBufferSize); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if err := config.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "text", "json":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'text' or 'json'")
		}
	}

	return config, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", name)
	}
	return v, nil
}

func boolEnv(name string, def bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
