package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreLocal  = "local"
	StoreRemote = "remote"
	StoreMemory = "memory"

	DispatchWebhook   = "webhook"
	DispatchAssistant = "assistant"
)

type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"*"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Conversation storage
	StoreMode     string `env:"STORE_MODE" envDefault:"local"`
	StorePath     string `env:"STORE_PATH" envDefault:"data/evalchat.db"`
	StoreKey      string `env:"STORE_KEY" envDefault:"evalchat.chats"`
	DatabaseURL   string `env:"DB_URL"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Message dispatch
	DispatchMode    string        `env:"DISPATCH_MODE" envDefault:"webhook"`
	WebhookURL      string        `env:"WEBHOOK_URL"`
	AssistantURL    string        `env:"ASSISTANT_URL"`
	AssistantToken  string        `env:"ASSISTANT_TOKEN"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"60s"`
	HistoryLimit    int           `env:"HISTORY_LIMIT" envDefault:"40"`

	// AI service
	AssistantTokens     []string `env:"ASSISTANT_TOKENS" envSeparator:","`
	OpenAIAPIKey        string   `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string   `env:"OPENAI_BASE_URL"`
	Model               string   `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	ImageModel          string   `env:"OPENAI_IMAGE_MODEL" envDefault:"dall-e-3"`
	AssistantPromptFile string   `env:"ASSISTANT_PROMPT_FILE" envDefault:"prompts/assistant.yaml"`

	// Uploads
	UploadDir     string `env:"UPLOAD_DIR" envDefault:"data/uploads"`
	UploadBaseURL string `env:"UPLOAD_BASE_URL" envDefault:"/files"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.AssistantTokens = compact(cfg.AssistantTokens)
	return cfg, nil
}

// Warnings lists settings that are valid but likely to fail at request time.
// They are returned rather than logged so callers can report them once the
// logger is configured.
func (c Config) Warnings() []string {
	var out []string
	if len(c.AssistantTokens) > 0 && c.OpenAIAPIKey == "" {
		out = append(out, "OPENAI_API_KEY is not set; /api/assistant calls will fail until provided")
	}
	return out
}

// Validate checks that the selected modes have what they need.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreMode {
	case StoreLocal:
		if c.StorePath == "" || c.StoreKey == "" {
			errs = append(errs, errors.New("STORE_PATH and STORE_KEY are required in local mode"))
		}
	case StoreRemote:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_URL is required in remote mode"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_MODE %q", c.StoreMode))
	}
	switch c.DispatchMode {
	case DispatchWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("WEBHOOK_URL is required in webhook mode"))
		}
	case DispatchAssistant:
		if c.AssistantURL == "" {
			errs = append(errs, errors.New("ASSISTANT_URL is required in assistant mode"))
		}
		if c.AssistantToken == "" {
			errs = append(errs, errors.New("ASSISTANT_TOKEN is required in assistant mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

func compact(list []string) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
