package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/chat")
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreLocal, cfg.StoreMode)
	assert.Equal(t, "evalchat.chats", cfg.StoreKey)
	assert.Equal(t, DispatchWebhook, cfg.DispatchMode)
	assert.Equal(t, 60*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 40, cfg.HistoryLimit)
	assert.Equal(t, "/files", cfg.UploadBaseURL)
	assert.NoError(t, cfg.Validate())
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("STORE_MODE", "remote")
	t.Setenv("DB_URL", "postgres://localhost/evalchat")
	t.Setenv("DISPATCH_MODE", "assistant")
	t.Setenv("ASSISTANT_URL", "http://localhost:8080/api/assistant")
	t.Setenv("ASSISTANT_TOKEN", "abc")
	t.Setenv("ASSISTANT_TOKENS", "abc, def ,,")
	t.Setenv("DISPATCH_TIMEOUT", "15s")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, cfg.AssistantTokens)
	assert.Equal(t, 15*time.Second, cfg.DispatchTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Setenv("DISPATCH_TIMEOUT", "soon")
	_, err := Parse()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown store", Config{StoreMode: "s3", DispatchMode: DispatchWebhook, WebhookURL: "x", DispatchTimeout: time.Second, HistoryLimit: 1}, `unknown STORE_MODE "s3"`},
		{"remote without db", Config{StoreMode: StoreRemote, DispatchMode: DispatchWebhook, WebhookURL: "x", DispatchTimeout: time.Second, HistoryLimit: 1}, "DB_URL is required"},
		{"webhook without url", Config{StoreMode: StoreMemory, DispatchMode: DispatchWebhook, DispatchTimeout: time.Second, HistoryLimit: 1}, "WEBHOOK_URL is required"},
		{"assistant without token", Config{StoreMode: StoreMemory, DispatchMode: DispatchAssistant, AssistantURL: "x", DispatchTimeout: time.Second, HistoryLimit: 1}, "ASSISTANT_TOKEN is required"},
		{"zero timeout", Config{StoreMode: StoreMemory, DispatchMode: DispatchWebhook, WebhookURL: "x", HistoryLimit: 1}, "DISPATCH_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseLeavesWarningsToCaller(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	t.Setenv("ASSISTANT_TOKENS", "tok")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	warnings := cfg.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "OPENAI_API_KEY")

	cfg.OpenAIAPIKey = "sk-test"
	assert.Empty(t, cfg.Warnings())
	cfg.OpenAIAPIKey = ""
	cfg.AssistantTokens = nil
	assert.Empty(t, cfg.Warnings())
}
