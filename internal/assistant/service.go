// Package assistant serves the structured AI-service RPC used by the
// assistant dispatch mode.
package assistant

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"evalchat-backend/internal/types"
)

const (
	ActionChat          = "chat"
	ActionGenerateImage = "generate-image"

	noResponse = "No response generated."
)

// Service answers chat and image-generation requests from callers holding
// one of the configured bearer tokens.
type Service struct {
	client     *openai.Client
	prompt     Prompt
	model      string
	imageModel string
	tokens     [][]byte
	timeout    time.Duration
}

func NewService(client *openai.Client, prompt Prompt, model, imageModel string, tokens []string) *Service {
	s := &Service{
		client:     client,
		prompt:     prompt,
		model:      model,
		imageModel: imageModel,
		timeout:    90 * time.Second,
	}
	for _, t := range tokens {
		if t != "" {
			s.tokens = append(s.tokens, []byte(t))
		}
	}
	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, types.AssistantResponse{Error: "Unauthorized"})
		return
	}
	var req types.AssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.AssistantResponse{Error: "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	switch req.Action {
	case "", ActionChat:
		reply, err := s.Chat(ctx, req.Messages)
		if err != nil {
			log.Error().Err(err).Str("component", "assistant").Msg("chat completion failed")
			writeJSON(w, http.StatusInternalServerError, types.AssistantResponse{Error: "AI API error: " + upstreamDetail(err)})
			return
		}
		writeJSON(w, http.StatusOK, types.AssistantResponse{Reply: reply})
	case ActionGenerateImage:
		reply, image, err := s.GenerateImage(ctx, req.Messages)
		if err != nil {
			log.Error().Err(err).Str("component", "assistant").Msg("image generation failed")
			writeJSON(w, http.StatusInternalServerError, types.AssistantResponse{Error: "Image generation failed: " + upstreamDetail(err)})
			return
		}
		writeJSON(w, http.StatusOK, types.AssistantResponse{Reply: reply, Image: image})
	default:
		writeJSON(w, http.StatusBadRequest, types.AssistantResponse{Error: "Unknown action"})
	}
}

// authorized compares the bearer token against every configured token.
func (s *Service) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	match := 0
	for _, t := range s.tokens {
		match |= subtle.ConstantTimeCompare([]byte(token), t)
	}
	return match == 1
}

// Chat runs a completion over msgs with the configured system prompt.
func (s *Service) Chat(ctx context.Context, msgs []types.AssistantMessage) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if s.prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.prompt.System})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		content := m.Content
		if content == "" {
			content = m.Prompt
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.prompt.Style.Temperature,
		MaxTokens:   s.prompt.Style.MaxTokens,
		Messages:    messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return noResponse, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateImage creates one image from the first message's prompt and
// returns it as a PNG data URI with any revised prompt as the reply text.
func (s *Service) GenerateImage(ctx context.Context, msgs []types.AssistantMessage) (string, string, error) {
	prompt := s.prompt.defaultImagePrompt()
	if len(msgs) > 0 {
		if p := strings.TrimSpace(msgs[0].Prompt); p != "" {
			prompt = p
		} else if c := strings.TrimSpace(msgs[0].Content); c != "" {
			prompt = c
		}
	}
	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          s.imageModel,
		N:              1,
		Size:           s.prompt.imageSize(),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", "", errors.New("no image returned")
	}
	return resp.Data[0].RevisedPrompt, "data:image/png;base64," + resp.Data[0].B64JSON, nil
}

func upstreamDetail(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%d", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("%d", reqErr.HTTPStatusCode)
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
