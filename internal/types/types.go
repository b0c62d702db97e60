package types

import (
	"time"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/search"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// AssistantMessage is one entry of an AI-service request. Prompt is read by
// image generation.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

type AssistantRequest struct {
	Messages []AssistantMessage `json:"messages"`
	Action   string             `json:"action"`
}

// AssistantResponse carries either a reply (with an optional data-URI image)
// or an error.
type AssistantResponse struct {
	Reply string `json:"reply,omitempty"`
	Image string `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

type ChatListResponse struct {
	SessionID    string              `json:"sessionId"`
	Chats        []conversation.Chat `json:"chats"`
	ActiveChatID string              `json:"activeChatId"`
}

type CreateChatRequest struct {
	Name string `json:"name"`
}

type RenameChatRequest struct {
	Name string `json:"name"`
}

// SendRequest carries at most one attachment, as returned by an upload.
type SendRequest struct {
	Text     string                 `json:"text"`
	Image    *conversation.Image    `json:"image,omitempty"`
	Document *conversation.Document `json:"document,omitempty"`
	Voice    *conversation.Voice    `json:"voice,omitempty"`
}

type SendResponse struct {
	ChatID           string                `json:"chatId"`
	UserMessage      conversation.Message  `json:"userMessage"`
	AssistantMessage *conversation.Message `json:"assistantMessage,omitempty"`
	Failed           bool                  `json:"failed"`
	Dropped          bool                  `json:"dropped"`
	Notice           string                `json:"notice,omitempty"`
}

type SearchResult struct {
	ChatID   string               `json:"chatId"`
	ChatName string               `json:"chatName"`
	Message  conversation.Message `json:"message"`
	Position int                  `json:"position"`
	Segments []search.Segment     `json:"segments"`
}

type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type SearchSelectRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type HealthResponse struct {
	Status   string    `json:"status"`
	Database string    `json:"database,omitempty"`
	Time     time.Time `json:"time"`
}
