package dispatch

import (
	"context"
	"net/http"
	"time"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/payload"
)

// TriggeredFrom identifies this service in webhook payloads.
const TriggeredFrom = "evalchat"

type webhookRequest struct {
	Message       string                 `json:"message"`
	Timestamp     time.Time              `json:"timestamp"`
	Sender        conversation.Sender    `json:"sender"`
	ChatID        string                 `json:"chat_id"`
	TriggeredFrom string                 `json:"triggered_from"`
	Image         *conversation.Image    `json:"image,omitempty"`
	Document      *conversation.Document `json:"document,omitempty"`
	Voice         *conversation.Voice    `json:"voice,omitempty"`
}

// WebhookBackend posts each message to an arbitrary endpoint and extracts
// the reply from whatever it answers with.
type WebhookBackend struct {
	url    string
	client *http.Client
}

func NewWebhookBackend(url string, client *http.Client) *WebhookBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookBackend{url: url, client: client}
}

func (w *WebhookBackend) Reply(ctx context.Context, out Outgoing) (Reply, error) {
	req := webhookRequest{
		Message:       out.Text,
		Timestamp:     out.Message.CreatedAt.UTC(),
		Sender:        conversation.SenderUser,
		ChatID:        out.ChatID,
		TriggeredFrom: TriggeredFrom,
	}
	req.Image, req.Document, req.Voice = conversation.SplitAttachment(out.Message.Attachment)

	body, contentType, err := postJSON(ctx, w.client, w.url, req)
	if err != nil {
		return Reply{}, err
	}
	v, err := payload.Parse(body, contentType)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: payload.ExtractOrFallback(v)}, nil
}
