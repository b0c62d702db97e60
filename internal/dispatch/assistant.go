package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/types"
)

// ImaginePrefix switches a message to image generation.
const ImaginePrefix = "/imagine "

const (
	ActionChat          = "chat"
	ActionGenerateImage = "generate-image"
)

// AssistantBackend calls the structured AI service with a bearer token.
type AssistantBackend struct {
	url    string
	client *http.Client
}

// NewAssistantBackend builds a client that authenticates every call with
// token. base may be nil.
func NewAssistantBackend(ctx context.Context, url, token string, base *http.Client) *AssistantBackend {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &AssistantBackend{url: url, client: oauth2.NewClient(ctx, ts)}
}

func (a *AssistantBackend) Reply(ctx context.Context, out Outgoing) (Reply, error) {
	req := buildRequest(out)
	body, _, err := postJSON(ctx, a.client, a.url, req)
	var resp types.AssistantResponse
	if len(body) > 0 {
		if jerr := json.Unmarshal(body, &resp); jerr != nil && err == nil {
			return Reply{}, fmt.Errorf("malformed assistant response: %w", jerr)
		}
	}
	if resp.Error != "" {
		return Reply{}, errors.New(resp.Error)
	}
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{Text: resp.Reply}
	if resp.Image != "" {
		img, err := imageFromDataURI(resp.Image)
		if err != nil {
			return Reply{}, err
		}
		reply.Image = &img
	}
	if strings.TrimSpace(reply.Text) == "" && reply.Image == nil {
		reply.Text = DefaultReply
	}
	return reply, nil
}

func buildRequest(out Outgoing) types.AssistantRequest {
	if prompt, ok := strings.CutPrefix(out.Text, ImaginePrefix); ok {
		return types.AssistantRequest{
			Action:   ActionGenerateImage,
			Messages: []types.AssistantMessage{{Role: string(conversation.SenderUser), Content: prompt, Prompt: prompt}},
		}
	}
	msgs := make([]types.AssistantMessage, 0, len(out.History))
	for _, m := range out.History {
		text := describe(m)
		if text == "" {
			continue
		}
		msgs = append(msgs, types.AssistantMessage{Role: string(m.Sender), Content: text})
	}
	return types.AssistantRequest{Action: ActionChat, Messages: msgs}
}

// imageFromDataURI turns a generated image into an attachment. Only data URIs
// are decoded; other URLs are referenced as is.
func imageFromDataURI(uri string) (conversation.Image, error) {
	name := "generated-" + uuid.NewString()[:8]
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return conversation.Image{URL: uri, Filename: name + ".png"}, nil
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return conversation.Image{}, errors.New("malformed image data")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return conversation.Image{}, fmt.Errorf("malformed image data: %w", err)
	}
	ext := ".png"
	if mt := strings.TrimSuffix(meta, ";base64"); strings.HasPrefix(mt, "image/") {
		ext = "." + strings.TrimPrefix(mt, "image/")
	}
	return conversation.Image{URL: uri, Filename: name + ext, Size: int64(len(raw))}, nil
}
