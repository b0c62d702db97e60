package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/types"
)

func TestAssistantBackendChat(t *testing.T) {
	var got types.AssistantRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(types.AssistantResponse{Reply: "Paris."})
	}))
	defer srv.Close()
	s := openStore(t)
	p := NewPipeline(NewAssistantBackend(context.Background(), srv.URL, "secret-token", srv.Client()))

	_, err := p.Send(context.Background(), s, SendRequest{Text: "Where is the Louvre?"})
	require.NoError(t, err)
	res, err := p.Send(context.Background(), s, SendRequest{Text: "And the Prado?"})
	require.NoError(t, err)

	assert.Equal(t, "Paris.", res.AssistantMessage.Text)
	assert.Equal(t, ActionChat, got.Action)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, types.AssistantMessage{Role: "user", Content: "Where is the Louvre?"}, got.Messages[0])
	assert.Equal(t, types.AssistantMessage{Role: "assistant", Content: "Paris."}, got.Messages[1])
	assert.Equal(t, types.AssistantMessage{Role: "user", Content: "And the Prado?"}, got.Messages[2])
}

func TestAssistantBackendImagine(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	var got types.AssistantRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(types.AssistantResponse{
			Reply: "Here it is",
			Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		})
	}))
	defer srv.Close()
	s := openStore(t)
	p := NewPipeline(NewAssistantBackend(context.Background(), srv.URL, "t", srv.Client()))

	res, err := p.Send(context.Background(), s, SendRequest{Text: "/imagine a red fox"})
	require.NoError(t, err)

	assert.Equal(t, ActionGenerateImage, got.Action)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "a red fox", got.Messages[0].Prompt)

	msg := res.AssistantMessage
	require.NotNil(t, msg)
	assert.Equal(t, "Here it is", msg.Text)
	img, ok := msg.Attachment.(conversation.Image)
	require.True(t, ok)
	assert.Equal(t, int64(len(png)), img.Size)
	assert.Contains(t, img.Filename, ".png")
}

func TestAssistantBackendReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(types.AssistantResponse{Error: "AI API error: 429"})
	}))
	defer srv.Close()
	s := openStore(t)
	p := NewPipeline(NewAssistantBackend(context.Background(), srv.URL, "t", srv.Client()))

	res, err := p.Send(context.Background(), s, SendRequest{Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "Sorry, an error occurred: AI API error: 429", res.AssistantMessage.Text)
}

func TestAssistantBackendMissingReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	b := NewAssistantBackend(context.Background(), srv.URL, "t", srv.Client())

	reply, err := b.Reply(context.Background(), Outgoing{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, DefaultReply, reply.Text)
}

func TestImageFromDataURIRejectsGarbage(t *testing.T) {
	_, err := imageFromDataURI("data:image/png;base64,@@@")
	assert.Error(t, err)
	_, err = imageFromDataURI("data:image/png,plain")
	assert.Error(t, err)

	img, err := imageFromDataURI("https://cdn.example.com/x.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/x.png", img.URL)
}
