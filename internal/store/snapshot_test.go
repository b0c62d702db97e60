package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalchat-backend/internal/conversation"
)

func openSnapshot(t *testing.T, path string) *SnapshotStore {
	t.Helper()
	s, err := OpenSnapshotStore(path, "evalchat.chats")
	require.NoError(t, err)
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "chats.db")
	backend := openSnapshot(t, path)

	s, err := conversation.Open(ctx, "sess-1", backend)
	require.NoError(t, err)
	first := s.ActiveChatID()
	require.NoError(t, s.RenameChat(ctx, first, "Travel"))
	_, err = s.AppendMessage(ctx, first, conversation.Message{Text: "Where to?", Sender: conversation.SenderUser})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, first, conversation.Message{
		Text:       "",
		Sender:     conversation.SenderAssistant,
		Attachment: conversation.Image{URL: "/files/uploads/a.png", Filename: "a.png", Size: 2048},
	})
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, "Recipes")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, second.ID, conversation.Message{
		Text:       "voice note",
		Sender:     conversation.SenderUser,
		Attachment: conversation.Voice{URL: "/files/uploads/v.webm", Filename: "v.webm", Size: 99, Duration: 4.25},
	})
	require.NoError(t, err)
	want := s.Chats()
	require.NoError(t, backend.Close())

	reopened := openSnapshot(t, path)
	defer reopened.Close()
	loaded, err := conversation.Open(ctx, "sess-1", reopened)
	require.NoError(t, err)
	got := loaded.Chats()

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].LastMessage, got[i].LastMessage)
		assert.True(t, want[i].UpdatedAt.Equal(got[i].UpdatedAt))
		require.Len(t, got[i].Messages, len(want[i].Messages))
		for j := range want[i].Messages {
			w, g := want[i].Messages[j], got[i].Messages[j]
			assert.Equal(t, w.ID, g.ID)
			assert.Equal(t, w.Text, g.Text)
			assert.Equal(t, w.Sender, g.Sender)
			assert.Equal(t, w.Attachment, g.Attachment)
			assert.True(t, w.CreatedAt.Equal(g.CreatedAt))
			assert.IsType(t, time.Time{}, g.CreatedAt)
		}
	}
	assert.Equal(t, second.ID, loaded.ActiveChatID())
}

func TestSnapshotOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := openSnapshot(t, filepath.Join(t.TempDir(), "chats.db"))
	defer backend.Close()

	a, err := conversation.Open(ctx, "alice", backend)
	require.NoError(t, err)
	_, err = a.CreateChat(ctx, "alice only")
	require.NoError(t, err)

	b, err := conversation.Open(ctx, "bob", backend)
	require.NoError(t, err)
	assert.Len(t, b.Chats(), 1)
	assert.Len(t, a.Chats(), 2)
}

func TestOpenSnapshotStoreRequiresKey(t *testing.T) {
	_, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "x.db"), "")
	assert.Error(t, err)
}

func TestSnapshotCommitHonoursCancelledContext(t *testing.T) {
	backend := openSnapshot(t, filepath.Join(t.TempDir(), "chats.db"))
	defer backend.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backend.Commit(ctx, conversation.Mutation{Kind: conversation.MutationCreate, Owner: "o"}, conversation.Snapshot{})
	assert.ErrorIs(t, err, context.Canceled)
}
