package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/db"
)

// Requires a disposable PostgreSQL database in TEST_DB_URL.
func openTestDatabase(t *testing.T) *DatabaseStore {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		t.Skip("TEST_DB_URL not set")
	}
	database, err := db.New(url)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.RunMigrations(context.Background(), filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	return NewDatabaseStore(database)
}

func TestDatabaseStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	ds := openTestDatabase(t)
	owner := "test-" + uuid.NewString()

	s, err := conversation.Open(ctx, owner, ds)
	require.NoError(t, err)
	first := s.ActiveChatID()
	require.NoError(t, s.RenameChat(ctx, first, "Renamed"))
	_, err = s.AppendMessage(ctx, first, conversation.Message{
		Text:       "report attached",
		Sender:     conversation.SenderUser,
		Attachment: conversation.Document{URL: "u", Filename: "r.pdf", Size: 5, MimeType: "application/pdf"},
	})
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, "Second")
	require.NoError(t, err)

	loaded, err := conversation.Open(ctx, owner, ds)
	require.NoError(t, err)
	chats := loaded.Chats()
	require.Len(t, chats, 2)
	assert.Equal(t, "Renamed", chats[0].Name)
	require.Len(t, chats[0].Messages, 1)
	assert.Equal(t, "report attached", chats[0].Messages[0].Text)
	assert.Equal(t, conversation.Document{URL: "u", Filename: "r.pdf", Size: 5, MimeType: "application/pdf"}, chats[0].Messages[0].Attachment)
	assert.Equal(t, second.ID, chats[1].ID)

	require.NoError(t, loaded.DeleteChat(ctx, second.ID))
	again, err := conversation.Open(ctx, owner, ds)
	require.NoError(t, err)
	assert.Len(t, again.Chats(), 1)
}

func TestDatabaseStoreAppendToMissingChat(t *testing.T) {
	ds := openTestDatabase(t)
	msg := conversation.Message{ID: uuid.NewString(), Text: "x", Sender: conversation.SenderUser}
	err := ds.Commit(context.Background(), conversation.Mutation{
		Kind:    conversation.MutationAppend,
		Owner:   "nobody",
		Chat:    conversation.Chat{ID: uuid.NewString()},
		Message: &msg,
	}, conversation.Snapshot{})
	assert.ErrorIs(t, err, conversation.ErrChatNotFound)
}
