package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/db"
)

// DatabaseStore writes each conversation change through to PostgreSQL as a
// single record. Conversations are scoped to an owner.
type DatabaseStore struct {
	db *db.DB
}

// NewDatabaseStore creates a new database store
func NewDatabaseStore(database *db.DB) *DatabaseStore {
	return &DatabaseStore{db: database}
}

// Load reads the owner's conversations oldest first and attaches their
// messages in chronological order.
func (ds *DatabaseStore) Load(ctx context.Context, owner string) (conversation.Snapshot, error) {
	if owner == "" {
		return conversation.Snapshot{}, fmt.Errorf("owner is required")
	}
	rows, err := ds.db.QueryContext(ctx, `
		SELECT id, name, updated_at
		FROM conversations
		WHERE owner = $1
		ORDER BY created_at ASC, id ASC
	`, owner)
	if err != nil {
		return conversation.Snapshot{}, fmt.Errorf("failed to load conversations: %w", err)
	}
	defer rows.Close()

	var (
		chats []conversation.Chat
		ids   []string
		index = make(map[string]int)
	)
	for rows.Next() {
		var c conversation.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.UpdatedAt); err != nil {
			return conversation.Snapshot{}, fmt.Errorf("failed to scan conversation: %w", err)
		}
		index[c.ID] = len(chats)
		chats = append(chats, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return conversation.Snapshot{}, err
	}
	if len(ids) == 0 {
		return conversation.Snapshot{}, nil
	}

	msgRows, err := ds.db.QueryContext(ctx, `
		SELECT id, conversation_id, text, sender, created_at, image_data, document_data, voice_data
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY created_at ASC, seq ASC
	`, pq.Array(ids))
	if err != nil {
		return conversation.Snapshot{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			m                  conversation.Message
			convID, sender     string
			imgB, docB, voiceB []byte
		)
		if err := msgRows.Scan(&m.ID, &convID, &m.Text, &sender, &m.CreatedAt, &imgB, &docB, &voiceB); err != nil {
			return conversation.Snapshot{}, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = conversation.Sender(sender)
		att, err := decodeAttachment(imgB, docB, voiceB)
		if err != nil {
			return conversation.Snapshot{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Attachment = att
		if i, ok := index[convID]; ok {
			chats[i].Messages = append(chats[i].Messages, m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return conversation.Snapshot{}, err
	}
	return conversation.Snapshot{Chats: chats}, nil
}

// Commit writes the single record named by m. Select changes are not stored.
func (ds *DatabaseStore) Commit(ctx context.Context, m conversation.Mutation, _ conversation.Snapshot) error {
	switch m.Kind {
	case conversation.MutationCreate:
		_, err := ds.db.ExecContext(ctx, `
			INSERT INTO conversations (id, owner, name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, m.Chat.ID, m.Owner, m.Chat.Name, m.Chat.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		return nil
	case conversation.MutationRename:
		return ds.execOne(ctx, "rename conversation", `
			UPDATE conversations SET name = $1 WHERE id = $2 AND owner = $3
		`, m.Chat.Name, m.Chat.ID, m.Owner)
	case conversation.MutationDelete:
		return ds.execOne(ctx, "delete conversation", `
			DELETE FROM conversations WHERE id = $1 AND owner = $2
		`, m.Chat.ID, m.Owner)
	case conversation.MutationAppend:
		if m.Message == nil {
			return fmt.Errorf("append mutation without message")
		}
		return ds.appendMessage(ctx, m.Owner, m.Chat, *m.Message)
	case conversation.MutationSelect:
		return nil
	}
	return fmt.Errorf("unknown mutation %q", m.Kind)
}

func (ds *DatabaseStore) appendMessage(ctx context.Context, owner string, chat conversation.Chat, msg conversation.Message) error {
	img, doc, voice := conversation.SplitAttachment(msg.Attachment)
	imgCol, err := jsonColumn(img)
	if err != nil {
		return err
	}
	docCol, err := jsonColumn(doc)
	if err != nil {
		return err
	}
	voiceCol, err := jsonColumn(voice)
	if err != nil {
		return err
	}

	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = $1 WHERE id = $2 AND owner = $3
	`, chat.UpdatedAt, chat.ID, owner)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrChatNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, text, sender, created_at, image_data, document_data, voice_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, chat.ID, msg.Text, string(msg.Sender), msg.CreatedAt, imgCol, docCol, voiceCol); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

func (ds *DatabaseStore) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := ds.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return conversation.ErrChatNotFound
	}
	return nil
}

func jsonColumn[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeAttachment(imgB, docB, voiceB []byte) (conversation.Attachment, error) {
	var (
		img   *conversation.Image
		doc   *conversation.Document
		voice *conversation.Voice
	)
	if len(imgB) > 0 {
		img = new(conversation.Image)
		if err := json.Unmarshal(imgB, img); err != nil {
			return nil, err
		}
	}
	if len(docB) > 0 {
		doc = new(conversation.Document)
		if err := json.Unmarshal(docB, doc); err != nil {
			return nil, err
		}
	}
	if len(voiceB) > 0 {
		voice = new(conversation.Voice)
		if err := json.Unmarshal(voiceB, voice); err != nil {
			return nil, err
		}
	}
	return conversation.JoinAttachment(img, doc, voice)
}
