package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"evalchat-backend/internal/conversation"
)

const snapshotBucket = "chats"

// SnapshotStore persists each owner's whole chat collection as one JSON
// document in a bbolt file. Every commit rewrites the document.
type SnapshotStore struct {
	db  *bolt.DB
	key string
}

// OpenSnapshotStore opens (or creates) the bbolt file at path. key is the
// storage namespace the documents are written under.
func OpenSnapshotStore(path, key string) (*SnapshotStore, error) {
	if key == "" {
		return nil, fmt.Errorf("storage key is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db, key: key}, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) docKey(owner string) []byte {
	return []byte(s.key + ":" + owner)
}

func (s *SnapshotStore) Load(ctx context.Context, owner string) (conversation.Snapshot, error) {
	var snap conversation.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if b == nil {
			return nil
		}
		v := b.Get(s.docKey(owner))
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return conversation.Snapshot{}, fmt.Errorf("failed to read chats: %w", err)
	}
	return snap, nil
}

func (s *SnapshotStore) Commit(ctx context.Context, m conversation.Mutation, next conversation.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		if err != nil {
			return err
		}
		return bucket.Put(s.docKey(m.Owner), b)
	})
}
