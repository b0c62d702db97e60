package store

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"evalchat-backend/internal/conversation"
)

// MemoryBackend keeps snapshots in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu        sync.RWMutex
	snapshots map[string]conversation.Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: make(map[string]conversation.Snapshot)}
}

func (m *MemoryBackend) Load(ctx context.Context, owner string) (conversation.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySnapshot(m.snapshots[owner]), nil
}

func (m *MemoryBackend) Commit(ctx context.Context, mut conversation.Mutation, next conversation.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[mut.Owner] = copySnapshot(next)
	return nil
}

func copySnapshot(s conversation.Snapshot) conversation.Snapshot {
	out := conversation.Snapshot{ActiveChatID: s.ActiveChatID}
	if s.Chats == nil {
		return out
	}
	out.Chats = make([]conversation.Chat, len(s.Chats))
	for i, c := range s.Chats {
		c.Messages = append([]conversation.Message(nil), c.Messages...)
		out.Chats[i] = c
	}
	return out
}

// Registry hands out one loaded conversation store per owner (session).
// Loads run outside the registry lock; concurrent first requests for the
// same owner share one load.
type Registry struct {
	mu      sync.RWMutex
	backend conversation.Backend
	opts    []conversation.Option
	stores  map[string]*conversation.Store
	loads   singleflight.Group
}

func NewRegistry(backend conversation.Backend, opts ...conversation.Option) *Registry {
	return &Registry{
		backend: backend,
		opts:    opts,
		stores:  make(map[string]*conversation.Store),
	}
}

// Get returns the owner's store, loading it from the backend on first use.
func (r *Registry) Get(ctx context.Context, owner string) (*conversation.Store, error) {
	if s, ok := r.cached(owner); ok {
		return s, nil
	}
	v, err, _ := r.loads.Do(owner, func() (any, error) {
		if s, ok := r.cached(owner); ok {
			return s, nil
		}
		// Shared by every waiter; detached from the first caller's cancellation.
		s, err := conversation.Open(context.WithoutCancel(ctx), owner, r.backend, r.opts...)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.stores[owner]; ok {
			s.Close()
			return existing, nil
		}
		r.stores[owner] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conversation.Store), nil
}

func (r *Registry) cached(owner string) (*conversation.Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[owner]
	return s, ok
}

// Forget drops the cached store so the next Get reloads it. The dropped store
// is closed, so a send still holding it cannot overwrite newer state.
func (r *Registry) Forget(owner string) {
	r.mu.Lock()
	s, ok := r.stores[owner]
	delete(r.stores, owner)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}
