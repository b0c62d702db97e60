package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalchat-backend/internal/conversation"
)

func TestMemoryBackendCopiesSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	next := conversation.Snapshot{
		Chats:        []conversation.Chat{{ID: "c", Name: "n", Messages: []conversation.Message{{ID: "m", Text: "a"}}}},
		ActiveChatID: "c",
	}
	require.NoError(t, m.Commit(ctx, conversation.Mutation{Owner: "o"}, next))
	next.Chats[0].Messages[0].Text = "changed"

	got, err := m.Load(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Chats[0].Messages[0].Text)
	assert.Equal(t, "c", got.ActiveChatID)

	empty, err := m.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Chats)
}

func TestRegistryLoadsOncePerOwner(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryBackend())

	var wg sync.WaitGroup
	stores := make([]*conversation.Store, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(ctx, "sess")
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}

	other, err := r.Get(ctx, "other")
	require.NoError(t, err)
	assert.NotSame(t, stores[0], other)
}

func TestRegistryForgetReloadsFromBackend(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryBackend())
	s, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	c, err := s.CreateChat(ctx, "kept")
	require.NoError(t, err)

	r.Forget("sess")
	again, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	assert.NotSame(t, s, again)
	_, ok := again.Chat(c.ID)
	assert.True(t, ok)
}

// gatedBackend blocks Load for one owner until release is closed.
type gatedBackend struct {
	*MemoryBackend
	owner   string
	started chan struct{}
	release chan struct{}
	loads   atomic.Int32
}

func newGatedBackend(owner string) *gatedBackend {
	return &gatedBackend{
		MemoryBackend: NewMemoryBackend(),
		owner:         owner,
		started:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (g *gatedBackend) Load(ctx context.Context, owner string) (conversation.Snapshot, error) {
	if owner == g.owner {
		g.loads.Add(1)
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.MemoryBackend.Load(ctx, owner)
}

func TestRegistrySlowLoadDoesNotBlockOtherOwners(t *testing.T) {
	ctx := context.Background()
	b := newGatedBackend("slow")
	r := NewRegistry(b)
	fast, err := r.Get(ctx, "fast")
	require.NoError(t, err)

	slowDone := make(chan *conversation.Store)
	go func() {
		s, err := r.Get(ctx, "slow")
		assert.NoError(t, err)
		slowDone <- s
	}()
	<-b.started

	got := make(chan *conversation.Store)
	go func() {
		s, _ := r.Get(ctx, "fast")
		got <- s
	}()
	select {
	case s := <-got:
		assert.Same(t, fast, s)
	case <-time.After(2 * time.Second):
		t.Fatal("Get for a cached owner waited on another owner's load")
	}

	close(b.release)
	assert.NotNil(t, <-slowDone)
}

func TestRegistrySharesConcurrentLoad(t *testing.T) {
	ctx := context.Background()
	b := newGatedBackend("sess")
	r := NewRegistry(b)

	var wg sync.WaitGroup
	stores := make([]*conversation.Store, 4)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(ctx, "sess")
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	<-b.started
	close(b.release)
	wg.Wait()

	assert.Equal(t, int32(1), b.loads.Load())
	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}
}

func TestRegistryForgetClosesOldStore(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	r := NewRegistry(backend)
	old, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	chatID := old.ActiveChatID()

	r.Forget("sess")
	fresh, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	made, err := fresh.CreateChat(ctx, "made in new store")
	require.NoError(t, err)

	_, err = old.AppendMessage(ctx, chatID, conversation.Message{Text: "late reply", Sender: conversation.SenderAssistant})
	assert.ErrorIs(t, err, conversation.ErrClosed)

	snap, err := backend.Load(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, snap.Chats, 2)
	assert.Equal(t, made.ID, snap.Chats[1].ID)
}
