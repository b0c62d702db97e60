package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrChatNotFound  = errors.New("chat not found")
	ErrLastChat      = errors.New("cannot delete the only remaining chat")
	ErrEmptyMessage  = errors.New("message needs text or an attachment")
	ErrInvalidSender = errors.New("invalid message sender")
	ErrClosed        = errors.New("chat store is closed")
	// ErrPersist wraps every backend write failure. The in-memory state is
	// left as it was before the failed mutation.
	ErrPersist = errors.New("failed to persist chat change")
)

// MutationKind names a structural change to the store.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationRename MutationKind = "rename"
	MutationDelete MutationKind = "delete"
	MutationAppend MutationKind = "append"
	MutationSelect MutationKind = "select"
)

// Mutation describes one change handed to a Backend. Chat is the affected
// chat after the change (before it, for deletes); Message is set for appends.
type Mutation struct {
	Kind    MutationKind
	Owner   string
	Chat    Chat
	Message *Message
}

// Snapshot is the whole state of one owner's store.
type Snapshot struct {
	Chats        []Chat `json:"chats"`
	ActiveChatID string `json:"activeChatId"`
}

// Backend persists store mutations. Whole-collection backends write next;
// record backends write only what m names.
type Backend interface {
	Load(ctx context.Context, owner string) (Snapshot, error)
	Commit(ctx context.Context, m Mutation, next Snapshot) error
}

// Event is published to subscribers after a mutation becomes visible.
type Event struct {
	Kind   MutationKind
	ChatID string
}

// Store is the in-memory chat collection of a single owner. Chats are kept
// in creation order, newest last.
type Store struct {
	mu       sync.Mutex
	owner    string
	backend  Backend
	chats    []Chat
	activeID string
	closed   bool
	now      func() time.Time
	newID    func() string

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

type Option func(*Store)

// WithClock replaces time.Now for derived timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString for chat and message ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Open loads the owner's chats from backend. An empty collection gets a
// first chat so that the store is never empty.
func Open(ctx context.Context, owner string, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		owner:   owner,
		backend: backend,
		now:     time.Now,
		newID:   uuid.NewString,
		subs:    make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	snap, err := backend.Load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load chats for %s: %w", owner, err)
	}
	s.chats = make([]Chat, 0, len(snap.Chats))
	for _, c := range snap.Chats {
		c = c.clone()
		c.LastMessage = summarizeChat(c)
		s.chats = append(s.chats, c)
	}
	s.activeID = snap.ActiveChatID
	if s.indexLocked(s.activeID) < 0 && len(s.chats) > 0 {
		s.activeID = s.chats[0].ID
	}
	if len(s.chats) == 0 {
		if _, err := s.CreateChat(ctx, "Chat 1"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Owner() string { return s.owner }

// Chats returns a copy of all chats in display order.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = c.clone()
	}
	return out
}

func (s *Store) Chat(id string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Chat{}, false
	}
	return s.chats[i].clone(), true
}

func (s *Store) ActiveChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Store) ActiveChat() (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(s.activeID)
	if i < 0 {
		return Chat{}, false
	}
	return s.chats[i].clone(), true
}

// CreateChat appends a new empty chat and makes it active. A blank name
// becomes "Chat N".
func (s *Store) CreateChat(ctx context.Context, name string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("Chat %d", len(s.chats)+1)
	}
	chat := Chat{ID: s.newID(), Name: name, UpdatedAt: s.now()}
	next := s.stageLocked()
	next = append(next, chat)
	if err := s.commitLocked(ctx, Mutation{Kind: MutationCreate, Chat: chat}, next, chat.ID); err != nil {
		return Chat{}, err
	}
	return chat.clone(), nil
}

// RenameChat changes the chat's name. A name that trims to empty is ignored.
func (s *Store) RenameChat(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrChatNotFound
	}
	next := s.stageLocked()
	next[i].Name = name
	return s.commitLocked(ctx, Mutation{Kind: MutationRename, Chat: next[i]}, next, s.activeID)
}

// DeleteChat removes a chat. The last remaining chat cannot be deleted.
// Deleting the active chat moves the active pointer to the first chat left.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrChatNotFound
	}
	if len(s.chats) == 1 {
		return ErrLastChat
	}
	removed := s.chats[i]
	next := s.stageLocked()
	next = append(next[:i], next[i+1:]...)
	active := s.activeID
	if active == id {
		active = next[0].ID
	}
	return s.commitLocked(ctx, Mutation{Kind: MutationDelete, Chat: removed}, next, active)
}

// AppendMessage adds msg to the chat and recomputes its summary fields.
// Missing ids and timestamps are filled in; the stored message is returned.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, error) {
	if strings.TrimSpace(msg.Text) == "" && msg.Attachment == nil {
		return Message{}, ErrEmptyMessage
	}
	if !msg.Sender.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidSender, msg.Sender)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(chatID)
	if i < 0 {
		return Message{}, ErrChatNotFound
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	next := s.stageLocked()
	chat := next[i].clone()
	chat.Messages = append(chat.Messages, msg)
	chat.LastMessage = Summarize(msg)
	chat.UpdatedAt = now
	next[i] = chat
	m := Mutation{Kind: MutationAppend, Chat: chat, Message: &msg}
	if err := s.commitLocked(ctx, m, next, s.activeID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close detaches the store from its backend once any commit in progress has
// finished. Later mutations fail with ErrClosed; reads keep working.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// SelectChat moves the active pointer. It is not persisted as a mutation.
func (s *Store) SelectChat(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	s.activeID = id
	s.mu.Unlock()
	s.publish(Event{Kind: MutationSelect, ChatID: id})
	return nil
}

// Subscribe returns a channel of change events and a cancel func. Events are
// dropped for subscribers that are not keeping up.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.chats {
		if s.chats[i].ID == id {
			return i
		}
	}
	return -1
}

// stageLocked returns a copy of the chat list that can be changed without
// affecting readers until commitLocked swaps it in.
func (s *Store) stageLocked() []Chat {
	return append(make([]Chat, 0, len(s.chats)+1), s.chats...)
}

func (s *Store) commitLocked(ctx context.Context, m Mutation, next []Chat, activeID string) error {
	if s.closed {
		return ErrClosed
	}
	m.Owner = s.owner
	if err := s.backend.Commit(ctx, m, Snapshot{Chats: next, ActiveChatID: activeID}); err != nil {
		log.Warn().Err(err).
			Str("component", "conversation").
			Str("owner", s.owner).
			Str("mutation", string(m.Kind)).
			Str("chat_id", m.Chat.ID).
			Msg("persist failed, change rolled back")
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.chats = next
	s.activeID = activeID
	// publish takes subMu only; holding mu here keeps event order equal to commit order.
	s.publish(Event{Kind: m.Kind, ChatID: m.Chat.ID})
	return nil
}
