// Package dispatch sends user messages to a reply backend and records both
// sides of the exchange in the conversation store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evalchat-backend/internal/conversation"
)

const (
	// DefaultReply is used when a backend answers without any content.
	DefaultReply = "No response generated."

	DefaultTimeout      = 60 * time.Second
	DefaultHistoryLimit = 40

	failureNotice = "Failed to get a response. Please try again."
	droppedNotice = "The chat was deleted before the reply arrived."
)

var (
	ErrEmptyMessage = errors.New("message needs text or an attachment")
	ErrBusy         = errors.New("a message is already being sent")
	ErrNoActiveChat = errors.New("no active chat")
)

// State of a send surface.
type State int

const (
	Idle State = iota
	Sending
)

func (s State) String() string {
	if s == Sending {
		return "sending"
	}
	return "idle"
}

// Outgoing is what a Backend receives for one send.
type Outgoing struct {
	ChatID  string
	Message conversation.Message
	// Text is the message text, or a description of the attachment when the
	// text is empty.
	Text string
	// History holds the most recent messages of the chat, oldest first, and
	// ends with Message.
	History []conversation.Message
}

// Reply is a backend answer. Image is set only by image generation.
type Reply struct {
	Text  string
	Image *conversation.Image
}

type Backend interface {
	Reply(ctx context.Context, out Outgoing) (Reply, error)
}

type SendRequest struct {
	Text       string
	Attachment conversation.Attachment
}

// Result reports what a send appended. AssistantMessage is nil when the
// reply was dropped.
type Result struct {
	ChatID           string
	UserMessage      conversation.Message
	AssistantMessage *conversation.Message
	Failed           bool
	Dropped          bool
	Notice           string
}

// Pipeline runs sends for any number of stores, allowing one send in flight
// per store owner.
type Pipeline struct {
	backend      Backend
	timeout      time.Duration
	historyLimit int

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Pipeline)

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.historyLimit = n
		}
	}
}

func NewPipeline(backend Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:      backend,
		timeout:      DefaultTimeout,
		historyLimit: DefaultHistoryLimit,
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports whether owner has a send in flight.
func (p *Pipeline) State(owner string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[owner]; ok {
		return Sending
	}
	return Idle
}

func (p *Pipeline) acquire(owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[owner]; ok {
		return false
	}
	p.inflight[owner] = struct{}{}
	return true
}

func (p *Pipeline) release(owner string) {
	p.mu.Lock()
	delete(p.inflight, owner)
	p.mu.Unlock()
}

// Send appends the user message to the active chat, asks the backend for a
// reply and appends that (or an error message) to the same chat. Guard
// failures return an error before anything is appended. Once the user message
// is stored, backend failures are reported through Result rather than err.
func (p *Pipeline) Send(ctx context.Context, store *conversation.Store, req SendRequest) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Attachment == nil {
		return Result{}, ErrEmptyMessage
	}
	owner := store.Owner()
	if !p.acquire(owner) {
		return Result{}, ErrBusy
	}
	defer p.release(owner)

	chat, ok := store.ActiveChat()
	if !ok {
		return Result{}, ErrNoActiveChat
	}
	userMsg, err := store.AppendMessage(ctx, chat.ID, conversation.Message{
		Text:       text,
		Sender:     conversation.SenderUser,
		Attachment: req.Attachment,
	})
	if err != nil {
		return Result{}, fmt.Errorf("store user message: %w", err)
	}
	res := Result{ChatID: chat.ID, UserMessage: userMsg}

	out := Outgoing{
		ChatID:  chat.ID,
		Message: userMsg,
		Text:    describe(userMsg),
		History: p.history(store, chat.ID),
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	reply, err := p.backend.Reply(callCtx, out)
	cancel()

	logger := log.With().Str("component", "dispatch").Str("owner", owner).Str("chat_id", chat.ID).Logger()
	answer := conversation.Message{Sender: conversation.SenderAssistant}
	if err != nil {
		logger.Error().Err(err).Msg("backend reply failed")
		answer.Text = "Sorry, an error occurred: " + errorDetail(err)
		res.Failed = true
		res.Notice = failureNotice
	} else {
		answer.Text = strings.TrimSpace(reply.Text)
		if reply.Image != nil {
			answer.Attachment = *reply.Image
		}
		if answer.Text == "" && answer.Attachment == nil {
			answer.Text = DefaultReply
		}
	}

	// The reply belongs to the exchange even if the caller has gone away.
	stored, err := store.AppendMessage(context.WithoutCancel(ctx), chat.ID, answer)
	if errors.Is(err, conversation.ErrChatNotFound) {
		logger.Warn().Msg("target chat deleted while sending, reply dropped")
		res.Dropped = true
		res.Notice = droppedNotice
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("store assistant message: %w", err)
	}
	res.AssistantMessage = &stored
	return res, nil
}

func (p *Pipeline) history(store *conversation.Store, chatID string) []conversation.Message {
	chat, ok := store.Chat(chatID)
	if !ok {
		return nil
	}
	msgs := chat.Messages
	if len(msgs) > p.historyLimit {
		msgs = msgs[len(msgs)-p.historyLimit:]
	}
	return msgs
}

// describe returns the text sent for m, describing the attachment when m has
// no text of its own.
func describe(m conversation.Message) string {
	if m.Text != "" || m.Attachment == nil {
		return m.Text
	}
	switch a := m.Attachment.(type) {
	case conversation.Image:
		return fmt.Sprintf("[Image: %s]", a.Filename)
	case conversation.Document:
		return fmt.Sprintf("[Document: %s]", a.Filename)
	case conversation.Voice:
		return fmt.Sprintf("[Voice message: %.0fs]", a.Duration)
	}
	return m.Attachment.Placeholder()
}

func errorDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "the request timed out"
	}
	return err.Error()
}
