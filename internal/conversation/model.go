// Package conversation holds chat threads and keeps their derived summaries
// consistent with the messages appended to them.
package conversation

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// AttachmentKind names the attachment variants.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
	KindVoice    AttachmentKind = "voice"
)

// Attachment is implemented by Image, Document and Voice only.
type Attachment interface {
	Kind() AttachmentKind
	// Placeholder is the text shown in place of an empty message body.
	Placeholder() string
	sealed()
}

type Image struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type Document struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type Voice struct {
	URL      string  `json:"url"`
	Filename string  `json:"filename"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration"`
}

func (Image) Kind() AttachmentKind    { return KindImage }
func (Document) Kind() AttachmentKind { return KindDocument }
func (Voice) Kind() AttachmentKind    { return KindVoice }

func (Image) Placeholder() string    { return "📷 Image" }
func (Document) Placeholder() string { return "📄 Document" }
func (Voice) Placeholder() string    { return "🎤 Voice message" }

func (Image) sealed()    {}
func (Document) sealed() {}
func (Voice) sealed()    {}

// Message is immutable once appended to a chat.
type Message struct {
	ID         string
	Text       string
	Sender     Sender
	CreatedAt  time.Time
	Attachment Attachment
}

// Chat is one conversation thread. LastMessage and UpdatedAt are derived
// by the Store on every append.
type Chat struct {
	ID          string
	Name        string
	Messages    []Message
	LastMessage string
	UpdatedAt   time.Time
}

func (c Chat) clone() Chat {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// SummaryLimit is the number of characters kept in Chat.LastMessage.
const SummaryLimit = 50

// Summarize returns the sidebar summary for m: its text, or the attachment
// placeholder when the text is empty, cut to SummaryLimit characters.
func Summarize(m Message) string {
	text := m.Text
	if strings.TrimSpace(text) == "" && m.Attachment != nil {
		text = m.Attachment.Placeholder()
	}
	if utf8.RuneCountInString(text) <= SummaryLimit {
		return text
	}
	return string([]rune(text)[:SummaryLimit]) + "..."
}

func summarizeChat(c Chat) string {
	if len(c.Messages) == 0 {
		return ""
	}
	return Summarize(c.Messages[len(c.Messages)-1])
}
