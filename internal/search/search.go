// Package search finds messages across chats.
package search

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"evalchat-backend/internal/conversation"
)

// HighlightDuration is how long a selected result stays highlighted.
const HighlightDuration = 2 * time.Second

var ErrMessageNotFound = errors.New("message not found")

// Result is one matching message. Position is the message index within its
// chat.
type Result struct {
	ChatID   string
	ChatName string
	Message  conversation.Message
	Position int
}

// Search returns every message whose text contains query, ignoring case.
// Chats are scanned in the given order and messages oldest first. A blank
// query matches nothing.
func Search(chats []conversation.Chat, query string) []Result {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	needle := strings.ToLower(query)
	var out []Result
	for _, c := range chats {
		for i, m := range c.Messages {
			if strings.Contains(strings.ToLower(m.Text), needle) {
				out = append(out, Result{ChatID: c.ID, ChatName: c.Name, Message: m, Position: i})
			}
		}
	}
	return out
}

// Segment is a piece of message text; Match marks the parts equal to the
// query.
type Segment struct {
	Text  string `json:"text"`
	Match bool   `json:"match"`
}

// Segments splits text around occurrences of query, folding case the same
// way Search does. Matches are widened to whole runes of text.
func Segments(text, query string) []Segment {
	needle := strings.ToLower(query)
	if strings.TrimSpace(query) == "" || text == "" {
		return []Segment{{Text: text}}
	}
	// origin[j] is the offset in text of the rune that lowered into byte j.
	var folded strings.Builder
	origin := make([]int, 0, len(text))
	for i, r := range text {
		l := strings.ToLower(string(r))
		folded.WriteString(l)
		for n := 0; n < len(l); n++ {
			origin = append(origin, i)
		}
	}
	lower := folded.String()

	var out []Segment
	start := 0
	for j := 0; j < len(lower); {
		k := strings.Index(lower[j:], needle)
		if k < 0 {
			break
		}
		from := max(origin[j+k], start)
		last := origin[j+k+len(needle)-1]
		_, size := utf8.DecodeRuneInString(text[last:])
		to := last + size
		if from > start {
			out = append(out, Segment{Text: text[start:from]})
		}
		if to > from {
			out = append(out, Segment{Text: text[from:to], Match: true})
			start = to
		}
		j += k + len(needle)
	}
	if start < len(text) {
		out = append(out, Segment{Text: text[start:]})
	}
	return out
}

// Highlight tells the caller which message to scroll to and until when it
// should stay highlighted.
type Highlight struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Chats is the part of the conversation store that selection needs.
type Chats interface {
	Chat(id string) (conversation.Chat, bool)
	SelectChat(id string) error
}

// Select makes the result's chat active and returns the highlight for the
// matched message.
func Select(store Chats, chatID, messageID string, now time.Time) (Highlight, error) {
	c, ok := store.Chat(chatID)
	if !ok {
		return Highlight{}, conversation.ErrChatNotFound
	}
	found := false
	for _, m := range c.Messages {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return Highlight{}, ErrMessageNotFound
	}
	if err := store.SelectChat(chatID); err != nil {
		return Highlight{}, err
	}
	return Highlight{ChatID: chatID, MessageID: messageID, ExpiresAt: now.Add(HighlightDuration)}, nil
}
