package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// messageJSON is the wire and storage layout of a Message. At most one of the
// attachment keys is set.
type messageJSON struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Image     *Image    `json:"image,omitempty"`
	Document  *Document `json:"document,omitempty"`
	Voice     *Voice    `json:"voice,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:        m.ID,
		Text:      m.Text,
		Sender:    m.Sender,
		Timestamp: m.CreatedAt.UTC(),
	}
	out.Image, out.Document, out.Voice = SplitAttachment(m.Attachment)
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var in messageJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	att, err := JoinAttachment(in.Image, in.Document, in.Voice)
	if err != nil {
		return fmt.Errorf("message %s: %w", in.ID, err)
	}
	*m = Message{
		ID:         in.ID,
		Text:       in.Text,
		Sender:     in.Sender,
		CreatedAt:  in.Timestamp,
		Attachment: att,
	}
	return nil
}

// SplitAttachment spreads an attachment over the per-kind optional fields
// used by the storage layouts.
func SplitAttachment(a Attachment) (*Image, *Document, *Voice) {
	switch v := a.(type) {
	case Image:
		return &v, nil, nil
	case Document:
		return nil, &v, nil
	case Voice:
		return nil, nil, &v
	}
	return nil, nil, nil
}

var errManyAttachments = errors.New("more than one attachment")

// JoinAttachment is the inverse of SplitAttachment.
func JoinAttachment(img *Image, doc *Document, voice *Voice) (Attachment, error) {
	var (
		out Attachment
		n   int
	)
	if img != nil {
		out, n = *img, n+1
	}
	if doc != nil {
		out, n = *doc, n+1
	}
	if voice != nil {
		out, n = *voice, n+1
	}
	if n > 1 {
		return nil, errManyAttachments
	}
	return out, nil
}

type chatJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Messages    []Message `json:"messages"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
}

func (c Chat) MarshalJSON() ([]byte, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(chatJSON{
		ID:          c.ID,
		Name:        c.Name,
		Messages:    msgs,
		LastMessage: c.LastMessage,
		Timestamp:   c.UpdatedAt.UTC(),
	})
}

func (c *Chat) UnmarshalJSON(b []byte) error {
	var in chatJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = Chat{
		ID:          in.ID,
		Name:        in.Name,
		Messages:    in.Messages,
		LastMessage: in.LastMessage,
		UpdatedAt:   in.Timestamp,
	}
	return nil
}
