package chat

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Event types carried on the order topic.
const (
	EventMessageNew      = "message.new"
	EventMessageRead     = "message.read"
	EventMessageReaction = "message.reaction"
	EventTyping          = "typing"
	EventPresenceSync    = "sync"
)

// Attachment is one file reference inside a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one entry in an order's negotiation channel. System messages
// have an empty SenderID and no correlation id. The (order_id,
// correlation_id) unique index is what makes client resends safe.
type Message struct {
	ID               string         `gorm:"column:id;primaryKey" json:"id"`
	OrderID          string         `gorm:"column:order_id;index;uniqueIndex:idx_order_correlation" json:"order_id"`
	SenderID         string         `gorm:"column:sender_id" json:"sender_id"`
	Content          string         `gorm:"column:content" json:"content"`
	Attachments      datatypes.JSON `gorm:"column:attachments" json:"attachments,omitempty"`
	IsSystem         bool           `gorm:"column:is_system" json:"is_system"`
	ReplyToMessageID string         `gorm:"column:reply_to_message_id" json:"reply_to_message_id,omitempty"`
	Reactions        datatypes.JSON `gorm:"column:reactions" json:"reactions,omitempty"`
	ReadAt           *time.Time     `gorm:"column:read_at" json:"read_at,omitempty"`
	CorrelationID    *string        `gorm:"column:correlation_id;uniqueIndex:idx_order_correlation" json:"correlation_id,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
}

// ReactionSet decodes the stored reactions as emoji -> user ids.
func (m *Message) ReactionSet() (map[string][]string, error) {
	out := map[string][]string{}
	if len(m.Reactions) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Reactions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TypingEvent is published when a participant starts typing. ExpiresInMs
// tells receivers when to clear the indicator without a follow-up event.
type TypingEvent struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	ExpiresInMs int64  `json:"expires_in_ms"`
}

// PresenceEvent carries the full online set so receivers replace rather
// than merge.
type PresenceEvent struct {
	OrderID string   `json:"order_id"`
	Online  []string `json:"online"`
}

type ReadEvent struct {
	OrderID  string `json:"order_id"`
	ReaderID string `json:"reader_id"`
}

type ReactionEvent struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
}
