package domain

import "time"

type (
	ChatType string

	MessageKind string
)

const (
	ChatTypeOrder   ChatType = "ORDER"
	ChatTypeSupport ChatType = "SUPPORT"
	ChatTypeChatbot ChatType = "CHATBOT"

	KindText      MessageKind = "TEXT"
	KindImage     MessageKind = "IMAGE"
	KindVideo     MessageKind = "VIDEO"
	KindOrderInfo MessageKind = "ORDER_INFO"
	KindOptions   MessageKind = "OPTIONS"
)

// ChatMessage is the canonical message model every inbound server shape is
// normalized into. MessageID is unique within a room; a second message with
// the same id is dropped, not merged.
type ChatMessage struct {
	MessageID     string         `json:"message_id" db:"message_id"`
	RoomID        string         `json:"room_id" db:"room_id"`
	SenderID      string         `json:"sender_id" db:"sender_id"`
	Content       string         `json:"content" db:"content"`
	Kind          MessageKind    `json:"kind" db:"kind"`
	Timestamp     time.Time      `json:"timestamp" db:"created_at"`
	CorrelationID string         `json:"correlation_id,omitempty" db:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ChatSession identifies the currently active chat. A "started" event for a
// different type or with different identifiers replaces the session
// wholesale, it never merges fields.
type ChatSession struct {
	ChatID        string     `json:"chat_id"`
	DBRoomID      string     `json:"db_room_id"`
	WithUser      string     `json:"with_user"`
	Type          ChatType   `json:"type"`
	OrderID       string     `json:"order_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ChatRoom is created lazily the first time a message or session event
// references an unknown room id.
type ChatRoom struct {
	ID           string       `json:"id" db:"id"`
	Participants []string     `json:"participants"`
	LastMessage  *ChatMessage `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count" db:"unread_count"`
	Type         ChatType     `json:"type" db:"type"`
	OrderID      string       `json:"order_id,omitempty" db:"order_id"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is usable for a location emission: both
// components non-zero and within absolute bounds.
func (c Coordinates) Valid() bool {
	if c.Lat == 0 || c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}
