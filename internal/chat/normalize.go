package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
)

// Inbound chat traffic arrives in several loosely-schematized shapes. Each
// shape gets one typed adapter below; all of them converge on
// domain.ChatMessage. Field aliasing is first-present-wins and is spelled
// out per shape instead of hidden in fallback chains.

// DeriveRoomID synthesizes the room id for SUPPORT/CHATBOT chats as
// "{type}_{sessionId}". Prefixing is idempotent: a session id already
// carrying the prefix is returned unchanged. ORDER chats use the
// server-provided database room id directly.
func DeriveRoomID(t domain.ChatType, sessionID string) string {
	prefix := strings.ToLower(string(t)) + "_"
	if strings.HasPrefix(sessionID, prefix) {
		return sessionID
	}
	return prefix + sessionID
}

func fallbackID(origin string, now time.Time) string {
	return fmt.Sprintf("%s_%d", origin, now.UnixMilli())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func kindOf(values ...string) domain.MessageKind {
	raw := firstNonEmpty(values...)
	switch domain.MessageKind(strings.ToUpper(raw)) {
	case domain.KindImage:
		return domain.KindImage
	case domain.KindVideo:
		return domain.KindVideo
	case domain.KindOrderInfo:
		return domain.KindOrderInfo
	case domain.KindOptions:
		return domain.KindOptions
	default:
		return domain.KindText
	}
}

func stampFromMillis(ms int64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(ms)
}

// wireOrderMessage is the `newMessage` shape on ORDER chats.
type wireOrderMessage struct {
	MessageID     string         `json:"messageId"`
	ID            string         `json:"id"`
	RoomID        string         `json:"roomId"`
	SenderID      string         `json:"senderId"`
	From          string         `json:"from"`
	Content       string         `json:"content"`
	Message       string         `json:"message"`
	MessageType   string         `json:"messageType"`
	Type          string         `json:"type"`
	Timestamp     int64          `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	Metadata      map[string]any `json:"metadata"`
}

func normalizeOrderMessage(data json.RawMessage, now time.Time) (domain.ChatMessage, error) {
	var w wireOrderMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode newMessage: %w", err)
	}
	return domain.ChatMessage{
		MessageID:     firstNonEmpty(w.MessageID, w.ID, fallbackID("order", now)),
		RoomID:        w.RoomID,
		SenderID:      firstNonEmpty(w.SenderID, w.From),
		Content:       firstNonEmpty(w.Content, w.Message),
		Kind:          kindOf(w.MessageType, w.Type),
		Timestamp:     stampFromMillis(w.Timestamp, now),
		CorrelationID: w.CorrelationID,
		Metadata:      w.Metadata,
	}, nil
}

// wireSupportMessage covers the `sendSupportMessage` server echo.
type wireSupportMessage struct {
	MessageID     string         `json:"messageId"`
	SessionID     string         `json:"sessionId"`
	SenderID      string         `json:"senderId"`
	From          string         `json:"from"`
	Message       string         `json:"message"`
	Content       string         `json:"content"`
	MessageType   string         `json:"messageType"`
	Type          string         `json:"type"`
	Timestamp     int64          `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	Metadata      map[string]any `json:"metadata"`
}

func normalizeSupportMessage(data json.RawMessage, t domain.ChatType, now time.Time) (domain.ChatMessage, error) {
	var w wireSupportMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode sendSupportMessage: %w", err)
	}
	return domain.ChatMessage{
		MessageID:     firstNonEmpty(w.MessageID, fallbackID("support", now)),
		RoomID:        DeriveRoomID(t, w.SessionID),
		SenderID:      firstNonEmpty(w.SenderID, w.From),
		Content:       firstNonEmpty(w.Message, w.Content),
		Kind:          kindOf(w.MessageType, w.Type),
		Timestamp:     stampFromMillis(w.Timestamp, now),
		CorrelationID: w.CorrelationID,
		Metadata:      w.Metadata,
	}, nil
}

// wireBotMessage covers `chatbotMessage`: content plus optional branch
// options rendered as buttons.
type wireBotMessage struct {
	MessageID string   `json:"messageId"`
	SessionID string   `json:"sessionId"`
	Message   string   `json:"message"`
	Text      string   `json:"text"`
	Options   []string `json:"options"`
	Timestamp int64    `json:"timestamp"`
}

func normalizeBotMessage(data json.RawMessage, now time.Time) (domain.ChatMessage, error) {
	var w wireBotMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode chatbotMessage: %w", err)
	}
	kind := domain.KindText
	var meta map[string]any
	if len(w.Options) > 0 {
		kind = domain.KindOptions
		meta = map[string]any{"options": w.Options}
	}
	return domain.ChatMessage{
		MessageID: firstNonEmpty(w.MessageID, fallbackID("chatbot", now)),
		RoomID:    DeriveRoomID(domain.ChatTypeChatbot, w.SessionID),
		SenderID:  "chatbot",
		Content:   firstNonEmpty(w.Message, w.Text),
		Kind:      kind,
		Timestamp: stampFromMillis(w.Timestamp, now),
		Metadata:  meta,
	}, nil
}

// wireAgentMessage covers `agentMessage`: a human support agent replying
// inside a SUPPORT session.
type wireAgentMessage struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func normalizeAgentMessage(data json.RawMessage, now time.Time) (domain.ChatMessage, error) {
	var w wireAgentMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("decode agentMessage: %w", err)
	}
	return domain.ChatMessage{
		MessageID: firstNonEmpty(w.MessageID, fallbackID("agent", now)),
		RoomID:    DeriveRoomID(domain.ChatTypeSupport, w.SessionID),
		SenderID:  firstNonEmpty(w.AgentID, w.SenderID, "agent"),
		Content:   firstNonEmpty(w.Message, w.Content),
		Kind:      domain.KindText,
		Timestamp: stampFromMillis(w.Timestamp, now),
	}, nil
}

// wireChatStarted is the ORDER-chat acknowledgment (`chatStarted`).
type wireChatStarted struct {
	ChatID     string `json:"chatId"`
	DBRoomID   string `json:"dbRoomId"`
	RoomID     string `json:"roomId"`
	WithUserID string `json:"withUserId"`
	OrderID    string `json:"orderId"`
	CreatedAt  int64  `json:"createdAt"`
}

func normalizeChatStarted(data json.RawMessage, now time.Time) (domain.ChatSession, error) {
	var w wireChatStarted
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatSession{}, fmt.Errorf("decode chatStarted: %w", err)
	}
	roomID := firstNonEmpty(w.DBRoomID, w.RoomID)
	return domain.ChatSession{
		ChatID:    firstNonEmpty(w.ChatID, roomID),
		DBRoomID:  roomID,
		WithUser:  w.WithUserID,
		Type:      domain.ChatTypeOrder,
		OrderID:   w.OrderID,
		IsActive:  true,
		CreatedAt: stampFromMillis(w.CreatedAt, now),
	}, nil
}

// wireSupportStarted covers `supportStarted`, `supportChatStarted` and
// `startSupportChatResponse`, which differ only in incidental fields.
type wireSupportStarted struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	CreatedAt int64  `json:"createdAt"`
}

func normalizeSupportStarted(data json.RawMessage, now time.Time) (domain.ChatSession, error) {
	var w wireSupportStarted
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ChatSession{}, fmt.Errorf("decode supportStarted: %w", err)
	}

	t := domain.ChatType(strings.ToUpper(w.Type))
	if t != domain.ChatTypeChatbot {
		t = domain.ChatTypeSupport
	}
	roomID := DeriveRoomID(t, w.SessionID)
	return domain.ChatSession{
		ChatID:    roomID,
		WithUser:  w.AgentID,
		Type:      t,
		SessionID: w.SessionID,
		IsActive:  true,
		CreatedAt: stampFromMillis(w.CreatedAt, now),
	}, nil
}

// wireHistory is the `chatHistory` / `supportHistory` payload.
type wireHistory struct {
	RoomID    string            `json:"roomId"`
	SessionID string            `json:"sessionId"`
	Messages  []json.RawMessage `json:"messages"`
}
