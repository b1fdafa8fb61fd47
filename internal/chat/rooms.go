package chat

import (
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
)

// roomStore holds per-room message sequences. Not safe for concurrent use;
// the owning adapter serializes access.
type roomStore struct {
	rooms    map[string]*domain.ChatRoom
	messages map[string][]domain.ChatMessage
	active   string
}

func newRoomStore() *roomStore {
	return &roomStore{
		rooms:    make(map[string]*domain.ChatRoom),
		messages: make(map[string][]domain.ChatMessage),
	}
}

// ensure creates the room lazily on first reference. When no room is
// active yet, the new room becomes active.
func (s *roomStore) ensure(id string, t domain.ChatType, orderID string, now time.Time) (*domain.ChatRoom, bool) {
	if room, ok := s.rooms[id]; ok {
		return room, false
	}
	room := &domain.ChatRoom{
		ID:        id,
		Type:      t,
		OrderID:   orderID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rooms[id] = room
	if s.active == "" {
		s.active = id
	}
	return room, true
}

// append adds the message unless the room already holds its id. Insertion
// order is arrival order after dedup.
func (s *roomStore) append(msg domain.ChatMessage) bool {
	for _, existing := range s.messages[msg.RoomID] {
		if existing.MessageID == msg.MessageID {
			return false
		}
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	return true
}

// reconcile replaces an optimistic local echo in place when the server echo
// carries the same correlation id. Returns false when nothing matched.
func (s *roomStore) reconcile(msg domain.ChatMessage) bool {
	if msg.CorrelationID == "" {
		return false
	}
	seq := s.messages[msg.RoomID]
	for i, existing := range seq {
		if existing.CorrelationID == msg.CorrelationID && existing.MessageID != msg.MessageID {
			seq[i] = msg
			return true
		}
	}
	return false
}

// replaceAll swaps the room's sequence wholesale, deduplicating by message
// id while keeping first-arrival order.
func (s *roomStore) replaceAll(roomID string, msgs []domain.ChatMessage) []domain.ChatMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, m)
	}
	s.messages[roomID] = out
	return out
}

func (s *roomStore) touch(msg domain.ChatMessage, unread bool, now time.Time) {
	room, ok := s.rooms[msg.RoomID]
	if !ok {
		return
	}
	m := msg
	room.LastMessage = &m
	room.UpdatedAt = now
	if unread {
		room.UnreadCount++
	}
}

func (s *roomStore) sequence(roomID string) []domain.ChatMessage {
	seq := s.messages[roomID]
	out := make([]domain.ChatMessage, len(seq))
	copy(out, seq)
	return out
}

func (s *roomStore) reset() {
	s.rooms = make(map[string]*domain.ChatRoom)
	s.messages = make(map[string][]domain.ChatMessage)
	s.active = ""
}
