package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/socket"
	"github.com/swiftdrop/driverlink/internal/state"
	"github.com/swiftdrop/driverlink/internal/store"
)

const (
	archiveTimeout      = 5 * time.Second
	offlineHistoryLimit = 50
)

// Archiver is the relational archive collaborator keeping an offline copy
// of chat traffic. *store.Archive implements it.
type Archiver interface {
	SaveMessage(ctx context.Context, msg *domain.ChatMessage) error
	UpsertRoom(ctx context.Context, room *domain.ChatRoom) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error)
	ClearRoom(ctx context.Context, roomID string) error
}

var _ Archiver = (*store.Archive)(nil)

// Adapter wraps the chat channel: it classifies inbound events by chat
// type, normalizes every server payload shape into the canonical message
// model, keeps per-room ordering and dedup, and exposes the session
// lifecycle (start, resume, send, select-option, fetch-history).
type Adapter struct {
	mgr            socket.Channel
	disp           state.Dispatcher
	kv             store.KV
	archive        Archiver
	historyTimeout time.Duration
	now            func() time.Time

	mu             sync.Mutex
	session        *domain.ChatSession
	rooms          *roomStore
	loadingHistory bool
	historyTimer   *time.Timer
	deferredStart  func()
}

func NewAdapter(mgr socket.Channel, disp state.Dispatcher, kv store.KV, archive Archiver, historyTimeout time.Duration) *Adapter {
	if historyTimeout <= 0 {
		historyTimeout = 15 * time.Second
	}
	a := &Adapter{
		mgr:            mgr,
		disp:           disp,
		kv:             kv,
		archive:        archive,
		historyTimeout: historyTimeout,
		now:            time.Now,
		rooms:          newRoomStore(),
	}
	a.register()
	return a
}

func (a *Adapter) register() {
	a.mgr.On("chatStarted", a.handleChatStarted)
	for _, ev := range []string{"supportStarted", "supportChatStarted", "startSupportChatResponse"} {
		a.mgr.On(ev, a.handleSupportStarted)
	}
	a.mgr.On("newMessage", a.handleNewMessage)
	a.mgr.On("sendSupportMessage", a.handleSupportMessage)
	a.mgr.On("chatbotMessage", a.handleBotMessage)
	a.mgr.On("agentMessage", a.handleAgentMessage)
	a.mgr.On("chatHistory", a.handleHistory)
	a.mgr.On("supportHistory", a.handleHistory)

	a.mgr.OnConnect(a.runDeferredStart)
	a.mgr.OnStateChange(func(s socket.State) {
		a.disp.Dispatch(state.Action{Type: state.ConnectionChanged, Payload: s.String()})
		if s == socket.StateFailed {
			a.disp.Dispatch(state.Action{
				Type:    state.ChatConnectionError,
				Payload: domain.ErrReconnectExhausted.Message,
			})
		}
	})
}

// StartChat begins an ORDER chat with a counterpart, or a SUPPORT/CHATBOT
// session where withUserID and orderID are ignored. While disconnected the
// call is deferred until the next successful connect; only the latest
// deferred call survives.
func (a *Adapter) StartChat(ctx context.Context, withUserID string, t domain.ChatType, orderID string) error {
	if t == domain.ChatTypeOrder && orderID == "" {
		a.disp.Dispatch(state.Action{Type: state.ChatConnectionError, Payload: domain.ErrMissingOrderID.Message})
		return domain.ErrMissingOrderID
	}

	emit := func() {
		var err error
		if t == domain.ChatTypeOrder {
			err = a.mgr.Emit("startChat", map[string]any{
				"withUserId": withUserID,
				"type":       string(t),
				"orderId":    orderID,
			}, nil)
		} else {
			err = a.mgr.Emit("startSupportChat", map[string]any{
				"type": string(t),
			}, nil)
		}
		if err != nil {
			slog.Error("Failed to emit chat start", "type", t, "error", err)
		}
	}

	if !a.mgr.IsConnected() {
		a.mu.Lock()
		a.deferredStart = emit
		a.mu.Unlock()
		slog.Info("Chat start deferred until connect", "type", t)
		return nil
	}

	emit()
	return nil
}

func (a *Adapter) runDeferredStart() {
	a.mu.Lock()
	deferred := a.deferredStart
	a.deferredStart = nil
	a.mu.Unlock()

	if deferred != nil {
		deferred()
	}
}

// SendMessage routes by the current chat type. ORDER chats require a
// resolved room id, SUPPORT/CHATBOT a resolved session id; a missing
// identifier aborts locally without contacting the server. The message is
// mirrored into local state immediately (optimistic echo) with a
// correlation id the server echo reconciles against.
func (a *Adapter) SendMessage(ctx context.Context, content string, kind domain.MessageKind) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return domain.ErrNoActiveSession
	}

	now := a.now()
	correlationID := uuid.NewString()

	var (
		event   string
		payload map[string]any
		roomID  string
	)
	switch sess.Type {
	case domain.ChatTypeOrder:
		if sess.DBRoomID == "" {
			return domain.ErrMissingRoomID
		}
		roomID = sess.DBRoomID
		event = "sendMessage"
		payload = map[string]any{
			"content":       content,
			"type":          string(kind),
			"timestamp":     now.UnixMilli(),
			"roomId":        roomID,
			"correlationId": correlationID,
		}
	default:
		if sess.SessionID == "" {
			return domain.ErrMissingSessionID
		}
		roomID = DeriveRoomID(sess.Type, sess.SessionID)
		event = "sendSupportMessage"
		payload = map[string]any{
			"message":       content,
			"messageType":   string(kind),
			"sessionId":     sess.SessionID,
			"correlationId": correlationID,
		}
	}

	local := domain.ChatMessage{
		MessageID:     "local_" + uuid.NewString(),
		RoomID:        roomID,
		SenderID:      a.mgr.Identity().DriverID,
		Content:       content,
		Kind:          kind,
		Timestamp:     now,
		CorrelationID: correlationID,
	}
	a.ingest(local, sess.Type, sess.OrderID)

	if err := a.mgr.Emit(event, payload, nil); err != nil {
		return err
	}
	return nil
}

// SelectOption sends a chatbot branch choice as a plain text message tied
// to the current session id.
func (a *Adapter) SelectOption(ctx context.Context, value string) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return domain.ErrNoActiveSession
	}
	if sess.SessionID == "" {
		return domain.ErrMissingSessionID
	}
	return a.SendMessage(ctx, value, domain.KindText)
}

// GetChatHistory emits the history fetch for the current chat type and sets
// the loading flag. The flag is cleared by the arrival handler, or by a
// timer when the server never answers. While disconnected the history is
// served from the local archive instead.
func (a *Adapter) GetChatHistory(ctx context.Context) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return domain.ErrNoActiveSession
	}

	var (
		event   string
		payload map[string]any
		roomID  string
	)
	switch sess.Type {
	case domain.ChatTypeOrder:
		if sess.DBRoomID == "" {
			return domain.ErrMissingRoomID
		}
		roomID = sess.DBRoomID
		event = "getChatHistory"
		payload = map[string]any{"roomId": roomID}
	default:
		if sess.SessionID == "" {
			return domain.ErrMissingSessionID
		}
		roomID = DeriveRoomID(sess.Type, sess.SessionID)
		event = "getSupportHistory"
		payload = map[string]any{"sessionId": sess.SessionID}
	}

	if !a.mgr.IsConnected() {
		return a.historyFromArchive(ctx, roomID, sess.Type)
	}

	if err := a.mgr.Emit(event, payload, nil); err != nil {
		return err
	}

	a.setHistoryLoading(true)
	return nil
}

// historyFromArchive replaces the room sequence with the archived copy.
func (a *Adapter) historyFromArchive(ctx context.Context, roomID string, t domain.ChatType) error {
	if a.archive == nil {
		return domain.ErrNotConnected
	}
	msgs, err := a.archive.RecentMessages(ctx, roomID, offlineHistoryLimit)
	if err != nil {
		return err
	}
	// RecentMessages is newest-first, room sequences are chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	a.mu.Lock()
	a.rooms.ensure(roomID, t, "", a.now())
	applied := a.rooms.replaceAll(roomID, msgs)
	a.mu.Unlock()

	a.disp.Dispatch(state.Action{Type: state.ChatHistoryLoaded, Payload: applied})
	slog.Info("Chat history served from archive", "room_id", roomID, "messages", len(applied))
	return nil
}

func (a *Adapter) setHistoryLoading(loading bool) {
	a.mu.Lock()
	a.loadingHistory = loading
	if a.historyTimer != nil {
		a.historyTimer.Stop()
		a.historyTimer = nil
	}
	if loading {
		a.historyTimer = time.AfterFunc(a.historyTimeout, func() {
			a.mu.Lock()
			stuck := a.loadingHistory
			a.loadingHistory = false
			a.historyTimer = nil
			a.mu.Unlock()
			if stuck {
				slog.Warn("History fetch timed out, clearing loading flag")
				a.disp.Dispatch(state.Action{Type: state.ChatHistoryLoaded, Payload: nil})
			}
		})
	}
	a.mu.Unlock()

	if loading {
		a.disp.Dispatch(state.Action{Type: state.ChatHistoryLoading, Payload: nil})
	}
}

// Reset clears all chat state, local and durable, archive included.
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	roomIDs := make([]string, 0, len(a.rooms.rooms))
	for id := range a.rooms.rooms {
		roomIDs = append(roomIDs, id)
	}
	a.session = nil
	a.rooms.reset()
	a.deferredStart = nil
	a.loadingHistory = false
	if a.historyTimer != nil {
		a.historyTimer.Stop()
		a.historyTimer = nil
	}
	a.mu.Unlock()

	driverID := a.mgr.Identity().DriverID
	if driverID != "" {
		if err := a.kv.Del(ctx, store.SessionKey(driverID)); err != nil {
			slog.Error("Failed to clear persisted chat session", "error", err)
		}
	}
	if a.archive != nil {
		for _, id := range roomIDs {
			if err := a.archive.ClearRoom(ctx, id); err != nil {
				slog.Error("Failed to clear archived room", "room_id", id, "error", err)
			}
		}
	}
	a.disp.Dispatch(state.Action{Type: state.ChatReset, Payload: nil})
	return nil
}

// Restore loads the persisted session after an agent restart.
func (a *Adapter) Restore(ctx context.Context) error {
	driverID := a.mgr.Identity().DriverID
	if driverID == "" {
		return domain.ErrNoActiveSession
	}

	raw, err := a.kv.Get(ctx, store.SessionKey(driverID))
	if err != nil {
		return err
	}
	var sess domain.ChatSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return err
	}

	a.applySession(sess)
	return nil
}

// Session returns a copy of the current session, if any.
func (a *Adapter) Session() (domain.ChatSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return domain.ChatSession{}, false
	}
	return *a.session, true
}

func (a *Adapter) ActiveRoom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rooms.active
}

func (a *Adapter) Messages(roomID string) []domain.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rooms.sequence(roomID)
}

func (a *Adapter) Room(roomID string) (domain.ChatRoom, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	room, ok := a.rooms.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false
	}
	return *room, true
}

func (a *Adapter) IsLoadingHistory() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadingHistory
}

func (a *Adapter) handleChatStarted(data json.RawMessage) {
	sess, err := normalizeChatStarted(data, a.now())
	if err != nil || sess.DBRoomID == "" {
		slog.Error("Malformed chatStarted payload", "error", err)
		return
	}
	a.applySession(sess)
}

func (a *Adapter) handleSupportStarted(data json.RawMessage) {
	sess, err := normalizeSupportStarted(data, a.now())
	if err != nil || sess.SessionID == "" {
		slog.Error("Malformed support session payload", "error", err)
		return
	}
	a.applySession(sess)
}

// applySession replaces the current session wholesale when type or
// identifiers differ; an identical session is kept as-is.
func (a *Adapter) applySession(sess domain.ChatSession) {
	now := a.now()

	a.mu.Lock()
	if cur := a.session; cur != nil &&
		cur.Type == sess.Type &&
		cur.DBRoomID == sess.DBRoomID &&
		cur.SessionID == sess.SessionID {
		a.mu.Unlock()
		return
	}
	a.session = &sess

	roomID := sess.DBRoomID
	if sess.Type != domain.ChatTypeOrder {
		roomID = DeriveRoomID(sess.Type, sess.SessionID)
	}
	room, created := a.rooms.ensure(roomID, sess.Type, sess.OrderID, now)
	a.rooms.active = roomID
	roomCopy := *room
	a.mu.Unlock()

	a.persistSession(sess)
	if created {
		a.archiveRoom(roomCopy)
		a.disp.Dispatch(state.Action{Type: state.ChatRoomCreated, Payload: roomCopy})
	}
	a.disp.Dispatch(state.Action{Type: state.ChatSessionStarted, Payload: sess})
	a.disp.Dispatch(state.Action{Type: state.ChatActiveRoomSet, Payload: roomID})

	slog.Info("Chat session started",
		"type", sess.Type,
		"room_id", roomID,
		"session_id", sess.SessionID,
	)
}

func (a *Adapter) handleNewMessage(data json.RawMessage) {
	msg, err := normalizeOrderMessage(data, a.now())
	if err != nil {
		slog.Error("Malformed newMessage payload", "error", err)
		return
	}
	if msg.RoomID == "" {
		a.mu.Lock()
		if a.session != nil {
			msg.RoomID = a.session.DBRoomID
		}
		a.mu.Unlock()
	}
	if msg.RoomID == "" {
		slog.Warn("Dropping newMessage with no resolvable room")
		return
	}
	a.ingest(msg, domain.ChatTypeOrder, "")
}

func (a *Adapter) handleSupportMessage(data json.RawMessage) {
	t := domain.ChatTypeSupport
	a.mu.Lock()
	if a.session != nil && a.session.Type == domain.ChatTypeChatbot {
		t = domain.ChatTypeChatbot
	}
	a.mu.Unlock()

	msg, err := normalizeSupportMessage(data, t, a.now())
	if err != nil {
		slog.Error("Malformed sendSupportMessage payload", "error", err)
		return
	}
	a.ingest(msg, t, "")
}

func (a *Adapter) handleBotMessage(data json.RawMessage) {
	msg, err := normalizeBotMessage(data, a.now())
	if err != nil {
		slog.Error("Malformed chatbotMessage payload", "error", err)
		return
	}
	a.ingest(msg, domain.ChatTypeChatbot, "")
}

func (a *Adapter) handleAgentMessage(data json.RawMessage) {
	msg, err := normalizeAgentMessage(data, a.now())
	if err != nil {
		slog.Error("Malformed agentMessage payload", "error", err)
		return
	}
	a.ingest(msg, domain.ChatTypeSupport, "")
}

func (a *Adapter) handleHistory(data json.RawMessage) {
	var w wireHistory
	if err := json.Unmarshal(data, &w); err != nil {
		slog.Error("Malformed history payload", "error", err)
		a.setHistoryLoading(false)
		return
	}

	now := a.now()

	a.mu.Lock()
	t := domain.ChatTypeOrder
	if a.session != nil {
		t = a.session.Type
	}
	a.mu.Unlock()

	roomID := w.RoomID
	if roomID == "" && w.SessionID != "" {
		roomID = DeriveRoomID(t, w.SessionID)
	}
	if roomID == "" {
		slog.Warn("History payload references no room")
		a.setHistoryLoading(false)
		return
	}

	msgs := make([]domain.ChatMessage, 0, len(w.Messages))
	for _, raw := range w.Messages {
		var (
			msg domain.ChatMessage
			err error
		)
		if t == domain.ChatTypeOrder {
			msg, err = normalizeOrderMessage(raw, now)
		} else {
			msg, err = normalizeSupportMessage(raw, t, now)
		}
		if err != nil {
			slog.Error("Skipping malformed history entry", "error", err)
			continue
		}
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		msgs = append(msgs, msg)
	}

	a.mu.Lock()
	a.rooms.ensure(roomID, t, "", now)
	applied := a.rooms.replaceAll(roomID, msgs)
	a.mu.Unlock()

	a.setHistoryLoading(false)
	a.disp.Dispatch(state.Action{Type: state.ChatHistoryLoaded, Payload: applied})

	slog.Info("Chat history loaded", "room_id", roomID, "messages", len(applied))
}

// ingest funnels one normalized message into room state: auto-creates the
// room, reconciles optimistic echoes, drops duplicate ids, archives.
func (a *Adapter) ingest(msg domain.ChatMessage, t domain.ChatType, orderID string) {
	now := a.now()
	selfID := a.mgr.Identity().DriverID

	a.mu.Lock()
	room, created := a.rooms.ensure(msg.RoomID, t, orderID, now)
	roomCopy := *room

	if a.rooms.reconcile(msg) {
		a.rooms.touch(msg, false, now)
		if a.session != nil {
			last := msg.Timestamp
			a.session.LastMessageAt = &last
		}
		a.mu.Unlock()
		a.disp.Dispatch(state.Action{Type: state.ChatMessageReplaced, Payload: msg})
		a.archiveMessage(msg)
		return
	}

	if !a.rooms.append(msg) {
		a.mu.Unlock()
		slog.Debug("Dropping duplicate message", "room_id", msg.RoomID, "message_id", msg.MessageID)
		return
	}

	unread := msg.SenderID != "" && msg.SenderID != selfID && a.rooms.active != msg.RoomID
	a.rooms.touch(msg, unread, now)

	if a.session != nil {
		last := msg.Timestamp
		a.session.LastMessageAt = &last
	}
	a.mu.Unlock()

	if created {
		a.archiveRoom(roomCopy)
		a.disp.Dispatch(state.Action{Type: state.ChatRoomCreated, Payload: roomCopy})
	}
	a.disp.Dispatch(state.Action{Type: state.ChatMessageAppended, Payload: msg})
	a.archiveMessage(msg)
}

func (a *Adapter) persistSession(sess domain.ChatSession) {
	driverID := a.mgr.Identity().DriverID
	if driverID == "" {
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		slog.Error("Failed to marshal chat session", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := a.kv.Set(ctx, store.SessionKey(driverID), string(raw), 0); err != nil {
		slog.Error("Failed to persist chat session", "error", err)
	}
}

func (a *Adapter) archiveMessage(msg domain.ChatMessage) {
	if a.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := a.archive.SaveMessage(ctx, &msg); err != nil {
			slog.Error("Failed to archive message", "message_id", msg.MessageID, "error", err)
		}
	}()
}

func (a *Adapter) archiveRoom(room domain.ChatRoom) {
	if a.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := a.archive.UpsertRoom(ctx, &room); err != nil {
			slog.Error("Failed to archive room", "room_id", room.ID, "error", err)
		}
	}()
}
