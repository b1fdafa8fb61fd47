package state

import "sync"

type ActionType string

const (
	ChatSessionStarted  ActionType = "chat/session_started"
	ChatRoomCreated     ActionType = "chat/room_created"
	ChatActiveRoomSet   ActionType = "chat/active_room_set"
	ChatMessageAppended ActionType = "chat/message_appended"
	ChatMessageReplaced ActionType = "chat/message_replaced"
	ChatHistoryLoaded   ActionType = "chat/history_loaded"
	ChatHistoryLoading  ActionType = "chat/history_loading"
	ChatConnectionError ActionType = "chat/connection_error"
	ChatReset           ActionType = "chat/reset"

	ProgressCommitted ActionType = "progress/committed"
	ProgressCleared   ActionType = "progress/cleared"
	OrderIncoming     ActionType = "order/incoming"
	OrderStatus       ActionType = "order/status"

	ConnectionChanged ActionType = "connection/changed"
)

// Action is a plain state update forwarded to whatever renders the app.
type Action struct {
	Type    ActionType
	Payload any
}

// Dispatcher is the state-container collaborator the realtime layer talks
// to. Implementations must tolerate dispatch from multiple goroutines.
type Dispatcher interface {
	Dispatch(Action)
}

// Bus is the default Dispatcher: a single-writer loop applying actions in
// arrival order and fanning them out to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    []chan Action
	actions chan Action
	done    chan struct{}
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		actions: make(chan Action, buffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) Dispatch(a Action) {
	select {
	case b.actions <- a:
	case <-b.done:
	}
}

// Subscribe returns a channel receiving every action dispatched after the
// call. Slow subscribers drop actions rather than stall the writer.
func (b *Bus) Subscribe() <-chan Action {
	ch := make(chan Action, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *Bus) run() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for _, ch := range b.subs {
				close(ch)
			}
			b.subs = nil
			b.mu.Unlock()
			return
		case a := <-b.actions:
			b.mu.Lock()
			for _, ch := range b.subs {
				select {
				case ch <- a:
				default:
				}
			}
			b.mu.Unlock()
		}
	}
}
