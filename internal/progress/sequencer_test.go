package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/identity"
	"github.com/swiftdrop/driverlink/internal/socket"
	"github.com/swiftdrop/driverlink/internal/state"
)

type emitted struct {
	event   string
	payload any
	ack     socket.AckFunc
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	id        identity.Identity
	handlers  map[string][]socket.Handler
	connects  []func()
	emits     []emitted
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		connected: connected,
		id:        identity.Identity{DriverID: "d1", UserID: "u1", Token: "t1"},
		handlers:  make(map[string][]socket.Handler),
	}
}

func (f *fakeChannel) Emit(event string, payload any, ack socket.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return domain.ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload, ack: ack})
	return nil
}

func (f *fakeChannel) On(event string, fn socket.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeChannel) Off(event string)                    {}
func (f *fakeChannel) OnStateChange(fn func(socket.State)) {}
func (f *fakeChannel) Identity() identity.Identity         { return f.id }

func (f *fakeChannel) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, fn)
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) connect() {
	f.mu.Lock()
	f.connected = true
	hooks := make([]func(), len(f.connects))
	copy(hooks, f.connects)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeChannel) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.emits))
	copy(out, f.emits)
	return out
}

func (f *fakeChannel) receive(t *testing.T, event, payload string) {
	t.Helper()
	f.mu.Lock()
	handlers := make([]socket.Handler, len(f.handlers[event]))
	copy(handlers, f.handlers[event])
	f.mu.Unlock()
	if len(handlers) == 0 {
		t.Fatalf("no handler registered for %s", event)
	}
	for _, h := range handlers {
		h(json.RawMessage(payload))
	}
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []state.Action
}

func (r *recordingDispatcher) Dispatch(a state.Action) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

func (r *recordingDispatcher) count(t state.ActionType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Type == t {
			n++
		}
	}
	return n
}

type fakeKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{m: make(map[string]string)} }

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeKV) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

func newTestSequencer(connected bool) (*Sequencer, *fakeChannel, *recordingDispatcher) {
	ch := newFakeChannel(connected)
	disp := &recordingDispatcher{}
	s := NewSequencer(ch, disp, newFakeKV(), 50*time.Millisecond, 2*time.Minute)
	return s, ch, disp
}

func validEvent(updatedAt int64) wireStagesUpdate {
	return wireStagesUpdate{
		EntityID:     "run1",
		CurrentState: "restaurant_pickup_order_1",
		UpdatedAt:    updatedAt,
		Stages: []domain.ProgressStage{
			{State: "driver_ready_order_1", Status: domain.StageCompleted, Timestamp: 1},
			{State: "restaurant_pickup_order_1", Status: domain.StageInProgress, Timestamp: 2},
		},
	}
}

func TestReplayWithOlderUpdatedAtIsNoop(t *testing.T) {
	s, _, disp := newTestSequencer(true)

	s.process(validEvent(100))

	older := validEvent(90)
	older.CurrentState = "en_route_to_customer_order_1"
	s.process(older)

	snap, ok := s.Snapshot()
	if !ok {
		t.Fatal("expected a committed snapshot")
	}
	if snap.UpdatedAt != 100 || snap.CurrentState != "restaurant_pickup_order_1" {
		t.Errorf("older event must not be applied: %+v", snap)
	}
	if got := disp.count(state.ProgressCommitted); got != 1 {
		t.Errorf("expected exactly one commit, got %d", got)
	}
}

func TestEqualUpdatedAtIsNoop(t *testing.T) {
	s, _, disp := newTestSequencer(true)

	s.process(validEvent(100))
	replay := validEvent(100)
	replay.TotalTips = 7
	s.process(replay)

	if got := disp.count(state.ProgressCommitted); got != 1 {
		t.Errorf("equal updatedAt must be discarded, got %d commits", got)
	}
}

func TestStageDedupKeepsNewestAndCanonicalOrder(t *testing.T) {
	s, _, _ := newTestSequencer(true)

	ev := wireStagesUpdate{
		EntityID:     "run1",
		CurrentState: "restaurant_pickup_order_1",
		UpdatedAt:    10,
		Stages: []domain.ProgressStage{
			{State: "restaurant_pickup_order_1", Status: domain.StageInProgress, Timestamp: 5},
			{State: "restaurant_pickup_order_1", Status: domain.StageCompleted, Timestamp: 9},
			{State: "driver_ready_order_1", Status: domain.StageCompleted, Timestamp: 1},
		},
	}
	s.process(ev)

	snap, ok := s.Snapshot()
	if !ok {
		t.Fatal("expected a committed snapshot")
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(snap.Stages))
	}
	if snap.Stages[0].State != "driver_ready_order_1" {
		t.Errorf("canonical order violated: %+v", snap.Stages)
	}
	if snap.Stages[1].Timestamp != 9 {
		t.Errorf("dedup must keep the highest timestamp, got %d", snap.Stages[1].Timestamp)
	}
}

func TestEmptySnapshotRejected(t *testing.T) {
	s, _, disp := newTestSequencer(true)

	noState := validEvent(10)
	noState.CurrentState = ""
	s.process(noState)

	noStages := validEvent(20)
	noStages.Stages = nil
	s.process(noStages)

	if _, ok := s.Snapshot(); ok {
		t.Error("rejected events must not commit")
	}
	if got := disp.count(state.ProgressCommitted); got != 0 {
		t.Errorf("expected zero commits, got %d", got)
	}
}

func TestUnchangedContentSkipsCommit(t *testing.T) {
	s, _, disp := newTestSequencer(true)

	s.process(validEvent(10))
	s.process(validEvent(20))

	if got := disp.count(state.ProgressCommitted); got != 1 {
		t.Errorf("timestamp-only change must not recommit, got %d commits", got)
	}

	changed := validEvent(30)
	changed.TotalEarns = 12.5
	s.process(changed)

	if got := disp.count(state.ProgressCommitted); got != 2 {
		t.Errorf("content change must recommit, got %d commits", got)
	}
}

func TestCommitHookFiresOncePerCommit(t *testing.T) {
	s, _, _ := newTestSequencer(true)

	var mu sync.Mutex
	fired := 0
	s.OnCommit(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.process(validEvent(10))
	s.process(validEvent(20))

	stale := validEvent(5)
	s.process(stale)

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 1 {
		t.Errorf("skipped and stale events must not fire the commit hook, got %d calls", got)
	}

	changed := validEvent(30)
	changed.TotalTips = 3
	s.process(changed)

	mu.Lock()
	got = fired
	mu.Unlock()
	if got != 2 {
		t.Errorf("a content change must fire the commit hook, got %d calls", got)
	}
}

func TestCompletedRunDiscardsAndClears(t *testing.T) {
	s, _, disp := newTestSequencer(true)

	s.process(validEvent(10))
	if _, ok := s.Snapshot(); !ok {
		t.Fatal("expected initial commit")
	}

	done := validEvent(20)
	done.Completed = true
	s.process(done)

	if _, ok := s.Snapshot(); ok {
		t.Error("completion must clear the stored snapshot")
	}
	if got := disp.count(state.ProgressCleared); got == 0 {
		t.Error("completion must dispatch a clear")
	}

	s.process(validEvent(30))
	if _, ok := s.Snapshot(); ok {
		t.Error("events after completion must stay discarded until the next acceptance")
	}
}

func TestRatingCooldownSuppressesEvents(t *testing.T) {
	s, _, _ := newTestSequencer(true)

	s.RatingSubmitted()
	s.process(validEvent(10))

	if _, ok := s.Snapshot(); ok {
		t.Error("stage events during the cooldown window must be suppressed")
	}
}

func TestOfferDedupResetOnReject(t *testing.T) {
	s, ch, disp := newTestSequencer(true)

	offer := `{"orderId":"o1"}`
	ch.receive(t, "incomingOrderForDriver", offer)
	ch.receive(t, "incomingOrderForDriver", offer)
	if got := disp.count(state.OrderIncoming); got != 1 {
		t.Fatalf("duplicate offer must be ignored, got %d", got)
	}

	s.RejectOrder("o1")
	ch.receive(t, "incomingOrderForDriver", offer)
	if got := disp.count(state.OrderIncoming); got != 2 {
		t.Errorf("a re-offer after rejection is a new offer, got %d", got)
	}
}

func TestEmitQueueFIFO(t *testing.T) {
	var q emitQueue
	q.enqueue("a", nil)
	q.enqueue("b", nil)
	q.enqueue("c", nil)

	items := q.drain()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].event != want {
			t.Errorf("position %d: expected %s, got %s", i, want, items[i].event)
		}
	}
	if q.len() != 0 {
		t.Error("drain must empty the queue")
	}
}

func TestQueuedEmitDrainedOnReconnect(t *testing.T) {
	s, ch, _ := newTestSequencer(false)

	done := make(chan error, 1)
	go func() {
		done <- s.AcceptOrder(context.Background(), "o1")
	}()

	deadline := time.Now().Add(time.Second)
	for s.emits.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("AcceptOrder never queued while disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch.connect()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued accept must resolve once sent, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued accept never resolved after reconnect")
	}

	emits := ch.emitted()
	if len(emits) != 1 || emits[0].event != "driverAcceptOrder" {
		t.Fatalf("expected one driverAcceptOrder emit, got %+v", emits)
	}
}

func TestAckTimeoutClearsWaitingState(t *testing.T) {
	s, ch, _ := newTestSequencer(true)

	err := s.AcceptOrder(context.Background(), "o1")
	if err != domain.ErrAckTimeout {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if s.WaitingAck() {
		t.Error("waiting flag must be cleared after the timeout")
	}

	// a late ack is still delivered to the original callback and dropped.
	emits := ch.emitted()
	if len(emits) != 1 || emits[0].ack == nil {
		t.Fatal("expected one emit carrying an ack callback")
	}
	emits[0].ack(json.RawMessage(`{"success":true}`), nil)
}

func TestAckErrorRejectsLocally(t *testing.T) {
	s, ch, _ := newTestSequencer(true)

	result := make(chan error, 1)
	go func() {
		result <- s.AcceptOrder(context.Background(), "o1")
	}()

	deadline := time.Now().Add(time.Second)
	for len(ch.emitted()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("accept was never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ch.emitted()[0].ack(json.RawMessage(`{"success":false,"error":"order taken"}`), nil)

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("ack carrying an error must reject the call")
		}
	case <-time.After(time.Second):
		t.Fatal("accept never resolved")
	}
}
