package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/socket"
	"github.com/swiftdrop/driverlink/internal/state"
	"github.com/swiftdrop/driverlink/internal/store"
)

const eventQueueSize = 256

// wireStagesUpdate is the raw `driverStagesUpdated` payload. Events may
// arrive out of order, duplicated or stale; the sequencer sorts that out.
type wireStagesUpdate struct {
	EntityID               string                 `json:"entityId"`
	OrderID                string                 `json:"orderId"`
	CurrentState           string                 `json:"current_state"`
	Stages                 []domain.ProgressStage `json:"stages"`
	TotalDistanceTravelled float64                `json:"total_distance_travelled"`
	TotalTips              float64                `json:"total_tips"`
	TotalEarns             float64                `json:"total_earns"`
	UpdatedAt              int64                  `json:"updatedAt"`
	Completed              bool                   `json:"completed"`
	TransactionsProcessed  bool                   `json:"transactions_processed"`
}

func (w wireStagesUpdate) eventID() string {
	return fmt.Sprintf("%s_%d", w.EntityID, w.UpdatedAt)
}

// Sequencer consumes raw progress-stage events, deduplicates and
// canonicalizes them, and serializes commits through an internal FIFO queue
// so at most one state commit is in flight at a time.
type Sequencer struct {
	mgr            socket.Channel
	disp           state.Dispatcher
	kv             store.KV
	ackTimeout     time.Duration
	ratingCooldown time.Duration
	now            func() time.Time

	events chan wireStagesUpdate
	done   chan struct{}

	mu            sync.Mutex
	commitHooks   []func()
	lastUpdatedAt map[string]int64
	lastCommitted string
	snapshot      *domain.ProgressSnapshot
	completed     bool
	transactions  bool
	seenOrders    map[string]struct{}
	cooldownUntil time.Time
	waitingAck    bool
	emits         emitQueue
}

func NewSequencer(mgr socket.Channel, disp state.Dispatcher, kv store.KV, ackTimeout, ratingCooldown time.Duration) *Sequencer {
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	if ratingCooldown <= 0 {
		ratingCooldown = 2 * time.Minute
	}
	s := &Sequencer{
		mgr:            mgr,
		disp:           disp,
		kv:             kv,
		ackTimeout:     ackTimeout,
		ratingCooldown: ratingCooldown,
		now:            time.Now,
		events:         make(chan wireStagesUpdate, eventQueueSize),
		done:           make(chan struct{}),
		lastUpdatedAt:  make(map[string]int64),
		seenOrders:     make(map[string]struct{}),
	}
	s.register()
	go s.drainLoop()
	return s
}

func (s *Sequencer) register() {
	s.mgr.On("driverStagesUpdated", s.handleStagesUpdated)
	s.mgr.On("incomingOrderForDriver", s.handleIncomingOrder)
	s.mgr.On("notifyOrderStatus", s.handleOrderStatus)
	s.mgr.OnConnect(s.drainEmits)
}

// OnCommit registers a hook invoked after every committed snapshot,
// including the one recovered by Restore. The location scheduler hangs its
// activation check here so the first emission does not wait for a tick.
func (s *Sequencer) OnCommit(fn func()) {
	s.mu.Lock()
	s.commitHooks = append(s.commitHooks, fn)
	s.mu.Unlock()
}

func (s *Sequencer) notifyCommit() {
	s.mu.Lock()
	hooks := make([]func(), len(s.commitHooks))
	copy(hooks, s.commitHooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Sequencer) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// handleStagesUpdated only enqueues; all processing happens on the single
// drain goroutine so partial commits never interleave.
func (s *Sequencer) handleStagesUpdated(data json.RawMessage) {
	var ev wireStagesUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Error("Malformed driverStagesUpdated payload", "error", err)
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Error("Progress event queue full, dropping event", "event_id", ev.eventID())
	}
}

func (s *Sequencer) drainLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.process(ev)
		}
	}
}

func (s *Sequencer) process(ev wireStagesUpdate) {
	now := s.now()

	s.mu.Lock()
	if now.Before(s.cooldownUntil) {
		s.mu.Unlock()
		slog.Debug("Suppressing stage event during post-rating cooldown", "event_id", ev.eventID())
		return
	}

	if seen, ok := s.lastUpdatedAt[ev.EntityID]; ok && seen >= ev.UpdatedAt {
		s.mu.Unlock()
		slog.Debug("Discarding stale stage event",
			"event_id", ev.eventID(),
			"seen_updated_at", seen,
		)
		return
	}
	s.lastUpdatedAt[ev.EntityID] = ev.UpdatedAt

	if ev.Completed || ev.TransactionsProcessed || s.completed || s.transactions {
		s.completed = s.completed || ev.Completed
		s.transactions = s.transactions || ev.TransactionsProcessed
		s.snapshot = nil
		s.lastCommitted = ""
		s.mu.Unlock()

		s.clearDurable()
		s.disp.Dispatch(state.Action{Type: state.ProgressCleared, Payload: ev.EntityID})
		slog.Info("Run already completed, clearing snapshot", "entity_id", ev.EntityID)
		return
	}
	s.mu.Unlock()

	stages := domain.NormalizeStages(ev.Stages)
	if ev.CurrentState == "" || len(stages) == 0 {
		slog.Warn("Rejecting snapshot with no usable state",
			"event_id", ev.eventID(),
			"current_state", ev.CurrentState,
			"stages", len(stages),
		)
		return
	}

	snap := domain.ProgressSnapshot{
		EntityID:               ev.EntityID,
		CurrentState:           ev.CurrentState,
		Stages:                 stages,
		TotalDistanceTravelled: ev.TotalDistanceTravelled,
		TotalTips:              ev.TotalTips,
		TotalEarns:             ev.TotalEarns,
	}

	// updated_at stays out of the comparison form so a re-push with only a
	// fresh timestamp does not count as a content change.
	serialized, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to serialize snapshot", "error", err)
		return
	}
	snap.UpdatedAt = ev.UpdatedAt

	s.mu.Lock()
	if s.lastCommitted == string(serialized) {
		s.mu.Unlock()
		slog.Debug("Snapshot unchanged, skipping commit", "event_id", ev.eventID())
		return
	}
	s.lastCommitted = string(serialized)
	s.snapshot = &snap
	s.mu.Unlock()

	s.persist(snap)
	s.disp.Dispatch(state.Action{Type: state.ProgressCommitted, Payload: snap})
	s.notifyCommit()

	slog.Info("Progress snapshot committed",
		"entity_id", snap.EntityID,
		"current_state", snap.CurrentState,
		"stages", len(snap.Stages),
	)
}

func (s *Sequencer) handleIncomingOrder(data json.RawMessage) {
	var offer struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &offer); err != nil || offer.OrderID == "" {
		slog.Error("Malformed incomingOrderForDriver payload", "error", err)
		return
	}

	s.mu.Lock()
	if _, dup := s.seenOrders[offer.OrderID]; dup {
		s.mu.Unlock()
		slog.Debug("Duplicate order offer, ignoring", "order_id", offer.OrderID)
		return
	}
	s.seenOrders[offer.OrderID] = struct{}{}
	s.mu.Unlock()

	s.disp.Dispatch(state.Action{Type: state.OrderIncoming, Payload: json.RawMessage(data)})
}

func (s *Sequencer) handleOrderStatus(data json.RawMessage) {
	s.disp.Dispatch(state.Action{Type: state.OrderStatus, Payload: json.RawMessage(data)})
}

// AcceptOrder emits the acceptance, queuing it while disconnected. The
// order leaves the offer dedup set so a re-offer is treated as new.
func (s *Sequencer) AcceptOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	delete(s.seenOrders, orderID)
	s.completed = false
	s.transactions = false
	s.mu.Unlock()

	return s.sendOrQueue(ctx, "driverAcceptOrder", map[string]any{"orderId": orderID})
}

// RejectOrder is local: it only resets the offer dedup entry so a re-offer
// of the same order is not mistaken for a duplicate.
func (s *Sequencer) RejectOrder(orderID string) {
	s.mu.Lock()
	delete(s.seenOrders, orderID)
	s.mu.Unlock()
	slog.Info("Order rejected locally", "order_id", orderID)
}

// UpdateProgress reports a stage transition, queuing it while disconnected.
func (s *Sequencer) UpdateProgress(ctx context.Context, orderID, stageState string, status domain.StageStatus) error {
	return s.sendOrQueue(ctx, "updateDriverProgress", map[string]any{
		"orderId": orderID,
		"state":   stageState,
		"status":  string(status),
	})
}

// RatingSubmitted clears the finished run and opens the cooldown window so
// a stale server push cannot resurrect it.
func (s *Sequencer) RatingSubmitted() { s.finishRun("rating_submitted") }

// RatingSkipped behaves like RatingSubmitted; skipping still ends the run.
func (s *Sequencer) RatingSkipped() { s.finishRun("rating_skipped") }

// OrderCompleted marks the run done locally; later stage events for it are
// discarded until the next acceptance.
func (s *Sequencer) OrderCompleted() {
	s.mu.Lock()
	s.completed = true
	s.snapshot = nil
	s.lastCommitted = ""
	s.mu.Unlock()

	s.clearDurable()
	s.disp.Dispatch(state.Action{Type: state.ProgressCleared, Payload: nil})
}

func (s *Sequencer) finishRun(reason string) {
	s.mu.Lock()
	s.cooldownUntil = s.now().Add(s.ratingCooldown)
	s.snapshot = nil
	s.lastCommitted = ""
	s.completed = false
	s.transactions = false
	s.lastUpdatedAt = make(map[string]int64)
	s.mu.Unlock()

	s.clearDurable()
	s.disp.Dispatch(state.Action{Type: state.ProgressCleared, Payload: nil})
	slog.Info("Delivery run finished", "reason", reason, "cooldown", s.ratingCooldown)
}

// Snapshot returns a copy of the current committed snapshot, if any.
func (s *Sequencer) Snapshot() (domain.ProgressSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return domain.ProgressSnapshot{}, false
	}
	return *s.snapshot, true
}

// WaitingAck reports whether an outbound request is awaiting its server
// acknowledgment; the UI renders this as a processing state.
func (s *Sequencer) WaitingAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingAck
}

// Restore reloads the durable snapshot and watermark after a restart.
func (s *Sequencer) Restore(ctx context.Context) error {
	driverID := s.mgr.Identity().DriverID
	if driverID == "" {
		return nil
	}

	raw, err := s.kv.Get(ctx, store.SnapshotKey(driverID))
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return err
	}

	cmp := snap
	cmp.UpdatedAt = 0
	cmpRaw, err := json.Marshal(cmp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshot = &snap
	s.lastCommitted = string(cmpRaw)
	s.lastUpdatedAt[snap.EntityID] = snap.UpdatedAt
	s.mu.Unlock()

	if wm, err := s.kv.Get(ctx, store.WatermarkKey(driverID)); err == nil {
		if v, err := strconv.ParseInt(wm, 10, 64); err == nil {
			s.mu.Lock()
			if v > s.lastUpdatedAt[snap.EntityID] {
				s.lastUpdatedAt[snap.EntityID] = v
			}
			s.mu.Unlock()
		}
	}

	s.disp.Dispatch(state.Action{Type: state.ProgressCommitted, Payload: snap})
	s.notifyCommit()
	return nil
}

func (s *Sequencer) sendOrQueue(ctx context.Context, event string, payload any) error {
	if !s.mgr.IsConnected() {
		result := s.emits.enqueue(event, payload)
		slog.Info("Socket down, queueing emit", "event", event, "queued", s.emits.len())
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.emitAwait(ctx, event, payload)
}

// emitAwait sends and waits for the ack, bounded by the response timeout.
// The timeout only clears the waiting flag; a late ack is still delivered
// to the registered callback and dropped there.
func (s *Sequencer) emitAwait(ctx context.Context, event string, payload any) error {
	result := make(chan error, 1)

	s.setWaiting(true)
	defer s.setWaiting(false)

	err := s.mgr.Emit(event, payload, func(data json.RawMessage, err error) {
		if err == nil {
			var ack socket.Ack
			if len(data) > 0 {
				if uerr := json.Unmarshal(data, &ack); uerr == nil && !ack.Success && ack.Error != "" {
					err = domain.ErrConnectionFailed.WithMessage(ack.Error)
				}
			}
		}
		select {
		case result <- err:
		default:
		}
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-time.After(s.ackTimeout):
		slog.Warn("Ack timed out, clearing waiting state", "event", event)
		return domain.ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainEmits releases queued emits strictly oldest-first after a connect.
func (s *Sequencer) drainEmits() {
	items := s.emits.drain()
	if len(items) == 0 {
		return
	}
	slog.Info("Draining queued emits", "count", len(items))

	for _, item := range items {
		err := s.mgr.Emit(item.event, item.payload, nil)
		item.result <- err
	}
}

func (s *Sequencer) persist(snap domain.ProgressSnapshot) {
	driverID := s.mgr.Identity().DriverID
	if driverID == "" {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to marshal snapshot", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.kv.Set(ctx, store.SnapshotKey(driverID), string(raw), 0); err != nil {
		slog.Error("Failed to persist snapshot", "error", err)
	}
	if err := s.kv.Set(ctx, store.WatermarkKey(driverID), strconv.FormatInt(snap.UpdatedAt, 10), 0); err != nil {
		slog.Error("Failed to persist watermark", "error", err)
	}
}

func (s *Sequencer) clearDurable() {
	driverID := s.mgr.Identity().DriverID
	if driverID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.kv.Del(ctx, store.SnapshotKey(driverID)); err != nil {
		slog.Error("Failed to clear persisted snapshot", "error", err)
	}
}

func (s *Sequencer) setWaiting(v bool) {
	s.mu.Lock()
	s.waitingAck = v
	s.mu.Unlock()
}
