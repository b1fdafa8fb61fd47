package location

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
	"github.com/swiftdrop/driverlink/internal/socket"
)

// Provider reads the device location. Reads may block until the OS answers
// or errors; a failed read skips that emission cycle.
type Provider interface {
	Current(ctx context.Context) (domain.Coordinates, error)
}

// SnapshotSource exposes the committed progress snapshot the scheduler
// gates on. *progress.Sequencer satisfies it.
type SnapshotSource interface {
	Snapshot() (domain.ProgressSnapshot, bool)
}

// Scheduler forwards the driver's position over the location channel on a
// fixed interval, but only while an active delivery exists. The reported
// destination is always the final drop-off of the current run, not the
// next stop.
type Scheduler struct {
	mgr      socket.Channel
	provider Provider
	source   SnapshotSource
	interval time.Duration

	kick chan struct{}
}

func NewScheduler(mgr socket.Channel, provider Provider, source SnapshotSource, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Scheduler{
		mgr:      mgr,
		provider: provider,
		source:   source,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
	mgr.OnConnect(s.Kick)
	return s
}

// Kick asks the scheduler to re-evaluate its activation condition now
// instead of waiting for the next tick. Safe from any goroutine.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the emission loop until the context is cancelled. On
// activation it emits once immediately, then every interval while the
// activation condition holds.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	active := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if !active && s.shouldEmit() {
				active = true
				ticker.Reset(s.interval)
				s.emitOnce(ctx)
			}
		case <-ticker.C:
			if !s.shouldEmit() {
				if active {
					slog.Info("Location emission deactivated")
				}
				active = false
				continue
			}
			if !active {
				active = true
				slog.Info("Location emission activated")
			}
			s.emitOnce(ctx)
		}
	}
}

// shouldEmit is the activation gate: channel connected, a stage still
// pending or in progress, and a non-empty current state.
func (s *Scheduler) shouldEmit() bool {
	if !s.mgr.IsConnected() {
		return false
	}
	snap, ok := s.source.Snapshot()
	if !ok || snap.CurrentState == "" {
		return false
	}
	return snap.HasActiveStage()
}

func (s *Scheduler) emitOnce(ctx context.Context) {
	snap, ok := s.source.Snapshot()
	if !ok {
		return
	}
	final, ok := snap.FinalStage()
	if !ok {
		return
	}
	dest, ok := final.Coordinates()
	if !ok || !dest.Valid() {
		slog.Debug("Skipping emission, destination coordinates unusable", "stage", final.State)
		return
	}

	driver, err := s.provider.Current(ctx)
	if err != nil {
		slog.Warn("Skipping emission, location read failed", "error", err)
		return
	}
	if !driver.Valid() {
		slog.Debug("Skipping emission, driver coordinates unusable",
			"lat", driver.Lat,
			"lng", driver.Lng,
		)
		return
	}

	payload := map[string]any{
		"driver_location": driver,
		"destination":     dest,
	}
	err = s.mgr.Emit("updateDriverLocation", payload, func(data json.RawMessage, err error) {
		if err != nil {
			slog.Warn("Location update not acknowledged", "error", err)
			return
		}
		var ack socket.Ack
		if len(data) > 0 {
			if uerr := json.Unmarshal(data, &ack); uerr == nil && !ack.Success {
				slog.Warn("Location update rejected", "message", ack.Message, "error", ack.Error)
			}
		}
	})
	if err != nil {
		slog.Debug("Location emission skipped", "error", err)
	}
}
