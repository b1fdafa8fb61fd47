package domain

import (
	"sort"
	"strconv"
	"strings"
)

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Canonical phase order for a single sub-order. Stage keys are the phase
// name suffixed with the sub-order index, e.g. "restaurant_pickup_order_2".
var PhaseOrder = []string{
	"driver_ready",
	"waiting_for_pickup",
	"restaurant_pickup",
	"en_route_to_customer",
	"delivery_complete",
}

const subOrderSep = "_order_"

// ProgressStage is one discrete phase of a delivery run.
type ProgressStage struct {
	State     string         `json:"state"`
	Status    StageStatus    `json:"status"`
	Timestamp int64          `json:"timestamp"`
	Duration  int64          `json:"duration,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SplitState returns the phase name and sub-order index of the stage key.
// A key without a sub-order suffix maps to index 0.
func (s ProgressStage) SplitState() (phase string, subOrder int) {
	idx := strings.LastIndex(s.State, subOrderSep)
	if idx < 0 {
		return s.State, 0
	}
	n, err := strconv.Atoi(s.State[idx+len(subOrderSep):])
	if err != nil {
		return s.State, 0
	}
	return s.State[:idx], n
}

// Coordinates extracts a lat/lng pair from the stage details, if present.
func (s ProgressStage) Coordinates() (Coordinates, bool) {
	if s.Details == nil {
		return Coordinates{}, false
	}
	lat, okLat := toFloat(s.Details["lat"])
	lng, okLng := toFloat(s.Details["lng"])
	if !okLat || !okLng {
		return Coordinates{}, false
	}
	return Coordinates{Lat: lat, Lng: lng}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ProgressSnapshot is the full state of a driver's current multi-order run.
type ProgressSnapshot struct {
	EntityID               string          `json:"entity_id"`
	CurrentState           string          `json:"current_state"`
	Stages                 []ProgressStage `json:"stages"`
	TotalDistanceTravelled float64         `json:"total_distance_travelled"`
	TotalTips              float64         `json:"total_tips"`
	TotalEarns             float64         `json:"total_earns"`
	UpdatedAt              int64           `json:"updated_at"`
	Completed              bool            `json:"completed,omitempty"`
	TransactionsProcessed  bool            `json:"transactions_processed,omitempty"`
}

// HasActiveStage reports whether any stage is still pending or in progress.
func (p *ProgressSnapshot) HasActiveStage() bool {
	for _, s := range p.Stages {
		if s.Status == StagePending || s.Status == StageInProgress {
			return true
		}
	}
	return false
}

// FinalStage returns the last stage in the canonical list, the final
// drop-off of the whole run.
func (p *ProgressSnapshot) FinalStage() (ProgressStage, bool) {
	if len(p.Stages) == 0 {
		return ProgressStage{}, false
	}
	return p.Stages[len(p.Stages)-1], true
}

func phaseIndex(phase string) int {
	for i, p := range PhaseOrder {
		if p == phase {
			return i
		}
	}
	return len(PhaseOrder)
}

// NormalizeStages deduplicates stages by state key, keeping the instance
// with the greatest timestamp, then sorts by ascending sub-order index and
// canonical phase order within each sub-order.
func NormalizeStages(stages []ProgressStage) []ProgressStage {
	byState := make(map[string]ProgressStage, len(stages))
	for _, s := range stages {
		if prev, ok := byState[s.State]; ok && prev.Timestamp >= s.Timestamp {
			continue
		}
		byState[s.State] = s
	}

	out := make([]ProgressStage, 0, len(byState))
	for _, s := range byState {
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, si := out[i].SplitState()
		pj, sj := out[j].SplitState()
		if si != sj {
			return si < sj
		}
		if a, b := phaseIndex(pi), phaseIndex(pj); a != b {
			return a < b
		}
		return pi < pj
	})
	return out
}
