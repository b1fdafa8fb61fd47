package domain

import "testing"

func TestNormalizeStagesDedupKeepsNewest(t *testing.T) {
	stages := []ProgressStage{
		{State: "restaurant_pickup_order_1", Status: StageInProgress, Timestamp: 5},
		{State: "restaurant_pickup_order_1", Status: StageCompleted, Timestamp: 9},
		{State: "driver_ready_order_1", Status: StageCompleted, Timestamp: 1},
	}

	out := NormalizeStages(stages)
	if len(out) != 2 {
		t.Fatalf("expected 2 stages after dedup, got %d", len(out))
	}
	if out[0].State != "driver_ready_order_1" {
		t.Errorf("expected driver_ready_order_1 first, got %s", out[0].State)
	}
	if out[1].State != "restaurant_pickup_order_1" || out[1].Timestamp != 9 {
		t.Errorf("expected restaurant_pickup_order_1 with ts 9, got %s ts %d", out[1].State, out[1].Timestamp)
	}
}

func TestNormalizeStagesOrdersSubOrdersAscending(t *testing.T) {
	stages := []ProgressStage{
		{State: "driver_ready_order_2", Timestamp: 4},
		{State: "delivery_complete_order_1", Timestamp: 3},
		{State: "restaurant_pickup_order_2", Timestamp: 5},
		{State: "driver_ready_order_1", Timestamp: 1},
	}

	out := NormalizeStages(stages)
	want := []string{
		"driver_ready_order_1",
		"delivery_complete_order_1",
		"driver_ready_order_2",
		"restaurant_pickup_order_2",
	}
	if len(out) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(out))
	}
	for i, w := range want {
		if out[i].State != w {
			t.Errorf("position %d: expected %s, got %s", i, w, out[i].State)
		}
	}
}

func TestSplitState(t *testing.T) {
	tests := []struct {
		state    string
		phase    string
		subOrder int
	}{
		{"restaurant_pickup_order_2", "restaurant_pickup", 2},
		{"driver_ready_order_1", "driver_ready", 1},
		{"driver_ready", "driver_ready", 0},
		{"en_route_to_customer_order_10", "en_route_to_customer", 10},
	}
	for _, tt := range tests {
		phase, sub := ProgressStage{State: tt.state}.SplitState()
		if phase != tt.phase || sub != tt.subOrder {
			t.Errorf("%s: got (%s, %d), want (%s, %d)", tt.state, phase, sub, tt.phase, tt.subOrder)
		}
	}
}

func TestCoordinatesValid(t *testing.T) {
	tests := []struct {
		name   string
		coords Coordinates
		valid  bool
	}{
		{"ok", Coordinates{Lat: 41.3, Lng: 69.2}, true},
		{"zero lat", Coordinates{Lat: 0, Lng: 69.2}, false},
		{"zero lng", Coordinates{Lat: 41.3, Lng: 0}, false},
		{"lat out of bounds", Coordinates{Lat: 95, Lng: 69.2}, false},
		{"lng out of bounds", Coordinates{Lat: 41.3, Lng: 181}, false},
		{"negative ok", Coordinates{Lat: -33.8, Lng: -70.6}, true},
	}
	for _, tt := range tests {
		if got := tt.coords.Valid(); got != tt.valid {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestSnapshotHasActiveStage(t *testing.T) {
	snap := &ProgressSnapshot{Stages: []ProgressStage{
		{State: "driver_ready_order_1", Status: StageCompleted},
		{State: "restaurant_pickup_order_1", Status: StageCompleted},
	}}
	if snap.HasActiveStage() {
		t.Error("all-completed snapshot must not report an active stage")
	}

	snap.Stages[1].Status = StageInProgress
	if !snap.HasActiveStage() {
		t.Error("in_progress stage must count as active")
	}
}
