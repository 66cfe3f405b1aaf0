package sharding

import "testing"

func TestLane(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		lanes int
	}{
		{name: "single lane", key: "ord-1", lanes: 1},
		{name: "zero lanes", key: "ord-1", lanes: 0},
		{name: "four lanes", key: "ord-1", lanes: 4},
		{name: "empty key", key: "", lanes: 8},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Lane(tc.key, tc.lanes)
			if tc.lanes <= 1 && got != 0 {
				t.Fatalf("Lane(%q, %d) = %d, want 0", tc.key, tc.lanes, got)
			}
			if tc.lanes > 1 && (got < 0 || got >= tc.lanes) {
				t.Fatalf("Lane(%q, %d) = %d, out of range", tc.key, tc.lanes, got)
			}
			if again := Lane(tc.key, tc.lanes); again != got {
				t.Fatalf("Lane(%q, %d) not stable: %d then %d", tc.key, tc.lanes, got, again)
			}
		})
	}
}

func TestLane_Spreads(t *testing.T) {
	seen := make(map[int]bool)
	for _, key := range []string{"ord-a", "ord-b", "ord-c", "ord-d", "ord-e", "ord-f", "ord-g", "ord-h"} {
		seen[Lane(key, 4)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys on more than one lane, got %v", seen)
	}
}

func TestLaneID(t *testing.T) {
	if got := LaneID(3); got != "lane-3" {
		t.Fatalf("LaneID(3) = %s", got)
	}
}
