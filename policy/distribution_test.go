package policy

import (
	"errors"
	"testing"
)

func TestGlobalTimePruningStages(t *testing.T) {
	p, err := NewGlobalTimePruningMeta(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		overlayNow, msgTime uint64
		want                PruningState
	}{
		{100, 95, PruningActive},   // age 5 < 10
		{100, 90, PruningInactive}, // age 10, in [10,20)
		{100, 85, PruningInactive}, // age 15
		{100, 80, PruningPruned},   // age 20 >= 20
		{100, 10, PruningPruned},
	}
	for _, c := range cases {
		got := p.State(c.overlayNow, c.msgTime)
		if got != c.want {
			t.Errorf("State(%d,%d) = %v, want %v", c.overlayNow, c.msgTime, got, c.want)
		}
	}
}

func TestNewGlobalTimePruningMetaRejectsBadBounds(t *testing.T) {
	if _, err := NewGlobalTimePruningMeta(0, 10); err == nil {
		t.Fatalf("expected error for inactive=0")
	}
	if _, err := NewGlobalTimePruningMeta(10, 10); err == nil {
		t.Fatalf("expected error for inactive==pruned")
	}
	if _, err := NewGlobalTimePruningMeta(20, 10); err == nil {
		t.Fatalf("expected error for inactive>pruned")
	}
}

func TestFullSyncSequenceNumberDiscipline(t *testing.T) {
	enabled := FullSyncMeta{EnableSequenceNumber: true, Pruning: NoPruningMeta{}}
	if _, err := NewDistributionImplementation(enabled, 5, 0); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected PolicyMismatch for zero sequence with enabled=true, got %v", err)
	}
	if _, err := NewDistributionImplementation(enabled, 5, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disabled := FullSyncMeta{EnableSequenceNumber: false, Pruning: NoPruningMeta{}}
	if _, err := NewDistributionImplementation(disabled, 5, 1); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected PolicyMismatch for positive sequence with enabled=false, got %v", err)
	}
}

func TestRelayDistributionUnimplemented(t *testing.T) {
	if _, err := NewDistributionImplementation(RelayMeta{}, 1, 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestDistributionImplZeroGlobalTimeRejected(t *testing.T) {
	if _, err := NewDistributionImplementation(DirectMeta{}, 0, 0); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected PolicyMismatch for global_time=0, got %v", err)
	}
}

func TestLastSyncPriorityExposed(t *testing.T) {
	meta := LastSyncMeta{Priority: 200, HistorySize: 1, Pruning: NoPruningMeta{}}
	impl, err := NewDistributionImplementation(meta, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if impl.Priority() != 200 {
		t.Fatalf("got priority %d, want 200", impl.Priority())
	}
}
