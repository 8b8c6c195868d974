package policy

import (
	"errors"
	"fmt"
)

// Direction controls the order in which a FullSync/LastSync distribution's
// rows are offered during sync selection.
type Direction int

const (
	DirectionASC Direction = iota
	DirectionDESC
	DirectionRANDOM
)

// PruningState is the lifecycle stage of a GlobalTimePruning-governed
// message, recomputed lazily from the overlay's current global_time.
type PruningState int

const (
	PruningActive PruningState = iota
	PruningInactive
	PruningPruned
)

func (s PruningState) String() string {
	switch s {
	case PruningActive:
		return "active"
	case PruningInactive:
		return "inactive"
	case PruningPruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// PruningMeta is implemented by NoPruningMeta and GlobalTimePruningMeta.
type PruningMeta interface {
	pruningMeta()
	// State reports the pruning stage of a message created at msgGlobalTime,
	// given the overlay's current global_time.
	State(overlayGlobalTime, msgGlobalTime uint64) PruningState
}

// NoPruningMeta messages are never pruned.
type NoPruningMeta struct{}

func (NoPruningMeta) pruningMeta() {}
func (NoPruningMeta) State(uint64, uint64) PruningState {
	return PruningActive
}

// GlobalTimePruningMeta keeps a message active while
// overlay.global_time - msg.global_time < Inactive, inactive in
// [Inactive, Pruned), and pruned once >= Pruned.
type GlobalTimePruningMeta struct {
	Inactive uint64
	Pruned   uint64
}

func (GlobalTimePruningMeta) pruningMeta() {}

// NewGlobalTimePruningMeta validates 0 < inactive < pruned.
func NewGlobalTimePruningMeta(inactive, pruned uint64) (GlobalTimePruningMeta, error) {
	if !(0 < inactive && inactive < pruned) {
		return GlobalTimePruningMeta{}, fmt.Errorf("policy: %w: require 0 < inactive(%d) < pruned(%d)", ErrPolicyMismatch, inactive, pruned)
	}
	return GlobalTimePruningMeta{Inactive: inactive, Pruned: pruned}, nil
}

func (g GlobalTimePruningMeta) State(overlayGlobalTime, msgGlobalTime uint64) PruningState {
	age := overlayGlobalTime - msgGlobalTime
	switch {
	case age < g.Inactive:
		return PruningActive
	case age < g.Pruned:
		return PruningInactive
	default:
		return PruningPruned
	}
}

// DistributionMeta is implemented by DirectMeta, FullSyncMeta, LastSyncMeta,
// and RelayMeta.
type DistributionMeta interface {
	distributionMeta()
}

// DirectMeta messages are point-to-point and never stored.
type DirectMeta struct{}

func (DirectMeta) distributionMeta() {}

// FullSyncMeta messages are gossiped to every peer in the overlay, with an
// optional dense sequence number per (member, meta) when
// EnableSequenceNumber is set.
type FullSyncMeta struct {
	Direction            Direction
	Priority             uint8
	EnableSequenceNumber bool
	Pruning              PruningMeta
}

func (FullSyncMeta) distributionMeta() {}

// LastSyncMeta retains at most HistorySize messages per (member, meta), or
// per ordered member pair for double-signed messages.
type LastSyncMeta struct {
	Direction   Direction
	Priority    uint8
	HistorySize int
	Pruning     PruningMeta
}

func (LastSyncMeta) distributionMeta() {}

// RelayMeta is reserved: NewDistributionImplementation refuses to
// construct an implementation for it.
type RelayMeta struct{}

func (RelayMeta) distributionMeta() {}

// ErrNotImplemented is returned by RelayMeta's implementation constructor.
var ErrNotImplemented = errors.New("policy: RelayDistribution is not implemented")

// ErrPolicyMismatch is the programmer-error sentinel: fatal for the
// caller who composed an invalid policy tuple.
var ErrPolicyMismatch = errors.New("policy: mismatch")

// DistributionImpl is a message's distribution state: its claimed
// global_time, optional sequence number, and (lazily evaluated) pruning
// state.
type DistributionImpl struct {
	Meta           DistributionMeta
	GlobalTime     uint64
	SequenceNumber uint32 // 0 when disabled
}

// NewDistributionImplementation validates sequence-number usage against
// the meta and constructs the implementation.
func NewDistributionImplementation(meta DistributionMeta, globalTime uint64, sequenceNumber uint32) (DistributionImpl, error) {
	if globalTime == 0 {
		return DistributionImpl{}, fmt.Errorf("policy: %w: global_time must be > 0", ErrPolicyMismatch)
	}
	switch m := meta.(type) {
	case DirectMeta:
		if sequenceNumber != 0 {
			return DistributionImpl{}, fmt.Errorf("policy: %w: DirectDistribution carries no sequence number", ErrPolicyMismatch)
		}
	case FullSyncMeta:
		if m.EnableSequenceNumber && sequenceNumber == 0 {
			return DistributionImpl{}, fmt.Errorf("policy: %w: sequence number required when enabled", ErrPolicyMismatch)
		}
		if !m.EnableSequenceNumber && sequenceNumber != 0 {
			return DistributionImpl{}, fmt.Errorf("policy: %w: sequence number must be 0 when disabled", ErrPolicyMismatch)
		}
	case LastSyncMeta:
		if sequenceNumber != 0 {
			return DistributionImpl{}, fmt.Errorf("policy: %w: LastSyncDistribution carries no sequence number", ErrPolicyMismatch)
		}
	case RelayMeta:
		return DistributionImpl{}, ErrNotImplemented
	default:
		return DistributionImpl{}, fmt.Errorf("policy: unknown distribution meta type %T", meta)
	}
	return DistributionImpl{Meta: meta, GlobalTime: globalTime, SequenceNumber: sequenceNumber}, nil
}

// PruningState evaluates this message's pruning stage against the given
// current overlay global_time. DirectMeta and RelayMeta are never pruned.
func (d DistributionImpl) PruningState(overlayGlobalTime uint64) PruningState {
	switch m := d.Meta.(type) {
	case FullSyncMeta:
		return pruningMetaOrNoop(m.Pruning).State(overlayGlobalTime, d.GlobalTime)
	case LastSyncMeta:
		return pruningMetaOrNoop(m.Pruning).State(overlayGlobalTime, d.GlobalTime)
	default:
		return PruningActive
	}
}

func pruningMetaOrNoop(p PruningMeta) PruningMeta {
	if p == nil {
		return NoPruningMeta{}
	}
	return p
}

// Priority reports the sync priority for FullSync/LastSync, or -1 for
// distributions that are never synced (Direct, Relay).
func (d DistributionImpl) Priority() int {
	switch m := d.Meta.(type) {
	case FullSyncMeta:
		return int(m.Priority)
	case LastSyncMeta:
		return int(m.Priority)
	default:
		return -1
	}
}
