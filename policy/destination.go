package policy

import (
	"fmt"

	"github.com/dispersyd/overlay/member"
)

// DestinationMeta is implemented by CommunityMeta and MemberMeta.
type DestinationMeta interface {
	destinationMeta()
}

// CommunityMeta forwards to up to NodeCount random live candidates that are
// not the sender.
type CommunityMeta struct {
	NodeCount int
}

func (CommunityMeta) destinationMeta() {}

// MemberMeta unicasts to the listed members' last known addresses.
type MemberMeta struct {
	Members []member.MID
}

func (MemberMeta) destinationMeta() {}

// DestinationImpl carries the resolved destination targets for one message.
// For CommunityMeta, Targets is empty: the forwarding set is computed at
// forward time from the live candidate table, not stored on the message.
// For MemberMeta, Targets is the explicit recipient list declared at
// construction.
type DestinationImpl struct {
	Meta    DestinationMeta
	Targets []member.MID
}

// NewDestinationImplementation validates targets against the meta.
func NewDestinationImplementation(meta DestinationMeta, targets []member.MID) (DestinationImpl, error) {
	switch m := meta.(type) {
	case CommunityMeta:
		if len(targets) != 0 {
			return DestinationImpl{}, fmt.Errorf("policy: %w: CommunityDestination resolves targets at forward time, not construction", ErrPolicyMismatch)
		}
		if m.NodeCount <= 0 {
			return DestinationImpl{}, fmt.Errorf("policy: %w: CommunityDestination node_count must be > 0", ErrPolicyMismatch)
		}
	case MemberMeta:
		if len(targets) == 0 {
			return DestinationImpl{}, fmt.Errorf("policy: %w: MemberDestination requires at least one target", ErrPolicyMismatch)
		}
	default:
		return DestinationImpl{}, fmt.Errorf("policy: unknown destination meta type %T", meta)
	}
	return DestinationImpl{Meta: meta, Targets: append([]member.MID(nil), targets...)}, nil
}
