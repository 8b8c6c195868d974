// Package meta implements the per-overlay meta-message table and the
// composite message Implementation that binds one instance of each
// policy axis plus a decoded payload.
package meta

import (
	"fmt"
	"reflect"

	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/policy"
)

// CheckFunc validates a message beyond what the timeline and wire codec
// already enforce.
type CheckFunc func(*Implementation) error

// OnAcceptFunc runs once a message is admitted and stored.
type OnAcceptFunc func(*Implementation) error

// UndoFunc is invoked when a previously-accepted message is undone by a
// later authorize/revoke/undo event. Optional.
type UndoFunc func(*Implementation) error

// MetaMessage is the immutable, per-overlay type-level description of a
// message: its name, policies, and handlers.
type MetaMessage struct {
	Name           string
	CommunityCID   [20]byte
	Authentication policy.AuthenticationMeta
	Resolution     policy.ResolutionMeta
	Distribution   policy.DistributionMeta
	Destination    policy.DestinationMeta
	Payload        policy.PayloadMeta
	Check          CheckFunc
	OnAccept       OnAcceptFunc
	Undo           UndoFunc

	// DatabaseID is assigned on registration.
	DatabaseID int64
	// Tag is the one-byte wire identifier assigned on registration.
	Tag byte
}

// Implementation is one concrete message: a chosen authentication variant,
// resolution variant, distribution state, destination targets, and decoded
// payload, bound to its MetaMessage.
type Implementation struct {
	Meta           *MetaMessage
	Authentication policy.AuthenticationImpl
	Resolution     policy.ResolutionImpl
	Distribution   policy.DistributionImpl
	Destination    policy.DestinationImpl
	Payload        policy.Payload

	packet []byte // cached wire bytes, set once by the codec on first encode
}

// NewImplementation validates that each axis implementation was built
// against the axis meta the MetaMessage actually declares, then constructs
// the composite. A mismatch (e.g. a FullSync implementation handed to a
// meta declaring LastSync) is a PolicyMismatch: a programmer error, fatal
// for the caller.
func NewImplementation(
	metaMsg *MetaMessage,
	auth policy.AuthenticationImpl,
	res policy.ResolutionImpl,
	dist policy.DistributionImpl,
	dest policy.DestinationImpl,
	payload policy.Payload,
) (*Implementation, error) {
	if metaMsg == nil {
		return nil, fmt.Errorf("meta: %w: nil meta message", policy.ErrPolicyMismatch)
	}
	if !sameAxisType(auth.Meta, metaMsg.Authentication) {
		return nil, fmt.Errorf("meta: %w: authentication axis mismatch for %q", policy.ErrPolicyMismatch, metaMsg.Name)
	}
	if !sameAxisType(res.Meta, metaMsg.Resolution) {
		return nil, fmt.Errorf("meta: %w: resolution axis mismatch for %q", policy.ErrPolicyMismatch, metaMsg.Name)
	}
	if !sameAxisType(dist.Meta, metaMsg.Distribution) {
		return nil, fmt.Errorf("meta: %w: distribution axis mismatch for %q", policy.ErrPolicyMismatch, metaMsg.Name)
	}
	if !sameAxisType(dest.Meta, metaMsg.Destination) {
		return nil, fmt.Errorf("meta: %w: destination axis mismatch for %q", policy.ErrPolicyMismatch, metaMsg.Name)
	}
	return &Implementation{
		Meta:           metaMsg,
		Authentication: auth,
		Resolution:     res,
		Distribution:   dist,
		Destination:    dest,
		Payload:        payload,
	}, nil
}

func sameAxisType(got, want interface{}) bool {
	if got == nil || want == nil {
		return got == want
	}
	return reflect.TypeOf(got) == reflect.TypeOf(want)
}

// GlobalTime is a convenience passthrough to the distribution axis.
func (i *Implementation) GlobalTime() uint64 { return i.Distribution.GlobalTime }

// Author is a convenience passthrough to the authentication axis.
func (i *Implementation) Author() member.MemberLike { return i.Authentication.Author() }

// Packet returns the cached wire bytes, or (nil, false) if this
// implementation has not been encoded yet.
func (i *Implementation) Packet() ([]byte, bool) {
	if i.packet == nil {
		return nil, false
	}
	return i.packet, true
}

// CachePacket stores the encoded wire bytes so repeated sends/forwards
// do not re-encode; once cached the packet is immutable.
func (i *Implementation) CachePacket(b []byte) {
	i.packet = append([]byte(nil), b...)
}

// InvalidatePacket discards the cached wire bytes. Callers that mutate the
// authentication state (adding a second signature) must invalidate before
// re-encoding, or the stale cached packet would be returned.
func (i *Implementation) InvalidatePacket() {
	i.packet = nil
}
