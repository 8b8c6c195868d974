// Package policy implements the four policy axes (authentication,
// resolution, distribution, destination) plus the payload axis contract.
// Each axis is a small closed set of tagged variants with a meta
// (per-type configuration) and an implementation (per-message state).
package policy

import (
	"errors"
	"fmt"

	"github.com/dispersyd/overlay/member"
)

// AuthEncoding selects how a single-member authentication binding is
// represented on the wire: the 20-byte MID, or the full public key.
type AuthEncoding int

const (
	EncodingSHA1 AuthEncoding = iota
	EncodingBin
)

// AuthenticationMeta is implemented by MemberAuthenticationMeta and
// DoubleMemberAuthenticationMeta.
type AuthenticationMeta interface {
	authenticationMeta()
}

// MemberAuthenticationMeta messages are signed by exactly one member.
type MemberAuthenticationMeta struct {
	Encoding AuthEncoding
}

func (MemberAuthenticationMeta) authenticationMeta() {}

// AllowSignatureFunc is consulted on an inbound co-sign request for a
// DoubleMemberAuthenticationMeta message. Returning true triggers an
// automatic countersign by the local member.
type AllowSignatureFunc func(payload Payload) bool

// DoubleMemberAuthenticationMeta messages carry two signer bindings and two
// signatures, in the implementation's declared order.
type DoubleMemberAuthenticationMeta struct {
	AllowSignature AllowSignatureFunc
}

func (DoubleMemberAuthenticationMeta) authenticationMeta() {}

// AuthState reports whether a double-signed message has collected all
// required signatures yet.
type AuthState int

const (
	AuthStateSigned AuthState = iota
	AuthStateUnsigned
)

var (
	ErrAuthMemberCountMismatch = errors.New("policy: authentication member/signature count mismatch")
	ErrAuthNoMembers           = errors.New("policy: authentication requires at least one member")
)

// AuthenticationImpl is the chosen authentication variant for one message:
// one member for MemberAuthenticationMeta, or an ordered pair for
// DoubleMemberAuthenticationMeta. Signatures are aligned by index with
// Members; a nil/empty entry means that signer has not yet signed.
type AuthenticationImpl struct {
	Meta       AuthenticationMeta
	Members    []member.MemberLike
	Signatures [][]byte
}

// NewAuthenticationImplementation validates member/signature arity against
// the meta and constructs the implementation. Signatures may be supplied
// empty (nil byte slices) for not-yet-signed double-member messages.
func NewAuthenticationImplementation(meta AuthenticationMeta, members []member.MemberLike, sigs [][]byte) (AuthenticationImpl, error) {
	if len(members) == 0 {
		return AuthenticationImpl{}, ErrAuthNoMembers
	}
	if len(members) != len(sigs) {
		return AuthenticationImpl{}, ErrAuthMemberCountMismatch
	}
	switch meta.(type) {
	case MemberAuthenticationMeta:
		if len(members) != 1 {
			return AuthenticationImpl{}, fmt.Errorf("policy: %w: MemberAuthentication requires exactly one member, got %d", ErrAuthMemberCountMismatch, len(members))
		}
	case DoubleMemberAuthenticationMeta:
		if len(members) != 2 {
			return AuthenticationImpl{}, fmt.Errorf("policy: %w: DoubleMemberAuthentication requires exactly two members, got %d", ErrAuthMemberCountMismatch, len(members))
		}
	default:
		return AuthenticationImpl{}, fmt.Errorf("policy: unknown authentication meta type %T", meta)
	}
	return AuthenticationImpl{
		Meta:       meta,
		Members:    append([]member.MemberLike(nil), members...),
		Signatures: append([][]byte(nil), sigs...),
	}, nil
}

// Author is the message's primary signer: the sole member for
// MemberAuthentication, or the first declared signer for
// DoubleMemberAuthentication.
func (a AuthenticationImpl) Author() member.MemberLike {
	if len(a.Members) == 0 {
		return nil
	}
	return a.Members[0]
}

// IsDouble reports whether this is a DoubleMemberAuthentication instance.
func (a AuthenticationImpl) IsDouble() bool {
	_, ok := a.Meta.(DoubleMemberAuthenticationMeta)
	return ok
}

// State reports AuthStateUnsigned when any required signature is missing.
// Unsigned double-signed messages may not forward.
func (a AuthenticationImpl) State() AuthState {
	for _, s := range a.Signatures {
		if len(s) == 0 {
			return AuthStateUnsigned
		}
	}
	return AuthStateSigned
}

// CanForward reports whether the message carries every required
// signature; unsigned double-member messages may not forward.
func (a AuthenticationImpl) CanForward() bool {
	return a.State() == AuthStateSigned
}

// WithSignature returns a copy of a with the signature at index i set,
// used when countersigning completes a double-member message.
func (a AuthenticationImpl) WithSignature(i int, sig []byte) (AuthenticationImpl, error) {
	if i < 0 || i >= len(a.Signatures) {
		return AuthenticationImpl{}, fmt.Errorf("policy: signature index out of range")
	}
	out := a
	out.Signatures = append([][]byte(nil), a.Signatures...)
	out.Signatures[i] = sig
	return out, nil
}
