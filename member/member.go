// Package member identifies overlay participants by public key and derives
// the 20-byte member id (MID) used throughout the wire format and timeline.
package member

import (
	"crypto/ed25519"
	"crypto/sha1" // #nosec G505 -- MID is a content identifier, not a security boundary.
	"errors"
	"fmt"
)

// MID is the SHA-1 digest of a member's public key.
type MID [20]byte

func (m MID) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range m {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// DeriveMID returns the MID of a public key. A community's CID is the MID
// of its master member, so this function also derives CIDs.
func DeriveMID(pubkey []byte) MID {
	return MID(sha1.Sum(pubkey)) // #nosec G401 -- see DeriveMID doc.
}

// Member is a known participant: a public key, its MID, an optional private
// key (when we hold it), and a stable database id. Members are created on
// first observation and never mutated afterward.
type Member struct {
	DatabaseID int64
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey // nil unless we own this member
	mid        MID
}

// MemberLike is satisfied by both *Member and *DummyMember so that code
// paths which only need a MID (e.g. authorship checks) need not care
// whether the public key has been observed yet.
type MemberLike interface {
	MID() MID
}

func (m *Member) MID() MID { return m.mid }

// HasPrivateKey reports whether this Member can sign messages locally.
func (m *Member) HasPrivateKey() bool { return m != nil && len(m.PrivateKey) > 0 }

// DummyMember is a placeholder for a peer known only by MID: observed in an
// authentication binding (sha1 encoding) before its public key arrived via a
// dispersy-identity message.
type DummyMember struct {
	mid MID
}

func (d *DummyMember) MID() MID { return d.mid }

func newDummyMember(mid MID) *DummyMember { return &DummyMember{mid: mid} }

// MemberStrength selects the key size used by NewRandomMember. The exact
// mapping is a cryptoprovider concern; the registry only threads the choice
// through.
type MemberStrength int

const (
	StrengthVeryLow MemberStrength = iota
	StrengthLow
	StrengthMedium
	StrengthHigh
)

var (
	// ErrUnknownMember is returned by Promote when no DummyMember exists
	// for the given MID yet.
	ErrUnknownMember = errors.New("member: no placeholder for mid")
	// ErrAlreadyKnown is returned by GetOrCreate's caller-visible siblings
	// when a public key collides with a different MID already registered
	// under a distinct key (should be cryptographically impossible, but
	// storage layers must not silently merge it).
	ErrAlreadyKnown = errors.New("member: mid collision with distinct public key")
)

// Store is the persistence contract the registry relies on. storage.Bolt
// implements this.
type Store interface {
	PutMember(mid MID, pubkey []byte, dbID int64) error
	GetMemberByMID(mid MID) (pubkey []byte, dbID int64, ok bool, err error)
	NextMemberID() (int64, error)
}

// Registry is the per-process member registry. It is not
// per-overlay: a member observed in one community is the same Member object
// if observed in another.
type Registry struct {
	store   Store
	byMID   map[MID]*Member
	dummies map[MID]*DummyMember
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		byMID:   make(map[MID]*Member),
		dummies: make(map[MID]*DummyMember),
	}
}

// GetOrCreate is idempotent: the same public key always yields the same
// *Member, assigning a stable database id on first observation.
func (r *Registry) GetOrCreate(pubkey ed25519.PublicKey) (*Member, error) {
	mid := DeriveMID(pubkey)
	if m, ok := r.byMID[mid]; ok {
		return m, nil
	}

	existingPub, dbID, ok, err := r.store.GetMemberByMID(mid)
	if err != nil {
		return nil, fmt.Errorf("member: store error: %w", err)
	}
	if ok {
		if len(existingPub) > 0 && string(existingPub) != string(pubkey) {
			return nil, ErrAlreadyKnown
		}
		m := &Member{DatabaseID: dbID, PublicKey: pubkey, mid: mid}
		r.byMID[mid] = m
		delete(r.dummies, mid)
		return m, nil
	}

	dbID, err = r.store.NextMemberID()
	if err != nil {
		return nil, fmt.Errorf("member: next id: %w", err)
	}
	if err := r.store.PutMember(mid, pubkey, dbID); err != nil {
		return nil, fmt.Errorf("member: put: %w", err)
	}
	m := &Member{DatabaseID: dbID, PublicKey: pubkey, mid: mid}
	r.byMID[mid] = m
	delete(r.dummies, mid)
	return m, nil
}

// GetByMID returns the known Member for mid, or a DummyMember placeholder
// when the public key has not been observed yet.
func (r *Registry) GetByMID(mid MID) MemberLike {
	if m, ok := r.byMID[mid]; ok {
		return m
	}
	if d, ok := r.dummies[mid]; ok {
		return d
	}
	pubkey, dbID, ok, err := r.store.GetMemberByMID(mid)
	if err == nil && ok {
		m := &Member{DatabaseID: dbID, PublicKey: pubkey, mid: mid}
		r.byMID[mid] = m
		return m
	}
	d := newDummyMember(mid)
	r.dummies[mid] = d
	return d
}

// Promote upgrades a previously-dummy MID to a full Member once its public
// key is learned, e.g. via an inbound dispersy-identity packet.
func (r *Registry) Promote(mid MID, pubkey ed25519.PublicKey) (*Member, error) {
	if DeriveMID(pubkey) != mid {
		return nil, fmt.Errorf("member: pubkey does not derive mid")
	}
	if _, ok := r.dummies[mid]; !ok {
		if _, ok := r.byMID[mid]; !ok {
			return nil, ErrUnknownMember
		}
	}
	return r.GetOrCreate(pubkey)
}

// NewRandomMember generates a fresh keypair and registers it as an owned
// Member (i.e. one this process can sign with).
func (r *Registry) NewRandomMember(strength MemberStrength) (*Member, error) {
	_ = strength // key size is uniform for ed25519; the strength levels map to one curve
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("member: generate key: %w", err)
	}
	m, err := r.GetOrCreate(pub)
	if err != nil {
		return nil, err
	}
	m.PrivateKey = priv
	return m, nil
}
