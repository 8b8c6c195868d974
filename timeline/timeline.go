// Package timeline implements the per-overlay permission state machine:
// an append-only authorize/revoke log, a most-recent-event
// lookup for message admission, and the dynamic-resolution variant history
// that policy.DynamicMeta resolves against.
package timeline

import (
	"bytes"
	"sync"

	"github.com/dispersyd/overlay/member"
)

// Right is a grantable capability over a (member, meta) pair: permission to
// create messages (Permit), to grant/revoke permissions to others
// (Authorize/Revoke), or to undo a previously accepted message (Undo).
type Right int

const (
	RightPermit Right = iota
	RightAuthorize
	RightRevoke
	RightUndo
)

func (r Right) String() string {
	switch r {
	case RightPermit:
		return "permit"
	case RightAuthorize:
		return "authorize"
	case RightRevoke:
		return "revoke"
	case RightUndo:
		return "undo"
	default:
		return "unknown"
	}
}

// Triplet names one grant: member may exercise right on messages of
// MetaName once authorized.
type Triplet struct {
	Member   member.MID
	MetaName string
	Right    Right
}

// Event is one append-only log entry: an authorize or revoke of Right for
// Member on MetaName, recorded at GlobalTime, granted by GrantedBy, with the
// packet bytes that carried the grant (used for the lexicographic
// tie-break at identical global_time).
type Event struct {
	GlobalTime  uint64
	Member      member.MID
	MetaName    string
	Right       Right
	Authorize   bool // true: this event grants the right; false: it revokes it
	GrantedBy   member.MID
	PacketBytes []byte
}

// dynamicSetting is one dispersy-dynamic-settings-style entry: at GlobalTime,
// MetaName's dynamic resolution switched to VariantIndex.
type dynamicSetting struct {
	GlobalTime   uint64
	MetaName     string
	VariantIndex uint8
}

// Timeline is the per-overlay permission log. Master is the overlay's master
// member, which is self-authorizing for every right: it never
// needs an explicit authorize event to act as the chain's root.
type Timeline struct {
	mu       sync.RWMutex
	master   member.MID
	events   []Event
	settings []dynamicSetting
}

func New(master member.MID) *Timeline {
	return &Timeline{master: master}
}

// Authorize appends one authorize event per triplet at globalTime, granted
// by grantedBy: one event per right granted.
func (t *Timeline) Authorize(triplets []Triplet, globalTime uint64, grantedBy member.MID, packetBytes []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range triplets {
		t.events = append(t.events, Event{
			GlobalTime:  globalTime,
			Member:      tr.Member,
			MetaName:    tr.MetaName,
			Right:       tr.Right,
			Authorize:   true,
			GrantedBy:   grantedBy,
			PacketBytes: packetBytes,
		})
	}
}

// Revoke appends one revoke event per triplet.
func (t *Timeline) Revoke(triplets []Triplet, globalTime uint64, grantedBy member.MID, packetBytes []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range triplets {
		t.events = append(t.events, Event{
			GlobalTime:  globalTime,
			Member:      tr.Member,
			MetaName:    tr.MetaName,
			Right:       tr.Right,
			Authorize:   false,
			GrantedBy:   grantedBy,
			PacketBytes: packetBytes,
		})
	}
}

// RecordDynamicSetting appends a dispersy-dynamic-settings-style entry
// switching metaName's dynamic resolution to variantIndex as of globalTime.
func (t *Timeline) RecordDynamicSetting(metaName string, variantIndex uint8, globalTime uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = append(t.settings, dynamicSetting{GlobalTime: globalTime, MetaName: metaName, VariantIndex: variantIndex})
}

// ResolutionAt returns the dynamic resolution variant index in force for
// metaName at globalTime: the most recent recorded switch at or before
// globalTime, or defaultIndex (the meta's first declared variant) if none.
func (t *Timeline) ResolutionAt(metaName string, globalTime uint64, defaultIndex uint8) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best, found := dynamicSetting{}, false
	for _, s := range t.settings {
		if s.MetaName != metaName || s.GlobalTime > globalTime {
			continue
		}
		if !found || s.GlobalTime > best.GlobalTime {
			best, found = s, true
		}
	}
	if !found {
		return defaultIndex
	}
	return best.VariantIndex
}

// mostRecent returns the event for (who, metaName, right) with the greatest
// GlobalTime at or before globalTime, breaking ties on lexicographically
// smaller packet bytes, and whether any such event exists.
func (t *Timeline) mostRecent(who member.MID, metaName string, right Right, globalTime uint64) (Event, bool) {
	var best Event
	found := false
	for _, e := range t.events {
		if e.Member != who || e.MetaName != metaName || e.Right != right || e.GlobalTime > globalTime {
			continue
		}
		if !found {
			best, found = e, true
			continue
		}
		switch {
		case e.GlobalTime > best.GlobalTime:
			best = e
		case e.GlobalTime == best.GlobalTime && bytes.Compare(e.PacketBytes, best.PacketBytes) < 0:
			best = e
		}
	}
	return best, found
}

// chainVerified reports whether the grant in e traces back to the master
// member: e's granter is either the master, or itself held RightAuthorize
// for metaName at e's global_time, recursively.
func (t *Timeline) chainVerified(e Event, metaName string, depth int) bool {
	if e.GrantedBy == t.master {
		return true
	}
	if depth > 64 {
		// Defensive bound: a well-formed chain terminates at the master in a
		// handful of hops; this guards against a cyclic grant graph.
		return false
	}
	grant, ok := t.mostRecent(e.GrantedBy, metaName, RightAuthorize, e.GlobalTime)
	if !ok || !grant.Authorize {
		return false
	}
	return t.chainVerified(grant, metaName, depth+1)
}

// Check answers the admission question: at globalTime, was author
// authorized to create messages of metaName, with the grant's chain
// verified to the master member? As proof it returns the author's most
// recent permit event (also when the chain cannot be verified locally, so
// a caller can start a dispersy-missing-proof-style exchange); the
// granters' own authorize events along the chain are not included.
func (t *Timeline) Check(author member.MID, metaName string, globalTime uint64) (allowed bool, proofs []Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if author == t.master {
		return true, nil
	}

	e, ok := t.mostRecent(author, metaName, RightPermit, globalTime)
	if !ok || !e.Authorize {
		return false, nil
	}
	proofs = append(proofs, e)
	if !t.chainVerified(e, metaName, 0) {
		return false, proofs
	}
	return true, proofs
}

// HasRight reports whether who currently holds right for metaName at
// globalTime, independent of chain verification.
func (t *Timeline) HasRight(who member.MID, metaName string, right Right, globalTime uint64) bool {
	if who == t.master {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.mostRecent(who, metaName, right, globalTime)
	return ok && e.Authorize
}

// Events returns a snapshot copy of the full append-only log, for
// persistence or debugging. Callers must not assume any particular order
// beyond append order.
func (t *Timeline) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Event(nil), t.events...)
}
