// Package community implements the overlay lifecycle: create/join/destroy,
// the strike-based unload rule, and the hard-killed shell that survives a
// destroy-community proof. An Overlay owns its meta table, timeline,
// candidate table, and global_time counter exclusively; overlays are held
// in a Manager arena keyed by CID rather than through a pointer cycle
// between overlay and meta.
package community

import (
	"fmt"
	"sync"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/timeline"
)

// Overlay is one loaded community: its identity, its exclusively-owned
// meta table, timeline, and candidate table, and its monotonic global_time
// counter.
type Overlay struct {
	CID      member.MID
	MyMember *member.Member
	Meta     *meta.Table
	Timeline *timeline.Timeline
	Members  *candidate.Table

	mu         sync.Mutex
	globalTime uint64
	strikes    int
}

// New constructs a loaded Overlay. global_time starts at 1.
func New(cid member.MID, myMember *member.Member, metaTable *meta.Table, tl *timeline.Timeline, candidates *candidate.Table) *Overlay {
	return &Overlay{
		CID:        cid,
		MyMember:   myMember,
		Meta:       metaTable,
		Timeline:   tl,
		Members:    candidates,
		globalTime: 1,
	}
}

// Create generates a new master member and returns the Overlay it roots.
// The CID is the master's MID, so creating persists the master identity.
func Create(registry *member.Registry, strength member.MemberStrength, metaTable *meta.Table, candidates *candidate.Table) (*Overlay, error) {
	master, err := registry.NewRandomMember(strength)
	if err != nil {
		return nil, fmt.Errorf("community: create: %w", err)
	}
	cid := master.MID()
	tl := timeline.New(cid)
	return New(cid, master, metaTable, tl, candidates), nil
}

// Join instantiates an overlay for a CID already known to the caller. We
// are not its creator and hold no private key for its master member.
func Join(cid member.MID, myMember *member.Member, metaTable *meta.Table, candidates *candidate.Table) *Overlay {
	return New(cid, myMember, metaTable, timeline.New(cid), candidates)
}

// ClaimGlobalTime returns the current global_time then increments it.
// Claims are totally ordered per overlay.
func (o *Overlay) ClaimGlobalTime() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.globalTime
	o.globalTime++
	return cur
}

// GlobalTime reads the current counter without advancing it.
func (o *Overlay) GlobalTime() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.globalTime
}

// Strikes reports the overlay's current consecutive no-active-candidate
// count.
func (o *Overlay) Strikes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.strikes
}

// Tick runs one strike-interval evaluation: any active candidate resets
// strikes to 0, none increments. An overlay with messages still queued for
// processing is never unloaded regardless of strike count. It reports
// whether the caller should now unload this overlay.
func (o *Overlay) Tick(now time.Time, threshold int, hasBufferedMessages bool) (shouldUnload bool) {
	if len(o.Members.Active(now)) > 0 {
		o.mu.Lock()
		o.strikes = 0
		o.mu.Unlock()
		return false
	}
	o.mu.Lock()
	o.strikes++
	strikes := o.strikes
	o.mu.Unlock()
	return strikes >= threshold && !hasBufferedMessages
}

// HardKilled is the terminal overlay state: it retains the
// destroy-community proof packet and answers introduction requests only,
// rejecting sync outright.
type HardKilled struct {
	CID         member.MID
	ProofPacket []byte
	Members     *candidate.Table
}

// Destroy transitions the overlay out of its loaded state. A soft destroy
// returns (nil, nil), leaving the proof packet with the caller; a hard
// destroy returns a HardKilled shell that retains a copy of the proof
// packet and keeps answering introduction requests.
func (o *Overlay) Destroy(proofPacket []byte, hard bool) (*HardKilled, error) {
	if len(proofPacket) == 0 {
		return nil, fmt.Errorf("community: destroy: proof message has not been encoded")
	}
	if !hard {
		return nil, nil
	}
	return &HardKilled{
		CID:         o.CID,
		ProofPacket: append([]byte(nil), proofPacket...),
		Members:     o.Members,
	}, nil
}
