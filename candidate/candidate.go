// Package candidate implements the per-overlay candidate table:
// network-address-keyed peer bookkeeping with liveness categories and
// TTLs, one *Candidate per known net.UDPAddr, live or not.
package candidate

import (
	"net"
	"sync"
	"time"

	"github.com/dispersyd/overlay/member"
)

// Category is how a candidate was learned, and governs which TTL gates its
// liveness and which destination-sampling pools include it.
type Category int

const (
	// CategoryNone is a candidate with no current liveness claim: known but
	// not counted toward walk/stumble/intro selection.
	CategoryNone Category = iota
	// CategoryWalk candidates were reached by our own outgoing random walk.
	CategoryWalk
	// CategoryStumble candidates contacted us first (an inbound packet).
	CategoryStumble
	// CategoryIntro candidates were introduced to us by another peer.
	CategoryIntro
)

func (c Category) String() string {
	switch c {
	case CategoryWalk:
		return "walk"
	case CategoryStumble:
		return "stumble"
	case CategoryIntro:
		return "intro"
	default:
		return "none"
	}
}

// TTLs governs how long a candidate remains "active" in each category
// before it ages out of destination sampling.
type TTLs struct {
	Walk    time.Duration
	Stumble time.Duration
	Intro   time.Duration
}

// DefaultTTLs are the fixed values the overlay runs with unless a
// deployment opts into something else.
var DefaultTTLs = TTLs{
	Walk:    27300 * time.Millisecond,
	Stumble: 57600 * time.Millisecond,
	Intro:   27300 * time.Millisecond,
}

// Candidate is one known network endpoint: its address, the member it was
// last observed as (if any), its category, and when it was last touched in
// that category.
type Candidate struct {
	Addr      *net.UDPAddr
	MID       member.MID
	HasMID    bool
	Category  Category
	lastTouch time.Time
	Bootstrap bool
	Loopback  bool
}

// IsActive reports whether the candidate is still live under its category's
// TTL as of now.
func (c *Candidate) IsActive(ttls TTLs, now time.Time) bool {
	switch c.Category {
	case CategoryWalk:
		return now.Sub(c.lastTouch) < ttls.Walk
	case CategoryStumble:
		return now.Sub(c.lastTouch) < ttls.Stumble
	case CategoryIntro:
		return now.Sub(c.lastTouch) < ttls.Intro
	default:
		return false
	}
}

// NewBootstrapCandidate builds a Candidate for a hardcoded bootstrap
// address: always excluded from the walk/stumble round robin (it is a
// fallback, not a peer to learn from) but eligible for introduction
// requests.
func NewBootstrapCandidate(addr *net.UDPAddr) *Candidate {
	return &Candidate{Addr: addr, Category: CategoryNone, Bootstrap: true}
}

// NewLoopbackCandidate builds a Candidate representing this process's own
// address, used so a node never asks itself for an introduction.
func NewLoopbackCandidate(addr *net.UDPAddr) *Candidate {
	return &Candidate{Addr: addr, Category: CategoryNone, Loopback: true}
}

func addrKey(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Table is the per-overlay candidate set, keyed by network address.
type Table struct {
	mu    sync.Mutex
	ttls  TTLs
	byKey map[string]*Candidate
	// walkOrder preserves insertion order for the round-robin iterator.
	walkOrder []string
	nextWalk  int
}

func NewTable(ttls TTLs) *Table {
	return &Table{ttls: ttls, byKey: make(map[string]*Candidate)}
}

// Observe records (or refreshes) a candidate learned in the given category
// at now. A bootstrap/loopback candidate already present keeps its flag.
func (t *Table) Observe(addr *net.UDPAddr, mid member.MID, hasMID bool, cat Category, now time.Time) *Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addrKey(addr)
	c, ok := t.byKey[key]
	if !ok {
		c = &Candidate{Addr: addr}
		t.byKey[key] = c
		t.walkOrder = append(t.walkOrder, key)
	}
	if hasMID {
		c.MID, c.HasMID = mid, true
	}
	c.Category = cat
	c.lastTouch = now
	return c
}

// Get returns the candidate known at addr, if any.
func (t *Table) Get(addr *net.UDPAddr) (*Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byKey[addrKey(addr)]
	return c, ok
}

// Remove drops a candidate entirely, e.g. on repeated handshake failure.
func (t *Table) Remove(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addrKey(addr)
	delete(t.byKey, key)
	for i, k := range t.walkOrder {
		if k == key {
			t.walkOrder = append(t.walkOrder[:i], t.walkOrder[i+1:]...)
			break
		}
	}
	if t.nextWalk > len(t.walkOrder) {
		t.nextWalk = 0
	}
}

// Active returns every candidate currently active under its category's TTL,
// excluding Bootstrap and Loopback candidates.
func (t *Table) Active(now time.Time) []*Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Candidate, 0, len(t.byKey))
	for _, key := range t.walkOrder {
		c := t.byKey[key]
		if c.Bootstrap || c.Loopback {
			continue
		}
		if c.IsActive(t.ttls, now) {
			out = append(out, c)
		}
	}
	return out
}

// NextWalkOrStumble returns the next live walk/stumble candidate in
// round-robin order, advancing the cursor. It returns (nil, false) once a
// full cycle has produced no eligible candidate, signaling the caller
// should advertise itself instead.
func (t *Table) NextWalkOrStumble(now time.Time) (*Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.walkOrder)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (t.nextWalk + i) % n
		c := t.byKey[t.walkOrder[idx]]
		if c.Bootstrap || c.Loopback {
			continue
		}
		if (c.Category == CategoryWalk || c.Category == CategoryStumble) && c.IsActive(t.ttls, now) {
			t.nextWalk = (idx + 1) % n
			return c, true
		}
	}
	return nil, false
}

// ByMID returns the active candidate last observed as mid, if any. Used
// to resolve a MemberDestination target to its last known address.
func (t *Table) ByMID(mid member.MID, now time.Time) (*Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.walkOrder {
		c := t.byKey[key]
		if c.HasMID && c.MID == mid && c.IsActive(t.ttls, now) {
			return c, true
		}
	}
	return nil, false
}

// AllForIntroduction returns every active candidate eligible to be handed
// out in an introduction response, bootstrap and loopback candidates
// excluded.
func (t *Table) AllForIntroduction(now time.Time) []*Candidate {
	return t.Active(now)
}

// Len reports the total number of known candidates, active or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
