package candidate

import (
	"net"
	"testing"
	"time"

	"github.com/dispersyd/overlay/member"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestObserveAndGet(t *testing.T) {
	tbl := NewTable(DefaultTTLs)
	now := time.Unix(1000, 0)
	var mid member.MID
	mid[0] = 0x01

	tbl.Observe(udpAddr(1001), mid, true, CategoryWalk, now)
	c, ok := tbl.Get(udpAddr(1001))
	if !ok {
		t.Fatalf("expected candidate to be observed")
	}
	if c.Category != CategoryWalk || !c.HasMID || c.MID != mid {
		t.Fatalf("unexpected candidate state: %+v", c)
	}
}

func TestIsActiveRespectsTTL(t *testing.T) {
	tbl := NewTable(TTLs{Walk: 10 * time.Second})
	now := time.Unix(1000, 0)
	var mid member.MID
	c := tbl.Observe(udpAddr(2002), mid, false, CategoryWalk, now)

	if !c.IsActive(tbl.ttls, now.Add(5*time.Second)) {
		t.Fatalf("expected candidate to still be active within TTL")
	}
	if c.IsActive(tbl.ttls, now.Add(11*time.Second)) {
		t.Fatalf("expected candidate to have aged out past TTL")
	}
}

func TestBootstrapAndLoopbackExcludedFromActive(t *testing.T) {
	tbl := NewTable(DefaultTTLs)
	now := time.Unix(1000, 0)
	var mid member.MID

	tbl.Observe(udpAddr(3003), mid, false, CategoryWalk, now)
	boot := NewBootstrapCandidate(udpAddr(3004))
	loop := NewLoopbackCandidate(udpAddr(3005))
	tbl.mu.Lock()
	tbl.byKey[addrKey(boot.Addr)] = boot
	tbl.walkOrder = append(tbl.walkOrder, addrKey(boot.Addr))
	tbl.byKey[addrKey(loop.Addr)] = loop
	tbl.walkOrder = append(tbl.walkOrder, addrKey(loop.Addr))
	tbl.mu.Unlock()

	active := tbl.Active(now)
	if len(active) != 1 {
		t.Fatalf("expected exactly one active (non-bootstrap/loopback) candidate, got %d", len(active))
	}
}

func TestNextWalkOrStumbleRoundRobinsAndSignalsExhaustion(t *testing.T) {
	tbl := NewTable(DefaultTTLs)
	now := time.Unix(1000, 0)
	var mid member.MID
	tbl.Observe(udpAddr(4001), mid, false, CategoryWalk, now)
	tbl.Observe(udpAddr(4002), mid, false, CategoryStumble, now)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		c, ok := tbl.NextWalkOrStumble(now)
		if !ok {
			t.Fatalf("expected a candidate on round %d", i)
		}
		seen[c.Addr.String()] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin to visit both candidates, got %v", seen)
	}

	// Past TTL, no eligible candidate remains: "advertise yourself".
	if _, ok := tbl.NextWalkOrStumble(now.Add(time.Hour)); ok {
		t.Fatalf("expected exhaustion signal once all candidates age out")
	}
}

func TestRemoveDropsCandidate(t *testing.T) {
	tbl := NewTable(DefaultTTLs)
	now := time.Unix(1000, 0)
	var mid member.MID
	tbl.Observe(udpAddr(5001), mid, false, CategoryWalk, now)
	tbl.Remove(udpAddr(5001))
	if _, ok := tbl.Get(udpAddr(5001)); ok {
		t.Fatalf("expected candidate to be removed")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after remove")
	}
}
