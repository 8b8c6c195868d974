package community

import (
	"net"
	"testing"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/storage"
)

func newTestOverlay(t *testing.T) (*Overlay, *member.Registry) {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	registry := member.NewRegistry(db)
	o, err := Create(registry, member.StrengthLow, meta.NewTable(), candidate.NewTable(candidate.DefaultTTLs))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return o, registry
}

func TestClaimGlobalTimeMonotonic(t *testing.T) {
	o, _ := newTestOverlay(t)
	if got := o.GlobalTime(); got != 1 {
		t.Fatalf("initial global_time = %d, want 1", got)
	}
	var last uint64
	for i := 0; i < 100; i++ {
		cur := o.ClaimGlobalTime()
		if i > 0 && cur <= last {
			t.Fatalf("claim_global_time not strictly increasing: %d then %d", last, cur)
		}
		last = cur
	}
}

func TestCIDIsMasterMID(t *testing.T) {
	o, _ := newTestOverlay(t)
	if o.CID != o.MyMember.MID() {
		t.Fatalf("overlay CID must equal master member MID")
	}
}

func TestTickResetsOnActiveCandidate(t *testing.T) {
	o, _ := newTestOverlay(t)
	now := time.Now()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	o.Members.Observe(addr, member.MID{}, false, candidate.CategoryWalk, now)

	for i := 0; i < 5; i++ {
		if o.Tick(now, 3, false) {
			t.Fatalf("overlay must not unload while a candidate is active")
		}
	}
	if o.Strikes() != 0 {
		t.Fatalf("strikes should stay at 0 while active, got %d", o.Strikes())
	}
}

func TestTickUnloadsAfterThreeStrikes(t *testing.T) {
	o, _ := newTestOverlay(t)
	now := time.Now()

	if o.Tick(now, 3, false) {
		t.Fatal("must not unload on first strike")
	}
	if o.Tick(now, 3, false) {
		t.Fatal("must not unload on second strike")
	}
	if !o.Tick(now, 3, false) {
		t.Fatal("must unload on third strike")
	}
}

func TestTickNeverUnloadsWithBufferedMessages(t *testing.T) {
	o, _ := newTestOverlay(t)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if o.Tick(now, 3, true) {
			t.Fatal("overlay with buffered messages must never unload")
		}
	}
}

func TestDestroySoftReturnsNoShell(t *testing.T) {
	o, _ := newTestOverlay(t)
	shell, err := o.Destroy([]byte{0x01}, false)
	if err != nil {
		t.Fatalf("soft destroy: %v", err)
	}
	if shell != nil {
		t.Fatal("soft destroy must not produce a hard-killed shell")
	}
}

func TestDestroyHardReturnsShell(t *testing.T) {
	o, _ := newTestOverlay(t)
	packet := []byte{0xde, 0xad, 0xbe, 0xef}
	shell, err := o.Destroy(packet, true)
	if err != nil {
		t.Fatalf("hard destroy: %v", err)
	}
	if shell == nil {
		t.Fatal("hard destroy must produce a shell")
	}
	if shell.CID != o.CID {
		t.Fatalf("shell CID mismatch")
	}
	if string(shell.ProofPacket) != string(packet) {
		t.Fatalf("shell must retain the destroy proof packet")
	}
}

func TestDestroyRequiresEncodedProof(t *testing.T) {
	o, _ := newTestOverlay(t)
	if _, err := o.Destroy(nil, true); err == nil {
		t.Fatal("expected error destroying with no proof packet")
	}
}
