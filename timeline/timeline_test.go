package timeline

import (
	"testing"

	"github.com/dispersyd/overlay/member"
)

func mid(b byte) member.MID {
	var m member.MID
	m[0] = b
	return m
}

func TestMasterIsSelfAuthorizing(t *testing.T) {
	master := mid(0x01)
	tl := New(master)
	allowed, proofs := tl.Check(master, "some-message", 100)
	if !allowed {
		t.Fatalf("expected master to be self-authorizing")
	}
	if proofs != nil {
		t.Fatalf("expected no proof chain for the master, got %v", proofs)
	}
}

func TestCheckRequiresAuthorizeEvent(t *testing.T) {
	master := mid(0x01)
	alice := mid(0x02)
	tl := New(master)
	if allowed, _ := tl.Check(alice, "msg", 10); allowed {
		t.Fatalf("expected unauthorized member to be rejected")
	}

	tl.Authorize([]Triplet{{Member: alice, MetaName: "msg", Right: RightPermit}}, 5, master, []byte("packet-a"))
	allowed, proofs := tl.Check(alice, "msg", 10)
	if !allowed {
		t.Fatalf("expected alice to be authorized at global_time 10")
	}
	if len(proofs) != 1 {
		t.Fatalf("expected exactly one proof event, got %d", len(proofs))
	}
}

func TestCheckRejectsBeforeAuthorizeTime(t *testing.T) {
	master := mid(0x01)
	alice := mid(0x02)
	tl := New(master)
	tl.Authorize([]Triplet{{Member: alice, MetaName: "msg", Right: RightPermit}}, 10, master, []byte("packet-a"))

	// At global_time 9 the grant has not happened yet.
	if allowed, _ := tl.Check(alice, "msg", 9); allowed {
		t.Fatalf("expected rejection before the authorize event's global_time")
	}
	if allowed, _ := tl.Check(alice, "msg", 10); !allowed {
		t.Fatalf("expected admission at the authorize event's own global_time")
	}
}

func TestRevokeSupersedesAuthorize(t *testing.T) {
	master := mid(0x01)
	alice := mid(0x02)
	tl := New(master)
	tl.Authorize([]Triplet{{Member: alice, MetaName: "msg", Right: RightPermit}}, 5, master, []byte("a"))
	tl.Revoke([]Triplet{{Member: alice, MetaName: "msg", Right: RightPermit}}, 15, master, []byte("b"))

	if allowed, _ := tl.Check(alice, "msg", 10); !allowed {
		t.Fatalf("expected alice to remain authorized between grant and revoke")
	}
	if allowed, _ := tl.Check(alice, "msg", 20); allowed {
		t.Fatalf("expected alice to be rejected after the revoke")
	}
}

func TestChainVerificationFollowsDelegation(t *testing.T) {
	master := mid(0x01)
	delegate := mid(0x02)
	leaf := mid(0x03)
	tl := New(master)

	// Master authorizes delegate to authorize others, then delegate
	// authorizes leaf to create messages.
	tl.Authorize([]Triplet{{Member: delegate, MetaName: "msg", Right: RightAuthorize}}, 1, master, []byte("m1"))
	tl.Authorize([]Triplet{{Member: leaf, MetaName: "msg", Right: RightPermit}}, 2, delegate, []byte("m2"))

	allowed, proofs := tl.Check(leaf, "msg", 10)
	if !allowed {
		t.Fatalf("expected leaf's grant to chain-verify through delegate to master")
	}
	if len(proofs) != 1 {
		t.Fatalf("expected one proof event for the leaf's own grant, got %d", len(proofs))
	}
}

func TestChainVerificationFailsWithoutDelegateAuthorization(t *testing.T) {
	master := mid(0x01)
	impostor := mid(0x02)
	leaf := mid(0x03)
	tl := New(master)

	// impostor was never granted RightAuthorize by the master, yet claims to
	// have authorized leaf.
	tl.Authorize([]Triplet{{Member: leaf, MetaName: "msg", Right: RightPermit}}, 2, impostor, []byte("m2"))

	allowed, proofs := tl.Check(leaf, "msg", 10)
	if allowed {
		t.Fatalf("expected chain verification to fail for an unauthorized granter")
	}
	if len(proofs) != 1 {
		t.Fatalf("expected the unverifiable proof to still be returned for missing-proof requests")
	}
}

func TestResolutionAtTracksDynamicSettingsHistory(t *testing.T) {
	tl := New(mid(0x01))
	// Initial resolves as variant 0 (Public); at global_time 10 it switches
	// to variant 1 (Linear).
	tl.RecordDynamicSetting("dynamic-resolution-text", 1, 10)

	if got := tl.ResolutionAt("dynamic-resolution-text", 9, 0); got != 0 {
		t.Fatalf("expected default variant before the switch, got %d", got)
	}
	if got := tl.ResolutionAt("dynamic-resolution-text", 10, 0); got != 1 {
		t.Fatalf("expected switched variant at the switch's own global_time, got %d", got)
	}
	if got := tl.ResolutionAt("dynamic-resolution-text", 11, 0); got != 1 {
		t.Fatalf("expected switched variant after the switch, got %d", got)
	}
}

func TestHasRight(t *testing.T) {
	master := mid(0x01)
	alice := mid(0x02)
	tl := New(master)
	if tl.HasRight(alice, "msg", RightAuthorize, 1) {
		t.Fatalf("expected alice to lack RightAuthorize before any grant")
	}
	tl.Authorize([]Triplet{{Member: alice, MetaName: "msg", Right: RightAuthorize}}, 1, master, []byte("a"))
	if !tl.HasRight(alice, "msg", RightAuthorize, 5) {
		t.Fatalf("expected alice to hold RightAuthorize after the grant")
	}
	if !tl.HasRight(master, "msg", RightAuthorize, 5) {
		t.Fatalf("expected the master to always hold every right")
	}
}
