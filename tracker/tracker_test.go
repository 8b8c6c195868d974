package tracker

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
)

func TestRequiredMetaNamesExcludesCommunitySpecifics(t *testing.T) {
	names := RequiredMetaNames()
	want := map[string]bool{
		"dispersy-introduction-request":  true,
		"dispersy-introduction-response": true,
		"dispersy-puncture-request":      true,
		"dispersy-puncture":              true,
		"dispersy-identity":              true,
		"dispersy-missing-identity":      true,
		"dispersy-authorize":             true,
		"dispersy-revoke":                true,
		"dispersy-missing-proof":         true,
		"dispersy-destroy-community":     true,
	}
	if len(names) != len(want) {
		t.Fatalf("got %d required meta names, want %d", len(names), len(want))
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected required meta name %q", n)
		}
	}
}

func TestAcceptableGlobalTimeRangeIsFull64Bit(t *testing.T) {
	if got := AcceptableGlobalTimeRange(0); got != ^uint64(0) {
		t.Fatalf("range at global_time=0 = %d, want max uint64", got)
	}
	if got := AcceptableGlobalTimeRange(100); got != ^uint64(0)-100 {
		t.Fatalf("range at global_time=100 = %d", got)
	}
}

func TestLinesFormatsEvents(t *testing.T) {
	var buf bytes.Buffer
	l := Lines{Out: &buf}
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 6421}

	l.Bandwidth(10, 20)
	l.Community(2, 1)
	l.Candidate(5)
	l.ReqIn2("cidhex", "midhex", 0, 1, addr)
	l.ResIn2("cidhex", "midhex", 0, 1, addr)
	l.DestroyIn("cidhex", "midhex", 0, 1, addr)
	l.DestroyOut("cidhex", "midhex", 0, 1, addr)

	got := buf.String()
	for _, want := range []string{
		"BANDWIDTH 10 20\n",
		"COMMUNITY 2 1\n",
		"CANDIDATE 5\n",
		"REQ_IN2 cidhex midhex 0 1 203.0.113.7 6421\n",
		"RES_IN2 cidhex midhex 0 1 203.0.113.7 6421\n",
		"DESTROY_IN cidhex midhex 0 1 203.0.113.7 6421\n",
		"DESTROY_OUT cidhex midhex 0 1 203.0.113.7 6421\n",
	} {
		if !bytes.Contains([]byte(got), []byte(want)) {
			t.Fatalf("output missing %q; got:\n%s", want, got)
		}
	}
}

func TestRejectNonBootstrapForUnloadedNeverCalledButCorrect(t *testing.T) {
	if rejectNonBootstrapForUnloaded(nil, true) {
		t.Fatal("a loaded community's packets are never rejected")
	}
}

func TestPersistentStorageAppendLoadRoundTripsInReverse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persistent-storage.data")
	s := NewPersistentStorage(path)

	if err := s.AppendComment("received dispersy-destroy-community from 1.2.3.4"); err != nil {
		t.Fatalf("append comment: %v", err)
	}
	if err := s.Append("dispersy-destroy-community", []byte{0xde, 0xad}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("dispersy-identity", []byte{0xbe, 0xef}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("dispersy-authorize", []byte{0x01}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Load reverses file order: last appended comes first.
	if entries[0].Name != "dispersy-authorize" {
		t.Fatalf("entries[0].Name = %q, want dispersy-authorize", entries[0].Name)
	}
	if entries[2].Name != "dispersy-destroy-community" {
		t.Fatalf("entries[2].Name = %q, want dispersy-destroy-community", entries[2].Name)
	}
	if !bytes.Equal(entries[2].Packet, []byte{0xde, 0xad}) {
		t.Fatalf("entries[2].Packet mismatch")
	}
}

func TestPersistentStorageLoadMissingFileIsNotError(t *testing.T) {
	s := NewPersistentStorage(filepath.Join(t.TempDir(), "does-not-exist.data"))
	entries, err := s.Load()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected no entries, got %v", entries)
	}
}
