package syncstore

import (
	"path/filepath"
	"testing"

	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/storage"
)

func openTestBucket(t *testing.T) *storage.SyncBucket {
	t.Helper()
	b, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	var cid [20]byte
	sb, err := b.OpenSyncBucket(cid, "test-meta")
	if err != nil {
		t.Fatalf("OpenSyncBucket: %v", err)
	}
	return sb
}

func mid(b byte) member.MID {
	var m member.MID
	m[0] = b
	return m
}

var checksum = cryptoprovider.DevProvider{}.Checksum

func TestSeqFullSyncInOrderAdmission(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: true, Priority: 128}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x01)
	for seq := uint32(1); seq <= 3; seq++ {
		row := Row{Authors: []member.MID{author}, GlobalTime: uint64(seq), SequenceNumber: seq, Packet: []byte{byte(seq)}}
		if err := s.Admit(row); err != nil {
			t.Fatalf("seq %d: unexpected error %v", seq, err)
		}
	}
}

func TestSeqFullSyncGapBuffersAndHeals(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: true, Priority: 128}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x02)

	row3 := Row{Authors: []member.MID{author}, GlobalTime: 3, SequenceNumber: 3, Packet: []byte{3}}
	err = s.Admit(row3)
	var delay *DelayMessageBySequence
	if err == nil {
		t.Fatalf("expected delay for out-of-order sequence")
	}
	if !asDelay(err, &delay) {
		t.Fatalf("expected *DelayMessageBySequence, got %T: %v", err, err)
	}
	if delay.MissingFrom != 1 || delay.MissingTo != 2 {
		t.Fatalf("unexpected gap range: %+v", delay)
	}

	row1 := Row{Authors: []member.MID{author}, GlobalTime: 1, SequenceNumber: 1, Packet: []byte{1}}
	if err := s.Admit(row1); err != nil {
		t.Fatalf("seq 1: unexpected error %v", err)
	}
	row2 := Row{Authors: []member.MID{author}, GlobalTime: 2, SequenceNumber: 2, Packet: []byte{2}}
	if err := s.Admit(row2); err != nil {
		t.Fatalf("seq 2: unexpected error %v (should heal seq 3 from buffer)", err)
	}
	if s.nextSeq[author] != 4 {
		t.Fatalf("expected healed sequence to advance past 3, got nextSeq=%d", s.nextSeq[author])
	}
}

func asDelay(err error, out **DelayMessageBySequence) bool {
	d, ok := err.(*DelayMessageBySequence)
	if ok {
		*out = d
	}
	return ok
}

func TestSeqFullSyncRejectsStaleSequence(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: true, Priority: 128}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x03)
	_ = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 1, SequenceNumber: 1, Packet: []byte{1}})
	err = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 1, SequenceNumber: 1, Packet: []byte{1}})
	if _, ok := err.(*DropMessage); !ok {
		t.Fatalf("expected *DropMessage for a stale sequence, got %T: %v", err, err)
	}
}

func TestHashFullSyncDedupes(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: false, Priority: 64}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x04)
	row := Row{Authors: []member.MID{author}, GlobalTime: 10, Packet: []byte("hello")}
	if err := s.Admit(row); err != nil {
		t.Fatalf("first admission: %v", err)
	}
	if err := s.Admit(row); err == nil {
		t.Fatalf("expected duplicate rejection on second identical admission")
	}
}

func TestLastSyncEvictsWeakestEntry(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.LastSyncMeta{Priority: 200, HistorySize: 2}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x05)
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 1, Packet: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 2, Packet: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	// History is full (size 2); a newer global_time should evict the oldest.
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 3, Packet: []byte("c")}); err != nil {
		t.Fatal(err)
	}
	rows, _ := s.Select(SyncRequest{OverlayGlobalTime: 100})
	if len(rows) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(rows))
	}
	for _, r := range rows {
		if r.GlobalTime == 1 {
			t.Fatalf("expected the oldest entry to have been evicted")
		}
	}
}

func TestLastSyncRejectsWeakerThanWeakest(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.LastSyncMeta{Priority: 200, HistorySize: 1}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x06)
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 5, Packet: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	err = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 3, Packet: []byte("y")})
	if _, ok := err.(*DropMessage); !ok {
		t.Fatalf("expected *DropMessage for a weaker entry, got %T: %v", err, err)
	}
}

func TestLastSyncHistoryOneKeepsHighestGlobalTime(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.LastSyncMeta{Priority: 200, HistorySize: 1}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x0a)
	for _, gt := range []uint64{5, 3, 7} {
		_ = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: gt, Packet: []byte{byte(gt)}})
	}
	rows, _ := s.Select(SyncRequest{OverlayGlobalTime: 100})
	if len(rows) != 1 || rows[0].GlobalTime != 7 {
		t.Fatalf("expected only the global_time 7 row to survive, got %+v", rows)
	}
}

func TestLastSyncTieKeepsLexicographicallySmallerPacket(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.LastSyncMeta{Priority: 200, HistorySize: 2}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x0b)
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 4, Packet: []byte("zz")}); err != nil {
		t.Fatal(err)
	}
	// Same global_time, smaller packet: replaces the stored one.
	if err := s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 4, Packet: []byte("aa")}); err != nil {
		t.Fatal(err)
	}
	// Same global_time, larger packet: dropped.
	err = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 4, Packet: []byte("mm")})
	if _, ok := err.(*DropMessage); !ok {
		t.Fatalf("expected *DropMessage for the tie loser, got %T: %v", err, err)
	}
	rows, _ := s.Select(SyncRequest{OverlayGlobalTime: 100})
	if len(rows) != 1 || string(rows[0].Packet) != "aa" {
		t.Fatalf("expected the lexicographically smaller packet to hold the slot, got %+v", rows)
	}
}

func TestSelectRespectsMemberFilterAndByteBudget(t *testing.T) {
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: false, Priority: 64, Direction: policy.DirectionASC}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	a, b := mid(0x07), mid(0x08)
	_ = s.Admit(Row{Authors: []member.MID{a}, GlobalTime: 1, Packet: []byte("aaaa")})
	_ = s.Admit(Row{Authors: []member.MID{b}, GlobalTime: 2, Packet: []byte("bbbb")})

	rows, _ := s.Select(SyncRequest{Member: &a, OverlayGlobalTime: 100})
	if len(rows) != 1 || rows[0].Authors[0] != a {
		t.Fatalf("expected member filter to return only a's row, got %+v", rows)
	}

	all, truncated := s.Select(SyncRequest{OverlayGlobalTime: 100, ByteBudget: 4})
	if len(all) != 1 || !truncated {
		t.Fatalf("expected byte budget to admit one row and report truncation, got %d rows truncated=%v", len(all), truncated)
	}
}

func TestSelectExcludesPrunedRows(t *testing.T) {
	pruning, err := policy.NewGlobalTimePruningMeta(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(openTestBucket(t), policy.FullSyncMeta{EnableSequenceNumber: false, Priority: 64, Pruning: pruning}, checksum)
	if err != nil {
		t.Fatal(err)
	}
	author := mid(0x09)
	_ = s.Admit(Row{Authors: []member.MID{author}, GlobalTime: 1, Packet: []byte("old")})

	rows, _ := s.Select(SyncRequest{OverlayGlobalTime: 100})
	if len(rows) != 0 {
		t.Fatalf("expected the pruned row to be excluded, got %+v", rows)
	}
}
