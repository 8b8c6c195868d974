// Package syncstore implements the three sync retention policies over a
// storage.SyncBucket: dense-sequence FullSync with gap
// buffering, hash-deduped FullSync, and capped LastSync. Each policy keeps
// packets eligible for later gossip, and Select answers a bloom-filter
// style sync request.
package syncstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/storage"
)

// Kind selects which retention policy a Store enforces, derived once from
// the meta-message's DistributionMeta at construction.
type Kind int

const (
	KindSeqFullSync Kind = iota
	KindHashFullSync
	KindLastSync
)

// Row is one synced packet: its author(s), claimed global_time, optional
// dense sequence number, and raw wire bytes.
type Row struct {
	Authors        []member.MID
	GlobalTime     uint64
	SequenceNumber uint32
	Packet         []byte
}

// DropMessage is a message-level (post-decode) admission refusal: a
// duplicate, a stale sequence number, or a LastSync slot loser. Distinct
// from wire.DropPacket, which rejects malformed bytes before a message
// even exists.
type DropMessage struct {
	Reason string
}

func (e *DropMessage) Error() string { return fmt.Sprintf("syncstore: drop message: %s", e.Reason) }

// DelayMessageBySequence signals a seqFullSync gap: the message arrived
// ahead of messages this store has not seen yet. The caller should buffer
// or request the missing range before re-offering this row.
type DelayMessageBySequence struct {
	Member      member.MID
	MissingFrom uint32
	MissingTo   uint32
}

func (e *DelayMessageBySequence) Error() string {
	return fmt.Sprintf("syncstore: delay by sequence: member=%s missing=[%d,%d]", e.Member, e.MissingFrom, e.MissingTo)
}

// StoreError wraps a persistence failure. syncstore never silently drops a
// row on a storage error; it always surfaces one.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("syncstore: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// maxPendingPerMember bounds the seqFullSync gap buffer so a malicious peer
// claiming a huge future sequence number cannot exhaust memory.
const maxPendingPerMember = 256

// Store is the sync retention state for one (community, meta) pair.
type Store struct {
	bucket    *storage.SyncBucket
	kind      Kind
	checksum  func([]byte) [32]byte
	priority  int
	direction policy.Direction
	pruning   policy.PruningMeta
	history   int // LastSync capacity; unused otherwise

	mu      sync.Mutex
	nextSeq map[member.MID]uint32
	pending map[member.MID]map[uint32]Row
	healed  []Row
}

// NewStore builds a Store whose retention policy is derived from dist.
// DirectMeta and RelayMeta are never synced (Priority() is -1 for both)
// and are rejected here.
func NewStore(bucket *storage.SyncBucket, dist policy.DistributionMeta, checksum func([]byte) [32]byte) (*Store, error) {
	s := &Store{
		bucket:   bucket,
		checksum: checksum,
		nextSeq:  make(map[member.MID]uint32),
		pending:  make(map[member.MID]map[uint32]Row),
	}
	switch m := dist.(type) {
	case policy.FullSyncMeta:
		s.priority = int(m.Priority)
		s.direction = m.Direction
		s.pruning = m.Pruning
		if m.EnableSequenceNumber {
			s.kind = KindSeqFullSync
		} else {
			s.kind = KindHashFullSync
		}
	case policy.LastSyncMeta:
		s.priority = int(m.Priority)
		s.direction = m.Direction
		s.pruning = m.Pruning
		s.history = m.HistorySize
		s.kind = KindLastSync
	default:
		return nil, fmt.Errorf("syncstore: distribution %T is never synced", dist)
	}
	return s, nil
}

func (s *Store) Priority() int               { return s.priority }
func (s *Store) Direction() policy.Direction { return s.direction }

func ownerKey(authors []member.MID) []byte {
	sorted := append([]member.MID(nil), authors...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	out := make([]byte, 0, 20*len(sorted))
	for _, m := range sorted {
		out = append(out, m[:]...)
	}
	return out
}

func seqKey(author member.MID, globalTime uint64, seq uint32) []byte {
	key := make([]byte, 20+8+4)
	copy(key[:20], author[:])
	binary.BigEndian.PutUint64(key[20:28], globalTime)
	binary.BigEndian.PutUint32(key[28:32], seq)
	return key
}

func hashKey(author member.MID, globalTime uint64, sum [32]byte) []byte {
	key := make([]byte, 20+8+8)
	copy(key[:20], author[:])
	binary.BigEndian.PutUint64(key[20:28], globalTime)
	copy(key[28:], sum[:8])
	return key
}

func lastSyncKey(owner []byte, globalTime uint64) []byte {
	key := make([]byte, len(owner)+8)
	copy(key, owner)
	binary.BigEndian.PutUint64(key[len(owner):], globalTime)
	return key
}

// Admit applies this store's retention policy to row, persisting it when
// accepted. It returns *DropMessage for a duplicate/stale/losing row,
// *DelayMessageBySequence when row is ahead of a sequence gap, or
// *StoreError on persistence failure.
func (s *Store) Admit(row Row) error {
	if len(row.Authors) == 0 {
		return &DropMessage{Reason: "no authors"}
	}
	switch s.kind {
	case KindSeqFullSync:
		return s.admitSeqFullSync(row)
	case KindHashFullSync:
		return s.admitHashFullSync(row)
	case KindLastSync:
		return s.admitLastSync(row)
	default:
		return fmt.Errorf("syncstore: unknown kind %d", s.kind)
	}
}

func (s *Store) admitSeqFullSync(row Row) error {
	if len(row.Authors) != 1 {
		return &DropMessage{Reason: "seqFullSync requires exactly one author"}
	}
	author := row.Authors[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.nextSeq[author]
	if expected == 0 {
		expected = 1
	}
	if row.SequenceNumber < expected {
		return &DropMessage{Reason: "sequence already admitted"}
	}
	if row.SequenceNumber > expected {
		bucket, ok := s.pending[author]
		if !ok {
			bucket = make(map[uint32]Row)
			s.pending[author] = bucket
		}
		if _, dup := bucket[row.SequenceNumber]; !dup && len(bucket) >= maxPendingPerMember {
			return &DropMessage{Reason: "pending sequence buffer full"}
		}
		bucket[row.SequenceNumber] = row
		return &DelayMessageBySequence{Member: author, MissingFrom: expected, MissingTo: row.SequenceNumber - 1}
	}

	if err := s.bucket.Put(seqKey(author, row.GlobalTime, row.SequenceNumber), row.Packet); err != nil {
		return &StoreError{Op: "put", Err: err}
	}
	expected++

	// Heal any now-contiguous buffered rows.
	bucket := s.pending[author]
	for {
		next, ok := bucket[expected]
		if !ok {
			break
		}
		if err := s.bucket.Put(seqKey(author, next.GlobalTime, next.SequenceNumber), next.Packet); err != nil {
			return &StoreError{Op: "put", Err: err}
		}
		s.healed = append(s.healed, next)
		delete(bucket, expected)
		expected++
	}
	s.nextSeq[author] = expected
	return nil
}

// TakeHealed returns rows persisted by gap healing since the last call, in
// sequence order, and clears the list. Callers run their accept handlers
// over these rows: the store persisted them, but no handler has seen them.
func (s *Store) TakeHealed() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.healed
	s.healed = nil
	return out
}

func (s *Store) admitHashFullSync(row Row) error {
	author := row.Authors[0]
	sum := s.checksum(row.Packet)
	key := hashKey(author, row.GlobalTime, sum)
	if _, ok, err := s.bucket.Get(key); err != nil {
		return &StoreError{Op: "get", Err: err}
	} else if ok {
		return &DropMessage{Reason: "duplicate packet"}
	}
	if err := s.bucket.Put(key, row.Packet); err != nil {
		return &StoreError{Op: "put", Err: err}
	}
	return nil
}

func (s *Store) admitLastSync(row Row) error {
	owner := ownerKey(row.Authors)
	s.mu.Lock()
	defer s.mu.Unlock()

	type slot struct {
		key        []byte
		globalTime uint64
		packet     []byte
	}
	var existing []slot
	prefix := owner
	err := s.bucket.ForEach(func(k, v []byte) error {
		if len(k) < len(prefix) || !bytes.Equal(k[:len(prefix)], prefix) {
			return nil
		}
		gt := binary.BigEndian.Uint64(k[len(prefix):])
		existing = append(existing, slot{key: append([]byte(nil), k...), globalTime: gt, packet: append([]byte(nil), v...)})
		return nil
	})
	if err != nil {
		return &StoreError{Op: "scan", Err: err}
	}

	// The row key is (owner, global_time), so an insert at an occupied
	// global_time is a tie: the lexicographically smaller packet wins the
	// slot whether or not the store is at capacity.
	for _, e := range existing {
		if e.globalTime != row.GlobalTime {
			continue
		}
		if bytes.Compare(row.Packet, e.packet) < 0 {
			if err := s.bucket.Put(lastSyncKey(owner, row.GlobalTime), row.Packet); err != nil {
				return &StoreError{Op: "put", Err: err}
			}
			return nil
		}
		return &DropMessage{Reason: "lastSync tie, row does not outrank the stored packet"}
	}

	if len(existing) < s.history {
		if err := s.bucket.Put(lastSyncKey(owner, row.GlobalTime), row.Packet); err != nil {
			return &StoreError{Op: "put", Err: err}
		}
		return nil
	}

	sort.Slice(existing, func(i, j int) bool { return existing[i].globalTime < existing[j].globalTime })
	min := existing[0]
	if row.GlobalTime <= min.globalTime {
		return &DropMessage{Reason: "lastSync slot full, row does not outrank the weakest entry"}
	}
	if err := s.bucket.Delete(min.key); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if err := s.bucket.Put(lastSyncKey(owner, row.GlobalTime), row.Packet); err != nil {
		return &StoreError{Op: "put", Err: err}
	}
	return nil
}

// SyncRequest parameterizes Select: an optional single-member filter, a
// bloom-filter membership test
// the caller already has rows for, a byte budget, and the requester's
// overlay global_time for pruning-state evaluation.
type SyncRequest struct {
	Member            *member.MID
	AlreadyHas        func(packet []byte) bool
	ByteBudget        int
	OverlayGlobalTime uint64
}

// Select returns rows eligible for a sync response: non-pruned, optionally
// filtered to one member, skipping rows the bloom filter says the
// requester already has, ordered per the meta's Direction, and stopping at
// ByteBudget. truncated reports whether more eligible rows existed beyond
// the budget.
func (s *Store) Select(req SyncRequest) (rows []Row, truncated bool) {
	type scanned struct {
		globalTime uint64
		packet     []byte
		authors    []member.MID
	}
	var all []scanned
	_ = s.bucket.ForEach(func(k, v []byte) error {
		gt, authors, ok := decodeRowKey(s.kind, k)
		if !ok {
			return nil
		}
		if s.pruning != nil && s.pruning.State(req.OverlayGlobalTime, gt) == policy.PruningPruned {
			return nil
		}
		if req.Member != nil {
			found := false
			for _, a := range authors {
				if a == *req.Member {
					found = true
					break
				}
			}
			if !found {
				return nil
			}
		}
		if req.AlreadyHas != nil && req.AlreadyHas(v) {
			return nil
		}
		all = append(all, scanned{globalTime: gt, packet: append([]byte(nil), v...), authors: authors})
		return nil
	})

	switch s.direction {
	case policy.DirectionDESC:
		sort.Slice(all, func(i, j int) bool { return all[i].globalTime > all[j].globalTime })
	default:
		sort.Slice(all, func(i, j int) bool { return all[i].globalTime < all[j].globalTime })
	}

	budget := req.ByteBudget
	for _, row := range all {
		if req.ByteBudget > 0 && len(row.packet) > budget {
			truncated = true
			break
		}
		rows = append(rows, Row{Authors: row.authors, GlobalTime: row.globalTime, Packet: row.packet})
		if req.ByteBudget > 0 {
			budget -= len(row.packet)
		}
	}
	if len(rows) < len(all) {
		truncated = true
	}
	return rows, truncated
}

// decodeRowKey extracts (global_time, authors) from a row key, whose
// layout depends on the store's kind: seqFullSync and hashFullSync keys
// always carry exactly one author (the first 20 bytes); lastSync keys
// carry one or more 20-byte author ids followed by an 8-byte global_time.
func decodeRowKey(kind Kind, key []byte) (globalTime uint64, authors []member.MID, ok bool) {
	switch kind {
	case KindSeqFullSync, KindHashFullSync:
		if len(key) < 28 {
			return 0, nil, false
		}
		var a member.MID
		copy(a[:], key[:20])
		return binary.BigEndian.Uint64(key[20:28]), []member.MID{a}, true
	case KindLastSync:
		if len(key) < 28 || (len(key)-8)%20 != 0 {
			return 0, nil, false
		}
		ownerLen := len(key) - 8
		var out []member.MID
		for i := 0; i < ownerLen; i += 20 {
			var a member.MID
			copy(a[:], key[i:i+20])
			out = append(out, a)
		}
		return binary.BigEndian.Uint64(key[ownerLen:]), out, true
	default:
		return 0, nil, false
	}
}
