// Package storage is the bbolt-backed persistence layer shared by
// member, meta, timeline, and syncstore: one *bolt.DB per process, one
// bucket per concern, fixed-layout encode/decode helpers instead of a
// generic serialization library.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dispersyd/overlay/member"
)

var (
	bucketMembers         = []byte("members_by_mid")
	bucketMemberSeq       = []byte("member_id_sequence")
	bucketMetaCache       = []byte("meta_message_cache")
	bucketTimelineEvents  = []byte("timeline_events")
	bucketDynamicSettings = []byte("dynamic_settings")
)

// Bolt is the process-wide key-value store. Every overlay's member
// registry, meta-message cache, timeline, and sync store share one Bolt
// instance, partitioned by bucket and key prefix rather than by file,
// since a single process here hosts many overlays.
type Bolt struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database at path and ensures every fixed
// top-level bucket exists.
func Open(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt: %w", err)
	}
	b := &Bolt{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMembers, bucketMemberSeq, bucketMetaCache, bucketTimelineEvents, bucketDynamicSettings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// --- member.Store ---

// PutMember persists a member's public key and database id under its mid.
// Layout: dbID u64be | pubkey bytes.
func (b *Bolt) PutMember(mid member.MID, pubkey []byte, dbID int64) error {
	val := make([]byte, 8+len(pubkey))
	binary.BigEndian.PutUint64(val[:8], uint64(dbID))
	copy(val[8:], pubkey)
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).Put(mid[:], val)
	})
}

// GetMemberByMID reads back a member's public key and database id.
func (b *Bolt) GetMemberByMID(mid member.MID) (pubkey []byte, dbID int64, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMembers).Get(mid[:])
		if v == nil {
			return nil
		}
		if len(v) < 8 {
			return fmt.Errorf("storage: member record truncated")
		}
		dbID = int64(binary.BigEndian.Uint64(v[:8]))
		pubkey = append([]byte(nil), v[8:]...)
		ok = true
		return nil
	})
	return
}

// NextMemberID allocates a process-wide monotonic member database id via
// bbolt's native bucket sequence, the idiomatic replacement for a
// hand-rolled counter record.
func (b *Bolt) NextMemberID() (int64, error) {
	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketMemberSeq).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: next member id: %w", err)
	}
	return int64(id), nil
}

// --- meta-message cache (priority/direction persistence) ---

// PutMetaCache persists a meta-message's current (priority, direction) so a
// restart doesn't need to re-derive them. Layout: priority u8 | direction u8.
func (b *Bolt) PutMetaCache(name string, priority uint8, direction uint8) error {
	val := []byte{priority, direction}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetaCache).Put([]byte(name), val)
	})
}

// GetMetaCache reads back a meta-message's persisted (priority, direction).
func (b *Bolt) GetMetaCache(name string) (priority uint8, direction uint8, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMetaCache).Get([]byte(name))
		if v == nil {
			return nil
		}
		if len(v) != 2 {
			return fmt.Errorf("storage: meta cache record malformed")
		}
		priority, direction, ok = v[0], v[1], true
		return nil
	})
	return
}

// --- timeline event log ---

// AppendTimelineEvent appends one pre-encoded timeline event under a
// monotonic sequence key, so LoadTimelineEvents replays them in the order
// they were recorded.
func (b *Bolt) AppendTimelineEvent(encoded []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTimelineEvents)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], encoded)
	})
}

// LoadTimelineEvents replays every persisted timeline event in append order.
func (b *Bolt) LoadTimelineEvents(fn func(encoded []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTimelineEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- dynamic-settings history ---

// AppendDynamicSetting persists one dynamic-resolution switch event.
func (b *Bolt) AppendDynamicSetting(encoded []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDynamicSettings)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], encoded)
	})
}

// LoadDynamicSettings replays every persisted dynamic-settings event in
// append order.
func (b *Bolt) LoadDynamicSettings(fn func(encoded []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDynamicSettings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- generic per-meta sync-row bucket, used by syncstore's retention
// policies ---

// SyncBucketName computes the nested-bucket name for one meta-message's
// sync rows, namespaced so distinct overlays sharing a process never
// collide even if they register a meta of the same name.
func SyncBucketName(communityCID [20]byte, metaName string) []byte {
	return append(append([]byte("sync:"), communityCID[:]...), append([]byte(":"), metaName...)...)
}

// SyncBucket is a handle to one meta-message's nested row bucket, opened
// lazily on first use.
type SyncBucket struct {
	db   *bolt.DB
	name []byte
}

// OpenSyncBucket returns a handle to (creating if necessary) the sync-row
// bucket for one (community, meta) pair.
func (b *Bolt) OpenSyncBucket(communityCID [20]byte, metaName string) (*SyncBucket, error) {
	name := SyncBucketName(communityCID, metaName)
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sync bucket: %w", err)
	}
	return &SyncBucket{db: b.db, name: name}, nil
}

func (s *SyncBucket) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.name).Put(key, value)
	})
}

func (s *SyncBucket) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.name).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *SyncBucket) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.name).Delete(key)
	})
}

// ForEach iterates every row in key order. fn must not retain k/v beyond
// the call.
func (s *SyncBucket) ForEach(fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.name).ForEach(fn)
	})
}
