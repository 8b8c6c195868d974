package meta

import (
	"fmt"
	"sync"

	"github.com/dispersyd/overlay/policy"
)

// Table is the per-overlay meta-message registry: unique
// name -> meta, unique wire tag -> meta, registered one-shot at overlay
// construction, with O(1) lookup by either key afterward.
type Table struct {
	mu      sync.RWMutex
	byName  map[string]*MetaMessage
	byTag   map[byte]*MetaMessage
	nextTag int
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	priority  int
	direction policy.Direction
}

// NewTable constructs an empty, per-overlay meta-message table.
func NewTable() *Table {
	return &Table{
		byName: make(map[string]*MetaMessage),
		byTag:  make(map[byte]*MetaMessage),
		cache:  make(map[string]cacheEntry),
	}
}

// ErrDuplicateName and ErrTagSpaceExhausted are the RegisterOnce failure
// modes: registration is one-shot, and a community may register at most
// 256 distinct meta-messages (the tag is one wire byte).
var (
	errDuplicateNameFmt  = "meta: table: %q already registered"
	errTagSpaceExhausted = fmt.Errorf("meta: table: wire tag space exhausted (256 meta-messages max)")
)

// RegisterOnce assigns metaMsg a wire tag and a slot by name. Registering
// the same name twice is a programmer error: it returns an error rather
// than silently overwriting, so overlay construction fails loudly instead
// of using a stale meta table.
func (t *Table) RegisterOnce(metaMsg *MetaMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[metaMsg.Name]; exists {
		return fmt.Errorf(errDuplicateNameFmt, metaMsg.Name)
	}
	if t.nextTag > 0xff {
		return errTagSpaceExhausted
	}
	metaMsg.Tag = byte(t.nextTag)
	metaMsg.DatabaseID = int64(t.nextTag) + 1
	t.nextTag++
	t.byName[metaMsg.Name] = metaMsg
	t.byTag[metaMsg.Tag] = metaMsg
	return nil
}

// ByName looks up a meta message by its unicode name.
func (t *Table) ByName(name string) (*MetaMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byName[name]
	return m, ok
}

// ByTag looks up a meta message by its one-byte wire tag.
func (t *Table) ByTag(tag byte) (*MetaMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byTag[tag]
	return m, ok
}

// Names returns all registered meta-message names in registration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byName))
	for tag := 0; tag < t.nextTag; tag++ {
		if m, ok := t.byTag[byte(tag)]; ok {
			out = append(out, m.Name)
		}
	}
	return out
}

// SyncCache avoids a redundant persistence write when a meta-message's
// (priority, direction) are unchanged since last load. It reports
// whether the caller must persist the new values.
func (t *Table) SyncCache(name string, priority int, direction policy.Direction) (mustPersist bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.cache[name]
	if ok && cur.priority == priority && cur.direction == direction {
		return false
	}
	t.cache[name] = cacheEntry{priority: priority, direction: direction}
	return true
}
