package community

import (
	"fmt"
	"sync"
	"time"

	"github.com/dispersyd/overlay/member"
)

// BufferedCountFunc reports how many inbound messages are still buffered
// (delayed by proof or sequence) for a given overlay, used by Manager.Tick
// so an overlay with pending work is never unloaded, without community
// depending on engine.
type BufferedCountFunc func(cid member.MID) int

// Manager is the process-wide arena of loaded overlays, keyed by CID. It
// is the single place lifecycle transitions (load/unload/hard-kill)
// happen, so a reload with the same CID is just another Load call.
type Manager struct {
	mu         sync.RWMutex
	loaded     map[member.MID]*Overlay
	hardKilled map[member.MID]*HardKilled
}

func NewManager() *Manager {
	return &Manager{
		loaded:     make(map[member.MID]*Overlay),
		hardKilled: make(map[member.MID]*HardKilled),
	}
}

// Load registers a freshly created or joined Overlay. Loading a CID that
// already has a hard-killed shell removes the shell: Load itself is a raw
// arena operation, callers enforce the no-revival policy.
func (m *Manager) Load(o *Overlay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[o.CID] = o
	delete(m.hardKilled, o.CID)
}

// Get returns the loaded Overlay for cid, if any.
func (m *Manager) Get(cid member.MID) (*Overlay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.loaded[cid]
	return o, ok
}

// HardKilledFor returns the hard-killed shell for cid, if any.
func (m *Manager) HardKilledFor(cid member.MID) (*HardKilled, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hardKilled[cid]
	return h, ok
}

// Unload removes cid from the loaded set with no replacement: a soft
// destroy or a strike-rule unload.
func (m *Manager) Unload(cid member.MID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, cid)
}

// UnloadHard removes cid from the loaded set and installs shell in its
// place, so subsequent introduction requests for cid are answered by the
// hard-killed shell instead of silently failing.
func (m *Manager) UnloadHard(cid member.MID, shell *HardKilled) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, cid)
	m.hardKilled[cid] = shell
}

// Loaded returns a snapshot of every currently loaded overlay.
func (m *Manager) Loaded() []*Overlay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Overlay, 0, len(m.loaded))
	for _, o := range m.loaded {
		out = append(out, o)
	}
	return out
}

// Counts reports the live and hard-killed overlay counts, the two numbers
// the tracker's periodic COMMUNITY line prints.
func (m *Manager) Counts() (live, killed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loaded), len(m.hardKilled)
}

// Tick runs the strike-based unload sweep once across every loaded
// overlay: for each, Overlay.Tick decides whether to unload, and unloaded
// overlays are removed from the arena. This is a soft unload; the caller
// decides separately whether a given unload should instead hard-kill.
// It returns the CIDs unloaded this sweep.
func (m *Manager) Tick(now time.Time, threshold int, buffered BufferedCountFunc) []member.MID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unloaded []member.MID
	for cid, o := range m.loaded {
		n := 0
		if buffered != nil {
			n = buffered(cid)
		}
		if o.Tick(now, threshold, n > 0) {
			delete(m.loaded, cid)
			unloaded = append(unloaded, cid)
		}
	}
	return unloaded
}

// ErrNotLoaded is returned when a caller references a CID with neither a
// loaded overlay nor a hard-killed shell.
var ErrNotLoaded = fmt.Errorf("community: overlay not loaded")
