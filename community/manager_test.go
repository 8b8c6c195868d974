package community

import (
	"testing"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/storage"
)

func TestManagerLoadGetUnload(t *testing.T) {
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	registry := member.NewRegistry(db)

	mgr := NewManager()
	o, err := Create(registry, member.StrengthLow, meta.NewTable(), candidate.NewTable(candidate.DefaultTTLs))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.Load(o)

	if _, ok := mgr.Get(o.CID); !ok {
		t.Fatal("expected overlay to be loaded")
	}
	live, killed := mgr.Counts()
	if live != 1 || killed != 0 {
		t.Fatalf("counts = (%d, %d), want (1, 0)", live, killed)
	}

	mgr.Unload(o.CID)
	if _, ok := mgr.Get(o.CID); ok {
		t.Fatal("expected overlay to be unloaded")
	}
}

func TestManagerUnloadHardInstallsShell(t *testing.T) {
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	registry := member.NewRegistry(db)

	mgr := NewManager()
	o, err := Create(registry, member.StrengthLow, meta.NewTable(), candidate.NewTable(candidate.DefaultTTLs))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.Load(o)

	shell, err := o.Destroy([]byte{0x01, 0x02}, true)
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	mgr.UnloadHard(o.CID, shell)

	if _, ok := mgr.Get(o.CID); ok {
		t.Fatal("hard-killed overlay must not remain in the loaded set")
	}
	got, ok := mgr.HardKilledFor(o.CID)
	if !ok || got != shell {
		t.Fatal("expected the hard-killed shell to be retrievable")
	}
	live, killed := mgr.Counts()
	if live != 0 || killed != 1 {
		t.Fatalf("counts = (%d, %d), want (0, 1)", live, killed)
	}
}

func TestManagerTickUnloadsAfterStrikes(t *testing.T) {
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	registry := member.NewRegistry(db)

	mgr := NewManager()
	o, err := Create(registry, member.StrengthLow, meta.NewTable(), candidate.NewTable(candidate.DefaultTTLs))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.Load(o)

	now := time.Now()
	for i := 0; i < 2; i++ {
		unloaded := mgr.Tick(now, 3, nil)
		if len(unloaded) != 0 {
			t.Fatalf("must not unload before threshold, round %d", i)
		}
	}
	unloaded := mgr.Tick(now, 3, nil)
	if len(unloaded) != 1 || unloaded[0] != o.CID {
		t.Fatalf("expected overlay to unload on third tick, got %v", unloaded)
	}
	if _, ok := mgr.Get(o.CID); ok {
		t.Fatal("overlay should have been removed from the arena")
	}
}

func TestManagerTickHonorsBufferedMessages(t *testing.T) {
	db, err := storage.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	registry := member.NewRegistry(db)

	mgr := NewManager()
	o, err := Create(registry, member.StrengthLow, meta.NewTable(), candidate.NewTable(candidate.DefaultTTLs))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.Load(o)

	now := time.Now()
	always1 := func(member.MID) int { return 1 }
	for i := 0; i < 10; i++ {
		unloaded := mgr.Tick(now, 3, always1)
		if len(unloaded) != 0 {
			t.Fatal("overlay with buffered messages must never unload")
		}
	}
}
