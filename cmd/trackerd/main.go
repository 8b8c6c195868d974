// Command trackerd is the tracker: it never creates a community of its
// own, but auto-loads one per distinct CID it observes in an inbound
// packet, keeping only the reduced tracker.RequiredMetaNames set
// registered for each.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/community"
	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/endpoint"
	"github.com/dispersyd/overlay/engine"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/storage"
	"github.com/dispersyd/overlay/syncstore"
	"github.com/dispersyd/overlay/tracker"
	"github.com/dispersyd/overlay/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// trackerComm is the per-CID plumbing community.Manager doesn't itself
// hold: the wire codec and inbound pipeline bound to that overlay, and the
// hard-killed strike counter (TrackerHardKilledCommunity.update_strikes
// never resets, unlike a live overlay's own Overlay.Tick).
type trackerComm struct {
	codec       *wire.Codec
	pipeline    *engine.Pipeline
	hardStrikes int
}

// trackerState is the tracker process: one community.Manager arena shared
// by every auto-loaded overlay, plus the per-CID codec/pipeline pairs the
// arena doesn't model. comms has its own lock, the same pattern
// community.Manager itself uses for its arena.
type trackerState struct {
	registry  *member.Registry
	self      *member.Member
	db        *storage.Bolt
	ep        *endpoint.UDPEndpoint
	log       *slog.Logger
	provider  cryptoprovider.Provider
	lines     tracker.Lines
	silent    bool
	persisted *tracker.PersistentStorage

	mgr *community.Manager

	mu    sync.Mutex
	comms map[member.MID]*trackerComm
}

func run(args []string, stdout, stderr io.Writer) int {
	statedir := "."
	ip := "0.0.0.0"
	port := 6421
	var silent, profiler, memoryDump bool

	fs := flag.NewFlagSet("trackerd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&statedir, "statedir", statedir, "use an alternate statedir")
	fs.StringVar(&ip, "ip", ip, "bind ip address")
	fs.IntVar(&port, "port", port, "bind UDP port")
	fs.BoolVar(&silent, "silent", silent, "prevent the tracker printing to stdout")
	fs.BoolVar(&profiler, "profiler", profiler, "accepted for command-line compatibility; profiling is out of scope")
	fs.BoolVar(&memoryDump, "memory-dump", memoryDump, "accepted for command-line compatibility; periodic memory dumps are out of scope")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	_, _ = profiler, memoryDump

	if err := os.MkdirAll(statedir, 0o750); err != nil {
		fmt.Fprintf(stderr, "statedir create failed: %v\n", err)
		return 2
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := storage.Open(filepath.Join(statedir, "tracker.db"))
	if err != nil {
		fmt.Fprintf(stderr, "storage open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	registry := member.NewRegistry(db)
	self, err := registry.NewRandomMember(member.StrengthMedium)
	if err != nil {
		fmt.Fprintf(stderr, "generate tracker identity failed: %v\n", err)
		return 2
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		fmt.Fprintf(stderr, "resolve bind addr failed: %v\n", err)
		return 2
	}
	ep := endpoint.NewUDPEndpoint(udpAddr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := ep.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "endpoint open failed: %v\n", err)
		return 2
	}
	defer ep.Close()

	eng := engine.New(true, func(err error) {
		log.Error("engine task error", slog.String("err", err.Error()))
	}, log)

	var lines tracker.Lines
	if !silent {
		lines = tracker.Lines{Out: stdout}
	}

	t := &trackerState{
		registry:  registry,
		self:      self,
		db:        db,
		ep:        ep,
		log:       log,
		provider:  cryptoprovider.DevProvider{},
		lines:     lines,
		silent:    silent,
		persisted: tracker.NewPersistentStorage(filepath.Join(statedir, "persistent-storage.data")),
		mgr:       community.NewManager(),
		comms:     make(map[member.MID]*trackerComm),
	}
	if err := t.replayPersistentStorage(ctx); err != nil {
		log.Warn("replay persistent storage", slog.String("err", err.Error()))
	}

	go eng.Run()

	go func() {
		for {
			raw, from, err := ep.Recv(ctx)
			if err != nil {
				return
			}
			eng.Register(0, func(taskCtx context.Context) error {
				t.dispatch(taskCtx, raw, from)
				return nil
			})
		}
	}()

	strikeTicker := time.NewTicker(180 * time.Second)
	defer strikeTicker.Stop()
	statsTicker := time.NewTicker(300 * time.Second)
	defer statsTicker.Stop()

	fmt.Fprintf(stdout, "trackerd listening on %s\n", ep.LocalAddr())
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-strikeTicker.C:
			t.strike(now)
		case <-statsTicker.C:
			t.reportStatistics()
		}
	}

	if err := eng.Shutdown(engine.EarlyShutdownGrace); err != nil {
		fmt.Fprintf(stderr, "engine shutdown: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "trackerd stopped")
	return 0
}

// getOrCreateComm auto-loads the community for cid on first sight, with
// only the tracker's reduced meta-message set registered, and returns
// the loaded Overlay alongside its trackerComm.
func (t *trackerState) getOrCreateComm(cid [20]byte) (*community.Overlay, *trackerComm, error) {
	mid := member.MID(cid)

	t.mu.Lock()
	c, ok := t.comms[mid]
	t.mu.Unlock()
	if ok {
		o, _ := t.mgr.Get(mid)
		return o, c, nil
	}

	metaTable := meta.NewTable()
	candidates := candidate.NewTable(candidate.DefaultTTLs)
	overlay := community.Join(mid, t.self, metaTable, candidates)
	if err := community.RegisterCoreMetas(overlay, t.registry); err != nil {
		return nil, nil, fmt.Errorf("trackerd: register core metas: %w", err)
	}
	t.installDestroyHook(overlay)

	stores, err := buildSyncStores(t.db, overlay, t.provider.Checksum)
	if err != nil {
		return nil, nil, err
	}
	codec := wire.NewCodec(cid, 0, metaTable, t.registry, t.provider)
	pipeline := engine.NewPipeline(cid, codec, overlay.Timeline, stores, candidates, t.registry, t.ep, overlay, t.self.MID(), t.provider, t.log)

	t.mgr.Load(overlay)
	c = &trackerComm{codec: codec, pipeline: pipeline}
	t.mu.Lock()
	t.comms[mid] = c
	t.mu.Unlock()
	return overlay, c, nil
}

// installDestroyHook replaces the generic dispersy-destroy-community
// handler RegisterCoreMetas installed with one that also installs the
// HardKilled shell into the arena and appends the proof to
// persistent-storage.data for replay on the next start.
func (t *trackerState) installDestroyHook(o *community.Overlay) {
	mm, ok := o.Meta.ByName("dispersy-destroy-community")
	if !ok {
		return
	}
	mm.OnAccept = func(impl *meta.Implementation) error {
		p, ok := impl.Payload.(community.DestroyCommunityPayload)
		if !ok {
			return fmt.Errorf("trackerd: dispersy-destroy-community: unexpected payload type %T", impl.Payload)
		}
		packet, _ := impl.Packet()
		shell, err := o.Destroy(packet, p.Hard)
		if err != nil {
			return err
		}
		if shell == nil {
			return nil
		}
		t.mgr.UnloadHard(o.CID, shell)
		author := "unknown"
		if a := impl.Author(); a != nil {
			author = a.MID().String()
		}
		if err := t.persisted.AppendComment(fmt.Sprintf("received dispersy-destroy-community from %s", author)); err != nil {
			t.log.Warn("trackerd: persist comment failed", slog.String("err", err.Error()))
		}
		if err := t.persisted.Append("dispersy-destroy-community", packet); err != nil {
			t.log.Warn("trackerd: persist destroy packet failed", slog.String("err", err.Error()))
		}
		return nil
	}
}

// dispatch routes one raw inbound packet to its community, auto-loading
// it on first sight, then prints the matching stdout event line. A
// community already hard-killed answers only with DESTROY_OUT.
func (t *trackerState) dispatch(ctx context.Context, raw []byte, from *net.UDPAddr) {
	cid, err := wire.PeekCID(raw)
	if err != nil {
		return
	}
	mid := member.MID(cid)

	if _, ok := t.mgr.HardKilledFor(mid); ok {
		t.mu.Lock()
		c := t.comms[mid]
		t.mu.Unlock()
		if c == nil {
			return
		}
		impl, dropErr := c.codec.DecodeNoVerify(raw)
		if dropErr == nil && impl.Meta.Name == "dispersy-introduction-request" {
			t.printEvent("DESTROY_OUT", cid, impl, from)
		}
		return
	}

	overlay, c, err := t.getOrCreateComm(cid)
	if err != nil {
		t.log.Warn("trackerd: auto-load community failed", slog.String("err", err.Error()))
		return
	}

	impl, dropErr := c.codec.DecodeNoVerify(raw)
	var name string
	if dropErr == nil {
		name = impl.Meta.Name
		if author := impl.Author(); author != nil {
			overlay.Members.Observe(from, author.MID(), true, candidate.CategoryStumble, time.Now())
		}
	}

	if err := c.pipeline.AdmitInbound(ctx, raw, from); err != nil {
		t.log.Debug("trackerd: packet not admitted", slog.String("err", err.Error()))
	}

	switch name {
	case "dispersy-introduction-request":
		t.printEvent("REQ_IN2", cid, impl, from)
	case "dispersy-introduction-response":
		t.printEvent("RES_IN2", cid, impl, from)
	case "dispersy-destroy-community":
		t.printEvent("DESTROY_IN", cid, impl, from)
	}
}

func (t *trackerState) printEvent(kind string, cid [20]byte, impl *meta.Implementation, addr *net.UDPAddr) {
	if t.silent || t.lines.Out == nil {
		return
	}
	cidHex := member.MID(cid).String()
	midHex := ""
	if author := impl.Author(); author != nil {
		midHex = author.MID().String()
	}
	switch kind {
	case "REQ_IN2":
		t.lines.ReqIn2(cidHex, midHex, wire.DispersyVersion, 0, addr)
	case "RES_IN2":
		t.lines.ResIn2(cidHex, midHex, wire.DispersyVersion, 0, addr)
	case "DESTROY_IN":
		t.lines.DestroyIn(cidHex, midHex, wire.DispersyVersion, 0, addr)
	case "DESTROY_OUT":
		t.lines.DestroyOut(cidHex, midHex, wire.DispersyVersion, 0, addr)
	}
}

// strike runs the periodic strike-rule unload: a live overlay strikes
// out via community.Manager.Tick once its threshold is reached; a
// hard-killed shell's strikes never reset, so it unloads unconditionally
// once the threshold passes.
func (t *trackerState) strike(now time.Time) {
	const threshold = 3

	t.mu.Lock()
	buffered := func(mid member.MID) int {
		if c, ok := t.comms[mid]; ok {
			return c.pipeline.DelayedCount()
		}
		return 0
	}
	t.mu.Unlock()
	for _, mid := range t.mgr.Tick(now, threshold, buffered) {
		t.mu.Lock()
		delete(t.comms, mid)
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for mid, c := range t.comms {
		if _, ok := t.mgr.HardKilledFor(mid); !ok {
			continue
		}
		c.hardStrikes++
		if c.hardStrikes >= threshold {
			delete(t.comms, mid)
		}
	}
}

// reportStatistics prints the periodic BANDWIDTH/COMMUNITY/CANDIDATE
// lines.
func (t *trackerState) reportStatistics() {
	if t.silent || t.lines.Out == nil {
		return
	}
	live, killed := t.mgr.Counts()
	candidates := 0
	for _, o := range t.mgr.Loaded() {
		candidates += o.Members.Len()
	}
	t.lines.Bandwidth(t.ep.BytesSent(), t.ep.BytesReceived())
	t.lines.Community(live, killed)
	t.lines.Candidate(candidates)
}

// replayPersistentStorage re-admits every persisted destroy-community
// proof chain entry so a restarted tracker remembers which communities
// are hard-killed.
func (t *trackerState) replayPersistentStorage(ctx context.Context) error {
	entries, err := t.persisted.Load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		cid, err := wire.PeekCID(e.Packet)
		if err != nil {
			continue
		}
		_, c, err := t.getOrCreateComm(cid)
		if err != nil {
			continue
		}
		_ = c.pipeline.AdmitInbound(ctx, e.Packet, nil)
	}
	return nil
}

// buildSyncStores opens one syncstore.Store per registered meta-message
// that actually syncs (FullSync or LastSync).
func buildSyncStores(db *storage.Bolt, overlay *community.Overlay, checksum func([]byte) [32]byte) (map[string]*syncstore.Store, error) {
	out := make(map[string]*syncstore.Store)
	for _, name := range overlay.Meta.Names() {
		mm, ok := overlay.Meta.ByName(name)
		if !ok {
			continue
		}
		switch mm.Distribution.(type) {
		case policy.FullSyncMeta, policy.LastSyncMeta:
		default:
			continue
		}
		bucket, err := db.OpenSyncBucket([20]byte(overlay.CID), name)
		if err != nil {
			return nil, fmt.Errorf("open sync bucket %q: %w", name, err)
		}
		store, err := syncstore.NewStore(bucket, mm.Distribution, checksum)
		if err != nil {
			return nil, fmt.Errorf("new store %q: %w", name, err)
		}
		out[name] = store
	}
	return out, nil
}
