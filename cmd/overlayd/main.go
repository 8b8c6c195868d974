// Command overlayd is the overlay node entry point: it joins or creates
// one community, runs the dissemination engine, and serves it over a UDP
// endpoint until signaled to stop.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/community"
	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/endpoint"
	"github.com/dispersyd/overlay/engine"
	"github.com/dispersyd/overlay/internal/config"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/storage"
	"github.com/dispersyd/overlay/syncstore"
	"github.com/dispersyd/overlay/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := config.DefaultConfig()
	cfg := defaults

	fs := flag.NewFlagSet("overlayd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StateDir, "statedir", defaults.StateDir, "directory for the member/meta/sync database")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "UDP bind address host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	fs.DurationVar(&cfg.StrikeInterval, "strike-interval", defaults.StrikeInterval, "strike evaluation interval")
	fs.IntVar(&cfg.StrikeThreshold, "strike-threshold", defaults.StrikeThreshold, "consecutive no-candidate strikes before unload")
	create := fs.Bool("create", false, "create a new community instead of joining an existing CID")
	joinCID := fs.String("join", "", "hex-encoded 20-byte CID of the community to join")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if !*create && *joinCID == "" {
		fmt.Fprintln(stderr, "one of -create or -join CID is required")
		return 2
	}
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		fmt.Fprintf(stderr, "statedir create failed: %v\n", err)
		return 2
	}

	if err := printConfig(stdout, cfg); err != nil {
		fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	logLevel := parseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel}))

	db, err := storage.Open(filepath.Join(cfg.StateDir, "overlay.db"))
	if err != nil {
		fmt.Fprintf(stderr, "storage open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	registry := member.NewRegistry(db)
	metaTable := meta.NewTable()
	candidates := candidate.NewTable(candidate.DefaultTTLs)

	var overlay *community.Overlay
	if *create {
		overlay, err = community.Create(registry, member.StrengthMedium, metaTable, candidates)
		if err != nil {
			fmt.Fprintf(stderr, "create community failed: %v\n", err)
			return 2
		}
		log.Info("created community", slog.String("cid", overlay.CID.String()))
	} else {
		cid, cerr := parseCID(*joinCID)
		if cerr != nil {
			fmt.Fprintf(stderr, "invalid -join CID: %v\n", cerr)
			return 2
		}
		my, merr := registry.NewRandomMember(member.StrengthMedium)
		if merr != nil {
			fmt.Fprintf(stderr, "generate local member failed: %v\n", merr)
			return 2
		}
		overlay = community.Join(cid, my, metaTable, candidates)
		log.Info("joined community", slog.String("cid", overlay.CID.String()))
	}

	if err := community.RegisterCoreMetas(overlay, registry); err != nil {
		fmt.Fprintf(stderr, "register core meta-messages failed: %v\n", err)
		return 2
	}

	stores, err := openSyncStores(db, overlay, cryptoprovider.DevProvider{}.Checksum)
	if err != nil {
		fmt.Fprintf(stderr, "open sync stores failed: %v\n", err)
		return 2
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
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
	go eng.Run()

	provider := cryptoprovider.DevProvider{}
	codec := wire.NewCodec([20]byte(overlay.CID), 0, metaTable, registry, provider)
	pipeline := engine.NewPipeline([20]byte(overlay.CID), codec, overlay.Timeline, stores, candidates, registry, ep, overlay, overlay.MyMember.MID(), provider, log)

	// The UDP read loop runs on its own goroutine, never on the engine's:
	// Recv blocks, and the engine goroutine must stay free to run other
	// scheduled work between packets. Each received datagram
	// becomes one short fire-and-forget engine task, so AdmitInbound still
	// only ever runs on the engine's single goroutine.
	go func() {
		for {
			raw, from, err := ep.Recv(ctx)
			if err != nil {
				return
			}
			eng.Register(0, func(taskCtx context.Context) error {
				if err := pipeline.AdmitInbound(taskCtx, raw, from); err != nil {
					log.Debug("inbound packet not admitted", slog.String("err", err.Error()), slog.String("from", from.String()))
				}
				return nil
			})
		}
	}()

	strikeTicker := time.NewTicker(cfg.StrikeInterval)
	defer strikeTicker.Stop()

	fmt.Fprintf(stdout, "overlayd listening on %s (cid=%s)\n", ep.LocalAddr(), overlay.CID)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-strikeTicker.C:
			if overlay.Tick(now, cfg.StrikeThreshold, pipeline.DelayedCount() > 0) {
				log.Warn("overlay unloaded by strike rule", slog.String("cid", overlay.CID.String()))
				break loop
			}
			pipeline.SweepDelayed(now)
		}
	}

	if err := eng.Shutdown(engine.EarlyShutdownGrace); err != nil {
		fmt.Fprintf(stderr, "engine shutdown: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "overlayd stopped")
	return 0
}

// openSyncStores opens one syncstore.Store per registered meta-message
// that actually syncs (FullSync or LastSync); Direct and Relay metas are
// skipped since engine.Pipeline.StoreUpdateForward never persists them.
func openSyncStores(db *storage.Bolt, overlay *community.Overlay, checksum func([]byte) [32]byte) (map[string]*syncstore.Store, error) {
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

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseCID(hexStr string) (member.MID, error) {
	var cid member.MID
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return cid, fmt.Errorf("not valid hex: %w", err)
	}
	if len(decoded) != 20 {
		return cid, fmt.Errorf("cid must be exactly 20 bytes (40 hex chars), got %d bytes", len(decoded))
	}
	copy(cid[:], decoded)
	return cid, nil
}

func printConfig(w io.Writer, cfg config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
