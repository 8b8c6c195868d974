package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispersyd/overlay/candidate"
	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/endpoint"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/syncstore"
	"github.com/dispersyd/overlay/timeline"
	"github.com/dispersyd/overlay/wire"
)

// DelayMessageByProof signals that a message's permission chain could not
// be verified against the local timeline: the caller should request the
// missing authorize events from the sender before re-admitting this
// message.
type DelayMessageByProof struct {
	Author   member.MID
	MetaName string
}

func (e *DelayMessageByProof) Error() string {
	return fmt.Sprintf("engine: delay by proof: author=%s meta=%q", e.Author, e.MetaName)
}

// GlobalTimeSource exposes an overlay's logical clock. The pipeline only
// reads it, so the owning community can keep the counter itself.
type GlobalTimeSource interface {
	GlobalTime() uint64
}

// DelayBufferTTL bounds how long an admit-delayed packet is retained
// before it is dropped unseen.
const DelayBufferTTL = 30 * time.Second

type delayEntry struct {
	raw      []byte
	fromAddr *net.UDPAddr
	expires  time.Time
}

// Pipeline is the per-overlay dissemination engine. It owns the inbound
// decode/dedupe/check/admit/store/forward chain and the
// store/update/forward chain used for locally created messages. Pipeline
// methods are meant to run only on the owning Engine's single goroutine;
// Pipeline itself does no internal scheduling.
type Pipeline struct {
	CID        [20]byte
	Codec      *wire.Codec
	Timeline   *timeline.Timeline
	Stores     map[string]*syncstore.Store
	Table      *candidate.Table
	Members    *member.Registry
	Endpoint   endpoint.Endpoint
	GlobalTime GlobalTimeSource
	Self       member.MID
	Provider   cryptoprovider.Provider
	Log        *slog.Logger

	mu       sync.Mutex
	admitted map[[32]byte]struct{}
	delayed  map[[32]byte]delayEntry

	outgoingDrop atomic.Int64
}

// NewPipeline constructs a Pipeline. stores must contain one
// *syncstore.Store per meta name that is ever synced (DirectMeta/RelayMeta
// messages need no entry).
func NewPipeline(cid [20]byte, codec *wire.Codec, tl *timeline.Timeline, stores map[string]*syncstore.Store, table *candidate.Table, members *member.Registry, ep endpoint.Endpoint, gt GlobalTimeSource, self member.MID, provider cryptoprovider.Provider, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		CID:        cid,
		Codec:      codec,
		Timeline:   tl,
		Stores:     stores,
		Table:      table,
		Members:    members,
		Endpoint:   ep,
		GlobalTime: gt,
		Self:       self,
		Provider:   provider,
		Log:        log,
		admitted:   make(map[[32]byte]struct{}),
		delayed:    make(map[[32]byte]delayEntry),
	}
}

// OutgoingDrop reports how many forwarded sends were abandoned after the
// transport refused them.
func (p *Pipeline) OutgoingDrop() int64 { return p.outgoingDrop.Load() }

// StoreUpdateForward runs the store/update/forward phases over msgs:
// persist each message per its distribution policy (skipped for Direct),
// invoke its meta's on_accept handler, and
// forward it to its resolved destination. Used both for locally created
// messages and for already-admitted inbound ones.
func (p *Pipeline) StoreUpdateForward(ctx context.Context, msgs []*meta.Implementation, store, update, forward bool) error {
	for _, m := range msgs {
		if store {
			if _, direct := m.Distribution.Meta.(policy.DirectMeta); !direct {
				if err := p.storeOne(m); err != nil {
					return err
				}
			}
		}
		if update && m.Meta.OnAccept != nil {
			if err := m.Meta.OnAccept(m); err != nil {
				return err
			}
		}
		if forward {
			p.forwardOne(ctx, m, nil)
		}
		p.processHealed(ctx, m.Meta.Name, update, forward)
	}
	return nil
}

func (p *Pipeline) storeOne(m *meta.Implementation) error {
	s, ok := p.Stores[m.Meta.Name]
	if !ok {
		return fmt.Errorf("engine: no sync store registered for %q", m.Meta.Name)
	}
	packet, err := p.packetFor(m)
	if err != nil {
		return err
	}
	authors := make([]member.MID, len(m.Authentication.Members))
	for i, mem := range m.Authentication.Members {
		authors[i] = mem.MID()
	}
	return s.Admit(syncstore.Row{
		Authors:        authors,
		GlobalTime:     m.Distribution.GlobalTime,
		SequenceNumber: m.Distribution.SequenceNumber,
		Packet:         packet,
	})
}

func (p *Pipeline) packetFor(m *meta.Implementation) ([]byte, error) {
	if packet, ok := m.Packet(); ok {
		return packet, nil
	}
	return p.Codec.Encode(m)
}

// AdmitInbound runs the inbound pipeline on one raw packet
// received from addr: decode, dedupe by packet checksum, check against
// the timeline, then either admit (store, update, forward), delay
// (buffered until proof or a missing sequence range arrives), or drop.
func (p *Pipeline) AdmitInbound(ctx context.Context, raw []byte, from *net.UDPAddr) error {
	impl, dropErr := p.Codec.Decode(raw)
	if dropErr != nil {
		return dropErr
	}

	sum := p.Provider.Checksum(raw)
	p.mu.Lock()
	_, dup := p.admitted[sum]
	p.mu.Unlock()
	if dup {
		return &syncstore.DropMessage{Reason: "already admitted"}
	}

	author := impl.Author()
	if author == nil {
		return &wire.DropPacket{Reason: "message carries no author"}
	}

	// Public messages are admitted from any member; everything else asks
	// the timeline for the permit in force at the message's global_time.
	if _, public := p.effectiveResolution(impl).(policy.PublicMeta); !public {
		allowed, proofs := p.Timeline.Check(author.MID(), impl.Meta.Name, impl.Distribution.GlobalTime)
		if !allowed {
			if len(proofs) == 0 {
				p.markAdmitted(sum)
				return &syncstore.DropMessage{Reason: fmt.Sprintf("%s never authorized for %q", author.MID(), impl.Meta.Name)}
			}
			p.bufferDelayed(sum, raw, from)
			return &DelayMessageByProof{Author: author.MID(), MetaName: impl.Meta.Name}
		}
	}

	if impl.Meta.Check != nil {
		if err := impl.Meta.Check(impl); err != nil {
			p.markAdmitted(sum)
			return err
		}
	}

	if _, direct := impl.Distribution.Meta.(policy.DirectMeta); !direct {
		if err := p.storeOne(impl); err != nil {
			var delaySeq *syncstore.DelayMessageBySequence
			if errors.As(err, &delaySeq) {
				p.bufferDelayed(sum, raw, from)
				return err
			}
			p.markAdmitted(sum)
			return err
		}
	}

	if impl.Meta.OnAccept != nil {
		if err := impl.Meta.OnAccept(impl); err != nil {
			p.markAdmitted(sum)
			return err
		}
	}
	p.markAdmitted(sum)
	p.forwardOne(ctx, impl, from)
	p.processHealed(ctx, impl.Meta.Name, true, true)
	return nil
}

// processHealed runs the accept handler and forwarding over rows the sync
// store persisted while healing a sequence gap; the store wrote them, but
// no handler has seen them yet. Rows heal in sequence order, so handlers
// fire in sequence order too.
func (p *Pipeline) processHealed(ctx context.Context, metaName string, update, forward bool) {
	s, ok := p.Stores[metaName]
	if !ok {
		return
	}
	for _, hr := range s.TakeHealed() {
		himpl, dropErr := p.Codec.Decode(hr.Packet)
		if dropErr != nil {
			p.Log.Warn("engine: healed row failed to decode", slog.String("meta", metaName), slog.String("err", dropErr.Error()))
			continue
		}
		p.markAdmitted(p.Provider.Checksum(hr.Packet))
		if update && himpl.Meta.OnAccept != nil {
			if err := himpl.Meta.OnAccept(himpl); err != nil {
				p.Log.Warn("engine: healed row handler failed", slog.String("meta", metaName), slog.String("err", err.Error()))
				continue
			}
		}
		if forward {
			p.forwardOne(ctx, himpl, nil)
		}
	}
}

// effectiveResolution resolves the resolution policy in force for m at its
// global_time: the meta's own variant, or for DynamicMeta the variant the
// timeline's dynamic-settings history says was active then (defaulting to
// the first declared variant).
func (p *Pipeline) effectiveResolution(m *meta.Implementation) policy.ResolutionMeta {
	dyn, ok := m.Meta.Resolution.(policy.DynamicMeta)
	if !ok {
		return m.Meta.Resolution
	}
	idx := p.Timeline.ResolutionAt(m.Meta.Name, m.Distribution.GlobalTime, 0)
	if int(idx) >= len(dyn.Variants) {
		return policy.LinearMeta{}
	}
	return dyn.Variants[idx]
}

func (p *Pipeline) markAdmitted(sum [32]byte) {
	p.mu.Lock()
	p.admitted[sum] = struct{}{}
	delete(p.delayed, sum)
	p.mu.Unlock()
}

func (p *Pipeline) bufferDelayed(sum [32]byte, raw []byte, from *net.UDPAddr) {
	p.mu.Lock()
	expires := time.Now().Add(DelayBufferTTL)
	if prev, ok := p.delayed[sum]; ok {
		// A retried entry keeps the deadline of its first buffering.
		expires = prev.expires
	}
	p.delayed[sum] = delayEntry{raw: append([]byte(nil), raw...), fromAddr: from, expires: expires}
	p.mu.Unlock()
}

// SweepDelayed discards any buffered message whose TTL has expired without
// ever being re-admitted.
func (p *Pipeline) SweepDelayed(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.delayed {
		if now.After(e.expires) {
			delete(p.delayed, k)
		}
	}
}

// RetryDelayed re-attempts AdmitInbound for every currently buffered
// message, e.g. after a missing-proof or missing-sequence exchange has
// plausibly resolved the gap. Entries that admit successfully are removed;
// entries that still delay or have expired remain until the next sweep.
func (p *Pipeline) RetryDelayed(ctx context.Context) {
	p.mu.Lock()
	pending := make(map[[32]byte]delayEntry, len(p.delayed))
	for k, v := range p.delayed {
		pending[k] = v
	}
	p.mu.Unlock()

	for _, e := range pending {
		_ = p.AdmitInbound(ctx, e.raw, e.fromAddr)
	}
}

// DelayedCount reports how many packets are currently buffered awaiting
// proof or a missing sequence range.
func (p *Pipeline) DelayedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delayed)
}

func (p *Pipeline) forwardOne(ctx context.Context, m *meta.Implementation, excludeAddr *net.UDPAddr) {
	if !m.Authentication.CanForward() {
		return
	}
	packet, err := p.packetFor(m)
	if err != nil {
		p.Log.Warn("engine: forward encode failed", slog.String("meta", m.Meta.Name), slog.String("err", err.Error()))
		return
	}

	switch dm := m.Destination.Meta.(type) {
	case policy.CommunityMeta:
		p.forwardCommunity(ctx, dm, packet, excludeAddr)
	case policy.MemberMeta:
		p.forwardMembers(ctx, m.Destination.Targets, packet)
	default:
		p.Log.Warn("engine: unknown destination meta, dropping forward", slog.String("meta", m.Meta.Name))
	}
}

func (p *Pipeline) forwardCommunity(ctx context.Context, dm policy.CommunityMeta, packet []byte, excludeAddr *net.UDPAddr) {
	now := time.Now()
	active := p.Table.Active(now)
	pool := make([]*candidate.Candidate, 0, len(active))
	for _, c := range active {
		if excludeAddr != nil && c.Addr.String() == excludeAddr.String() {
			continue
		}
		pool = append(pool, c)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	n := dm.NodeCount
	if n > len(pool) {
		n = len(pool)
	}
	for _, c := range pool[:n] {
		p.sendOne(ctx, c.Addr, packet)
	}
}

func (p *Pipeline) forwardMembers(ctx context.Context, targets []member.MID, packet []byte) {
	now := time.Now()
	for _, mid := range targets {
		c, ok := p.Table.ByMID(mid, now)
		if !ok {
			continue
		}
		p.sendOne(ctx, c.Addr, packet)
	}
}

func (p *Pipeline) sendOne(ctx context.Context, addr *net.UDPAddr, packet []byte) {
	if err := p.Endpoint.Send(addr, packet); err != nil {
		p.outgoingDrop.Add(1)
		p.Log.Warn("engine: outbound send dropped", slog.String("addr", addr.String()), slog.String("err", err.Error()))
	}
}

// syncPriorityFloor excludes low-priority messages from bloom-filter
// sync responses; they must be pulled on demand instead.
const syncPriorityFloor = 32

// SelectForSync answers a bloom-filter sync request across every
// meta-message this overlay synchronizes: rows are drawn only from stores
// whose meta priority is at least
// syncPriorityFloor, ordered by priority descending and then by each
// meta's own Direction, and the scan stops once req.ByteBudget bytes have
// been selected. Metas of equal priority are taken in lexicographic name
// order so that, given identical store contents, two peers chunk the same way.
func (p *Pipeline) SelectForSync(req syncstore.SyncRequest) (rows []syncstore.Row, truncated bool) {
	names := make([]string, 0, len(p.Stores))
	for name, s := range p.Stores {
		if s.Priority() >= syncPriorityFloor {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := p.Stores[names[i]].Priority(), p.Stores[names[j]].Priority()
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})

	remaining := req.ByteBudget
	for _, name := range names {
		subReq := req
		if remaining > 0 {
			subReq.ByteBudget = remaining
		}
		got, more := p.Stores[name].Select(subReq)
		rows = append(rows, got...)
		if more {
			truncated = true
		}
		if remaining > 0 {
			for _, r := range got {
				remaining -= len(r.Packet)
			}
			if remaining <= 0 {
				if name != names[len(names)-1] {
					truncated = true
				}
				break
			}
		}
	}
	return rows, truncated
}

// Countersign completes a DoubleMemberAuthentication message for which this
// pipeline's local member is an outstanding signer, consulting the meta's
// AllowSignatureFunc; approval triggers an automatic countersign. On
// refusal it returns ok=false with no error: the caller drops the
// request rather than treating it as a failure. The returned packet is
// the fully re-signed wire encoding, ready to send back to the requester.
func (p *Pipeline) Countersign(impl *meta.Implementation) (packet []byte, ok bool, err error) {
	// The AllowSignature decision is local policy: consult this overlay's
	// own registration of the meta, not the requester's copy.
	localMeta, known := p.Codec.Table.ByName(impl.Meta.Name)
	if !known {
		return nil, false, fmt.Errorf("engine: countersign: unknown meta-message %q", impl.Meta.Name)
	}
	dm, isDouble := localMeta.Authentication.(policy.DoubleMemberAuthenticationMeta)
	if !isDouble {
		return nil, false, fmt.Errorf("engine: countersign: %q is not a DoubleMemberAuthentication meta", impl.Meta.Name)
	}
	if impl.Authentication.CanForward() {
		return nil, false, fmt.Errorf("engine: countersign: %q already carries every required signature", impl.Meta.Name)
	}

	myIndex := -1
	for i, m := range impl.Authentication.Members {
		if m.MID() == p.Self {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		return nil, false, fmt.Errorf("engine: countersign: local member is not a signer of %q", impl.Meta.Name)
	}
	if len(impl.Authentication.Signatures[myIndex]) != 0 {
		return nil, false, fmt.Errorf("engine: countersign: local signature already present")
	}

	if dm.AllowSignature != nil && !dm.AllowSignature(impl.Payload) {
		return nil, false, nil
	}

	self, ok := p.Members.GetByMID(p.Self).(*member.Member)
	if !ok || !self.HasPrivateKey() {
		return nil, false, fmt.Errorf("engine: countersign: local member has no private key to sign with")
	}

	prefix, err := p.Codec.PrefixForSigning(impl)
	if err != nil {
		return nil, false, fmt.Errorf("engine: countersign: %w", err)
	}
	sig, err := p.Provider.Sign(self.PrivateKey, prefix)
	if err != nil {
		return nil, false, fmt.Errorf("engine: countersign: sign: %w", err)
	}

	newAuth, err := impl.Authentication.WithSignature(myIndex, sig)
	if err != nil {
		return nil, false, err
	}
	impl.Authentication = newAuth
	impl.InvalidatePacket()

	packet, err = p.Codec.Encode(impl)
	if err != nil {
		return nil, false, fmt.Errorf("engine: countersign: re-encode: %w", err)
	}
	return packet, true, nil
}
