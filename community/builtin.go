// Core built-in meta-messages every overlay and tracker registers:
// dispersy-identity, dispersy-authorize/revoke, dispersy-destroy-community,
// dispersy-missing-identity/proof, and the introduction/puncture exchange.
// Payload wire shapes reuse wire.Writer/Reader directly rather than
// introducing a second codec, since these are ordinary policy.PayloadMeta
// implementations like any community-defined message.
package community

import (
	"fmt"
	"net"

	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
	"github.com/dispersyd/overlay/timeline"
	"github.com/dispersyd/overlay/wire"
)

// IdentityPayload carries no fields: dispersy-identity exists only to bind
// a member's authentication signature (and thus its public key) to the
// overlay, so peers can promote a DummyMember once they observe one.
type IdentityPayload struct{}

type identityPayloadMeta struct{}

func (identityPayloadMeta) Encode(policy.Payload) ([]byte, error) { return nil, nil }
func (identityPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	if len(b) != 0 {
		return nil, fmt.Errorf("community: dispersy-identity: unexpected payload bytes")
	}
	return IdentityPayload{}, nil
}

// AuthorizePayload and RevokePayload carry the (member, meta, right)
// triplets granted or revoked by this message.
type AuthorizePayload struct {
	Triplets []timeline.Triplet
}

type RevokePayload struct {
	Triplets []timeline.Triplet
}

type triplePayloadMeta struct {
	table *meta.Table
	wrap  func([]timeline.Triplet) policy.Payload
}

func (m triplePayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	triplets, err := tripletsOf(p)
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.WriteExact(wire.AppendCompactSize(nil, uint64(len(triplets))))
	for _, tr := range triplets {
		mm, ok := m.table.ByName(tr.MetaName)
		if !ok {
			return nil, fmt.Errorf("community: authorize/revoke: unknown meta-message %q", tr.MetaName)
		}
		w.WriteExact(tr.Member[:])
		w.WriteU8(mm.Tag)
		w.WriteU8(byte(tr.Right))
	}
	return w.Bytes(), nil
}

func (m triplePayloadMeta) Decode(b []byte) (policy.Payload, error) {
	n, consumed, err := wire.ReadCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("community: authorize/revoke: %w", err)
	}
	b = b[consumed:]
	if n > uint64(len(b))/22 {
		return nil, fmt.Errorf("community: authorize/revoke: %d triplets exceed %d payload bytes", n, len(b))
	}
	triplets := make([]timeline.Triplet, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) < 22 {
			return nil, fmt.Errorf("community: authorize/revoke: truncated triplet %d", i)
		}
		var mid member.MID
		copy(mid[:], b[:20])
		mm, ok := m.table.ByTag(b[20])
		if !ok {
			return nil, fmt.Errorf("community: authorize/revoke: unknown meta tag %d", b[20])
		}
		triplets = append(triplets, timeline.Triplet{
			Member:   mid,
			MetaName: mm.Name,
			Right:    timeline.Right(b[21]),
		})
		b = b[22:]
	}
	return m.wrap(triplets), nil
}

func tripletsOf(p policy.Payload) ([]timeline.Triplet, error) {
	switch v := p.(type) {
	case AuthorizePayload:
		return v.Triplets, nil
	case RevokePayload:
		return v.Triplets, nil
	default:
		return nil, fmt.Errorf("community: authorize/revoke: unexpected payload type %T", p)
	}
}

// DestroyCommunityPayload marks whether the destroy is a soft kill (the
// community stops syncing but its history is kept) or a hard kill (every
// stored message is discarded and replaced with a HardKilled shell).
type DestroyCommunityPayload struct {
	Hard bool
}

type destroyPayloadMeta struct{}

func (destroyPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	d, ok := p.(DestroyCommunityPayload)
	if !ok {
		return nil, fmt.Errorf("community: destroy-community: unexpected payload type %T", p)
	}
	if d.Hard {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (destroyPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	if len(b) != 1 {
		return nil, fmt.Errorf("community: destroy-community: expected 1 payload byte, got %d", len(b))
	}
	return DestroyCommunityPayload{Hard: b[0] != 0}, nil
}

// MissingIdentityPayload asks the recipient to resend the dispersy-identity
// message for Member.
type MissingIdentityPayload struct {
	Member member.MID
}

type missingIdentityPayloadMeta struct{}

func (missingIdentityPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	m, ok := p.(MissingIdentityPayload)
	if !ok {
		return nil, fmt.Errorf("community: missing-identity: unexpected payload type %T", p)
	}
	return append([]byte(nil), m.Member[:]...), nil
}

func (missingIdentityPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	if len(b) != 20 {
		return nil, fmt.Errorf("community: missing-identity: expected 20 payload bytes, got %d", len(b))
	}
	var mid member.MID
	copy(mid[:], b)
	return MissingIdentityPayload{Member: mid}, nil
}

// MissingProofPayload asks the recipient to resend the authorize chain
// that justifies Member creating messages of MetaName at GlobalTime.
type MissingProofPayload struct {
	Member     member.MID
	MetaName   string
	GlobalTime uint64
}

type missingProofPayloadMeta struct{}

func (missingProofPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	m, ok := p.(MissingProofPayload)
	if !ok {
		return nil, fmt.Errorf("community: missing-proof: unexpected payload type %T", p)
	}
	w := wire.NewWriter()
	w.WriteExact(m.Member[:])
	nameBytes := []byte(m.MetaName)
	w.WriteExact(wire.AppendCompactSize(nil, uint64(len(nameBytes))))
	w.WriteExact(nameBytes)
	w.WriteU64BE(m.GlobalTime)
	return w.Bytes(), nil
}

func (missingProofPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("community: missing-proof: truncated member id")
	}
	var mid member.MID
	copy(mid[:], b[:20])
	b = b[20:]
	n, consumed, err := wire.ReadCompactSize(b)
	if err != nil {
		return nil, fmt.Errorf("community: missing-proof: %w", err)
	}
	b = b[consumed:]
	if n > uint64(len(b)) || uint64(len(b))-n < 8 {
		return nil, fmt.Errorf("community: missing-proof: truncated name/global_time")
	}
	name := string(b[:n])
	gt := uint64(b[n])<<56 | uint64(b[n+1])<<48 | uint64(b[n+2])<<40 | uint64(b[n+3])<<32 |
		uint64(b[n+4])<<24 | uint64(b[n+5])<<16 | uint64(b[n+6])<<8 | uint64(b[n+7])
	return MissingProofPayload{Member: mid, MetaName: name, GlobalTime: gt}, nil
}

// IntroductionRequestPayload and IntroductionResponsePayload carry the
// NAT-puncture walk/stumble/intro exchange:
// dispersy-introduction-request asks a candidate to introduce us to one of
// its own candidates; dispersy-introduction-response answers with that
// candidate's address (the zero address when none is offered).
type IntroductionRequestPayload struct {
	DestinationAddr *net.UDPAddr
	SourceLANAddr   *net.UDPAddr
	SourceWANAddr   *net.UDPAddr
	Advice          bool
	Identifier      uint16
}

type IntroductionResponsePayload struct {
	DestinationAddr *net.UDPAddr
	SourceLANAddr   *net.UDPAddr
	SourceWANAddr   *net.UDPAddr
	IntroducedAddr  *net.UDPAddr // nil when no candidate is offered
	Identifier      uint16
}

// PunctureRequestPayload and PuncturePayload implement the hole-punch
// follow-up: the introducer asks both walked peers to fire a PuncturePayload
// straight at each other's WAN address so their NATs open a path.
type PunctureRequestPayload struct {
	WalkedAddr *net.UDPAddr
	Identifier uint16
}

type PuncturePayload struct {
	SourceLANAddr *net.UDPAddr
	SourceWANAddr *net.UDPAddr
	Identifier    uint16
}

func writeAddr(w *wire.Writer, addr *net.UDPAddr) {
	if addr == nil || addr.IP == nil {
		w.WriteU8(0)
		w.WriteExact(make([]byte, 4))
		w.WriteU32BE(0)
		return
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		w.WriteU8(0)
		w.WriteExact(make([]byte, 4))
		w.WriteU32BE(0)
		return
	}
	w.WriteU8(1)
	w.WriteExact(ip4)
	w.WriteU32BE(uint32(addr.Port))
}

func readAddr(r *wire.Reader) (*net.UDPAddr, error) {
	present, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	ipBytes, err := r.ReadExact(4)
	if err != nil {
		return nil, err
	}
	port, err := r.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	ip := append(net.IP(nil), ipBytes...)
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

type introRequestPayloadMeta struct{}

func (introRequestPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	v, ok := p.(IntroductionRequestPayload)
	if !ok {
		return nil, fmt.Errorf("community: introduction-request: unexpected payload type %T", p)
	}
	w := wire.NewWriter()
	writeAddr(w, v.DestinationAddr)
	writeAddr(w, v.SourceLANAddr)
	writeAddr(w, v.SourceWANAddr)
	if v.Advice {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	binU16 := []byte{byte(v.Identifier >> 8), byte(v.Identifier)}
	w.WriteExact(binU16)
	return w.Bytes(), nil
}

func (introRequestPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	r := wire.NewReader(b)
	dst, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-request: %w", err)
	}
	lan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-request: %w", err)
	}
	wan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-request: %w", err)
	}
	advice, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("community: introduction-request: %w", err)
	}
	idBytes, err := r.ReadExact(2)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-request: %w", err)
	}
	return IntroductionRequestPayload{
		DestinationAddr: dst,
		SourceLANAddr:   lan,
		SourceWANAddr:   wan,
		Advice:          advice != 0,
		Identifier:      uint16(idBytes[0])<<8 | uint16(idBytes[1]),
	}, nil
}

type introResponsePayloadMeta struct{}

func (introResponsePayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	v, ok := p.(IntroductionResponsePayload)
	if !ok {
		return nil, fmt.Errorf("community: introduction-response: unexpected payload type %T", p)
	}
	w := wire.NewWriter()
	writeAddr(w, v.DestinationAddr)
	writeAddr(w, v.SourceLANAddr)
	writeAddr(w, v.SourceWANAddr)
	writeAddr(w, v.IntroducedAddr)
	w.WriteExact([]byte{byte(v.Identifier >> 8), byte(v.Identifier)})
	return w.Bytes(), nil
}

func (introResponsePayloadMeta) Decode(b []byte) (policy.Payload, error) {
	r := wire.NewReader(b)
	dst, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-response: %w", err)
	}
	lan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-response: %w", err)
	}
	wan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-response: %w", err)
	}
	introduced, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-response: %w", err)
	}
	idBytes, err := r.ReadExact(2)
	if err != nil {
		return nil, fmt.Errorf("community: introduction-response: %w", err)
	}
	return IntroductionResponsePayload{
		DestinationAddr: dst,
		SourceLANAddr:   lan,
		SourceWANAddr:   wan,
		IntroducedAddr:  introduced,
		Identifier:      uint16(idBytes[0])<<8 | uint16(idBytes[1]),
	}, nil
}

type punctureRequestPayloadMeta struct{}

func (punctureRequestPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	v, ok := p.(PunctureRequestPayload)
	if !ok {
		return nil, fmt.Errorf("community: puncture-request: unexpected payload type %T", p)
	}
	w := wire.NewWriter()
	writeAddr(w, v.WalkedAddr)
	w.WriteExact([]byte{byte(v.Identifier >> 8), byte(v.Identifier)})
	return w.Bytes(), nil
}

func (punctureRequestPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	r := wire.NewReader(b)
	walked, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: puncture-request: %w", err)
	}
	idBytes, err := r.ReadExact(2)
	if err != nil {
		return nil, fmt.Errorf("community: puncture-request: %w", err)
	}
	return PunctureRequestPayload{WalkedAddr: walked, Identifier: uint16(idBytes[0])<<8 | uint16(idBytes[1])}, nil
}

type puncturePayloadMeta struct{}

func (puncturePayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	v, ok := p.(PuncturePayload)
	if !ok {
		return nil, fmt.Errorf("community: puncture: unexpected payload type %T", p)
	}
	w := wire.NewWriter()
	writeAddr(w, v.SourceLANAddr)
	writeAddr(w, v.SourceWANAddr)
	w.WriteExact([]byte{byte(v.Identifier >> 8), byte(v.Identifier)})
	return w.Bytes(), nil
}

func (puncturePayloadMeta) Decode(b []byte) (policy.Payload, error) {
	r := wire.NewReader(b)
	lan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: puncture: %w", err)
	}
	wan, err := readAddr(r)
	if err != nil {
		return nil, fmt.Errorf("community: puncture: %w", err)
	}
	idBytes, err := r.ReadExact(2)
	if err != nil {
		return nil, fmt.Errorf("community: puncture: %w", err)
	}
	return PuncturePayload{SourceLANAddr: lan, SourceWANAddr: wan, Identifier: uint16(idBytes[0])<<8 | uint16(idBytes[1])}, nil
}

// RegisterCoreMetas registers every built-in dispersy-* meta-message on
// o's table, wiring Check/OnAccept handlers back into o.Timeline and
// o.Members so admission of an authorize/revoke/identity/destroy-community
// message actually mutates overlay state.
func RegisterCoreMetas(o *Overlay, registry *member.Registry) error {
	cid := [20]byte(o.CID)

	identity := &meta.MetaMessage{
		Name:           "dispersy-identity",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingBin},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.LastSyncMeta{Direction: policy.DirectionASC, Priority: 16, HistorySize: 1},
		Destination:    policy.CommunityMeta{NodeCount: 10},
		Payload:        identityPayloadMeta{},
	}
	identity.OnAccept = func(impl *meta.Implementation) error {
		full, ok := impl.Author().(*member.Member)
		if !ok {
			return fmt.Errorf("community: dispersy-identity: author key missing from binding")
		}
		_, err := registry.Promote(full.MID(), full.PublicKey)
		return err
	}
	if err := o.Meta.RegisterOnce(identity); err != nil {
		return err
	}

	authorize := &meta.MetaMessage{
		Name:           "dispersy-authorize",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.FullSyncMeta{Direction: policy.DirectionASC, Priority: 16, EnableSequenceNumber: true},
		Destination:    policy.CommunityMeta{NodeCount: 10},
		Payload:        triplePayloadMeta{table: o.Meta, wrap: func(t []timeline.Triplet) policy.Payload { return AuthorizePayload{Triplets: t} }},
	}
	authorize.OnAccept = func(impl *meta.Implementation) error {
		p, ok := impl.Payload.(AuthorizePayload)
		if !ok {
			return fmt.Errorf("community: dispersy-authorize: unexpected payload type %T", impl.Payload)
		}
		grantedBy := impl.Author().MID()
		packet, _ := impl.Packet()
		o.Timeline.Authorize(p.Triplets, impl.GlobalTime(), grantedBy, packet)
		return nil
	}
	if err := o.Meta.RegisterOnce(authorize); err != nil {
		return err
	}

	revoke := &meta.MetaMessage{
		Name:           "dispersy-revoke",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.FullSyncMeta{Direction: policy.DirectionASC, Priority: 16, EnableSequenceNumber: true},
		Destination:    policy.CommunityMeta{NodeCount: 10},
		Payload:        triplePayloadMeta{table: o.Meta, wrap: func(t []timeline.Triplet) policy.Payload { return RevokePayload{Triplets: t} }},
	}
	revoke.OnAccept = func(impl *meta.Implementation) error {
		p, ok := impl.Payload.(RevokePayload)
		if !ok {
			return fmt.Errorf("community: dispersy-revoke: unexpected payload type %T", impl.Payload)
		}
		grantedBy := impl.Author().MID()
		packet, _ := impl.Packet()
		o.Timeline.Revoke(p.Triplets, impl.GlobalTime(), grantedBy, packet)
		return nil
	}
	if err := o.Meta.RegisterOnce(revoke); err != nil {
		return err
	}

	destroy := &meta.MetaMessage{
		Name:           "dispersy-destroy-community",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.LinearMeta{},
		Distribution:   policy.FullSyncMeta{Direction: policy.DirectionASC, Priority: 192},
		Destination:    policy.CommunityMeta{NodeCount: 10},
		Payload:        destroyPayloadMeta{},
	}
	destroy.OnAccept = func(impl *meta.Implementation) error {
		p, ok := impl.Payload.(DestroyCommunityPayload)
		if !ok {
			return fmt.Errorf("community: dispersy-destroy-community: unexpected payload type %T", impl.Payload)
		}
		packet, _ := impl.Packet()
		_, err := o.Destroy(packet, p.Hard)
		return err
	}
	if err := o.Meta.RegisterOnce(destroy); err != nil {
		return err
	}

	missingIdentity := &meta.MetaMessage{
		Name:           "dispersy-missing-identity",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        missingIdentityPayloadMeta{},
	}
	if err := o.Meta.RegisterOnce(missingIdentity); err != nil {
		return err
	}

	missingProof := &meta.MetaMessage{
		Name:           "dispersy-missing-proof",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        missingProofPayloadMeta{},
	}
	if err := o.Meta.RegisterOnce(missingProof); err != nil {
		return err
	}

	introRequest := &meta.MetaMessage{
		Name:           "dispersy-introduction-request",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        introRequestPayloadMeta{},
	}
	if err := o.Meta.RegisterOnce(introRequest); err != nil {
		return err
	}

	introResponse := &meta.MetaMessage{
		Name:           "dispersy-introduction-response",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        introResponsePayloadMeta{},
	}
	if err := o.Meta.RegisterOnce(introResponse); err != nil {
		return err
	}

	punctureRequest := &meta.MetaMessage{
		Name:           "dispersy-puncture-request",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        punctureRequestPayloadMeta{},
	}
	if err := o.Meta.RegisterOnce(punctureRequest); err != nil {
		return err
	}

	puncture := &meta.MetaMessage{
		Name:           "dispersy-puncture",
		CommunityCID:   cid,
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingSHA1},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.DirectMeta{},
		Destination:    policy.CommunityMeta{NodeCount: 1},
		Payload:        puncturePayloadMeta{},
	}
	return o.Meta.RegisterOnce(puncture)
}
