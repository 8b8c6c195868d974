// Package wire implements the length-prefixed binary packet codec: a
// fixed header (version bytes, CID, meta tag), the
// authentication binding, the distribution header, the resolution and
// destination payloads, the user payload, and trailing signatures.
package wire

import (
	"crypto/ed25519"
	"fmt"

	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
)

// DispersyVersion is the current overlay/dispersy version byte.
const DispersyVersion byte = 0x00

// DropPacket is returned by Decode for any malformed or unverifiable
// input. Decoding never panics; every failure becomes a DropPacket.
type DropPacket struct {
	Reason string
}

func (e *DropPacket) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("wire: drop packet: %s", e.Reason)
}

func drop(reason string) *DropPacket { return &DropPacket{Reason: reason} }

// HeaderPrefixLen is the number of bytes before the meta tag: version,
// conversion version, and CID.
const HeaderPrefixLen = 1 + 1 + 20

// PeekCID extracts the community id from a raw packet without fully
// decoding it, so a multi-overlay dispatcher can route the packet to the
// right Codec before paying for a full decode.
func PeekCID(raw []byte) ([20]byte, error) {
	var cid [20]byte
	if len(raw) < HeaderPrefixLen {
		return cid, fmt.Errorf("wire: truncated header")
	}
	copy(cid[:], raw[2:22])
	return cid, nil
}

// Codec binds a wire encoder/decoder to one overlay: its CID, its
// meta-message table, its member registry (for resolving authentication
// bindings), its conversion version, and its signing/verification
// provider.
type Codec struct {
	CID               [20]byte
	ConversionVersion byte
	Table             *meta.Table
	Members           *member.Registry
	Provider          cryptoprovider.Provider
}

func NewCodec(cid [20]byte, conversionVersion byte, table *meta.Table, members *member.Registry, provider cryptoprovider.Provider) *Codec {
	return &Codec{CID: cid, ConversionVersion: conversionVersion, Table: table, Members: members, Provider: provider}
}

func signerCount(a policy.AuthenticationMeta) (int, error) {
	switch a.(type) {
	case policy.MemberAuthenticationMeta:
		return 1, nil
	case policy.DoubleMemberAuthenticationMeta:
		return 2, nil
	default:
		return 0, fmt.Errorf("wire: unknown authentication meta type %T", a)
	}
}

// PrefixForSigning returns the unsigned prefix bytes (wire steps 1-9) that
// an authentication signature covers. Callers coordinating a double-member
// signing handshake sign this value out of band and feed the resulting
// signatures back into the implementation's AuthenticationImpl before a
// final Encode.
func (c *Codec) PrefixForSigning(impl *meta.Implementation) ([]byte, error) {
	return c.encodePrefix(impl)
}

func (c *Codec) encodePrefix(impl *meta.Implementation) ([]byte, error) {
	if impl.Meta == nil {
		return nil, fmt.Errorf("wire: encode: nil meta message")
	}
	w := NewWriter()
	w.WriteU8(DispersyVersion)
	w.WriteU8(c.ConversionVersion)
	w.WriteExact(c.CID[:])
	w.WriteU8(impl.Meta.Tag)

	if err := encodeAuthBinding(w, impl.Authentication); err != nil {
		return nil, err
	}

	w.WriteU64BE(impl.Distribution.GlobalTime)
	if fs, ok := impl.Meta.Distribution.(policy.FullSyncMeta); ok && fs.EnableSequenceNumber {
		w.WriteU32BE(impl.Distribution.SequenceNumber)
	}

	if err := encodeResolution(w, impl.Resolution); err != nil {
		return nil, err
	}

	// Destination payload is always empty on the wire:
	// Community forwarding is resolved dynamically, and Member targets are
	// a local routing fact, never transmitted.

	if impl.Meta.Payload != nil && impl.Payload != nil {
		pb, err := impl.Meta.Payload.Encode(impl.Payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode payload: %w", err)
		}
		w.WriteExact(pb)
	}

	return w.Bytes(), nil
}

func encodeAuthBinding(w *Writer, auth policy.AuthenticationImpl) error {
	switch m := auth.Meta.(type) {
	case policy.MemberAuthenticationMeta:
		member0, ok := memberPublicBytes(auth.Members[0], m.Encoding)
		if !ok {
			return fmt.Errorf("wire: encode: member authentication: binding unavailable for encoding %v", m.Encoding)
		}
		w.WriteExact(member0)
	case policy.DoubleMemberAuthenticationMeta:
		for _, ml := range auth.Members {
			mid := ml.MID()
			w.WriteExact(mid[:])
		}
	default:
		return fmt.Errorf("wire: encode: unknown authentication meta type %T", auth.Meta)
	}
	return nil
}

// memberPublicBytes returns the wire binding bytes for a single-member
// authentication: the MID for sha1 encoding, or the full public key for
// bin encoding (requires a promoted *member.Member, not a DummyMember).
func memberPublicBytes(m member.MemberLike, enc policy.AuthEncoding) ([]byte, bool) {
	if enc == policy.EncodingSHA1 {
		mid := m.MID()
		return mid[:], true
	}
	full, ok := m.(*member.Member)
	if !ok || len(full.PublicKey) != ed25519.PublicKeySize {
		return nil, false
	}
	return []byte(full.PublicKey), true
}

func encodeResolution(w *Writer, res policy.ResolutionImpl) error {
	switch res.Meta.(type) {
	case policy.PublicMeta, policy.LinearMeta:
		return nil
	case policy.DynamicMeta:
		w.WriteU8(res.VariantIndex)
		return nil
	default:
		return fmt.Errorf("wire: encode: unknown resolution meta type %T", res.Meta)
	}
}

// Encode produces the final wire bytes for a fully-signed implementation
// and caches them on impl. A message whose authentication
// is not yet fully signed (an in-flight double-member message) cannot be
// encoded for dissemination; use PrefixForSigning for the signing
// handshake instead.
func (c *Codec) Encode(impl *meta.Implementation) ([]byte, error) {
	if cached, ok := impl.Packet(); ok {
		return cached, nil
	}
	if !impl.Authentication.CanForward() {
		return nil, fmt.Errorf("wire: encode: message is not fully signed")
	}
	prefix, err := c.encodePrefix(impl)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), prefix...)
	for _, sig := range impl.Authentication.Signatures {
		if len(sig) != cryptoprovider.SignatureSize {
			return nil, fmt.Errorf("wire: encode: signature has unexpected length %d", len(sig))
		}
		out = append(out, sig...)
	}
	impl.CachePacket(out)
	return out, nil
}

// Decode parses raw wire bytes into a message Implementation. It never
// panics: every malformed input produces a *DropPacket.
func (c *Codec) Decode(raw []byte) (*meta.Implementation, *DropPacket) {
	return c.decode(raw, true)
}

// DecodeNoVerify behaves like Decode but skips signature verification:
// the tracker reads a message's name and author for its stdout event
// protocol without requiring the signer's public key to have been
// observed yet. community.Overlay never calls this variant.
func (c *Codec) DecodeNoVerify(raw []byte) (*meta.Implementation, *DropPacket) {
	return c.decode(raw, false)
}

func (c *Codec) decode(raw []byte, verify bool) (*meta.Implementation, *DropPacket) {
	r := NewReader(raw)

	version, err := r.ReadU8()
	if err != nil {
		return nil, drop("truncated: missing version byte")
	}
	if version != DispersyVersion {
		return nil, drop("unsupported dispersy version")
	}

	conv, err := r.ReadU8()
	if err != nil {
		return nil, drop("truncated: missing conversion byte")
	}
	if conv != c.ConversionVersion {
		return nil, drop("unknown conversion version")
	}

	cidBytes, err := r.ReadExact(20)
	if err != nil {
		return nil, drop("truncated: missing CID")
	}
	var cid [20]byte
	copy(cid[:], cidBytes)
	if cid != c.CID {
		return nil, drop("unknown community")
	}

	tag, err := r.ReadU8()
	if err != nil {
		return nil, drop("truncated: missing meta tag")
	}
	metaMsg, ok := c.Table.ByTag(tag)
	if !ok {
		return nil, drop("unknown meta-message tag")
	}

	nSigners, serr := signerCount(metaMsg.Authentication)
	if serr != nil {
		return nil, drop(serr.Error())
	}
	footerLen := nSigners * cryptoprovider.SignatureSize
	if r.Remaining() < footerLen {
		return nil, drop("truncated: not enough bytes for signature footer")
	}

	members, derr := c.decodeAuthBinding(r, metaMsg.Authentication)
	if derr != nil {
		return nil, derr
	}

	globalTime, err := r.ReadU64BE()
	if err != nil {
		return nil, drop("truncated: missing global_time")
	}
	var seq uint32
	if fs, ok := metaMsg.Distribution.(policy.FullSyncMeta); ok && fs.EnableSequenceNumber {
		seq, err = r.ReadU32BE()
		if err != nil {
			return nil, drop("truncated: missing sequence number")
		}
	}
	dist, err := policy.NewDistributionImplementation(metaMsg.Distribution, globalTime, seq)
	if err != nil {
		return nil, drop(fmt.Sprintf("distribution: %v", err))
	}

	resImpl, derr2 := c.decodeResolution(r, metaMsg.Resolution)
	if derr2 != nil {
		return nil, derr2
	}

	prefixEnd := r.Pos()
	if r.Remaining() < footerLen {
		return nil, drop("truncated: payload/footer overlap")
	}
	payloadBytes := raw[prefixEnd : len(raw)-footerLen]
	sigBytes := raw[len(raw)-footerLen:]

	var payload policy.Payload
	if metaMsg.Payload != nil {
		p, perr := metaMsg.Payload.Decode(payloadBytes)
		if perr != nil {
			return nil, drop(fmt.Sprintf("payload decode: %v", perr))
		}
		payload = p
	} else if len(payloadBytes) != 0 {
		return nil, drop("unexpected payload bytes for meta with no payload codec")
	}

	sigs := make([][]byte, nSigners)
	for i := 0; i < nSigners; i++ {
		sigs[i] = append([]byte(nil), sigBytes[i*cryptoprovider.SignatureSize:(i+1)*cryptoprovider.SignatureSize]...)
	}

	prefix := raw[:prefixEnd+len(payloadBytes)]
	if verify {
		for i, ml := range members {
			full, ok := ml.(*member.Member)
			if !ok || len(full.PublicKey) != ed25519.PublicKeySize {
				return nil, drop("unknown signer identity: public key not yet observed")
			}
			if !c.Provider.Verify(full.PublicKey, prefix, sigs[i]) {
				return nil, drop("signature verification failed")
			}
		}
	}

	authImpl, aerr := policy.NewAuthenticationImplementation(metaMsg.Authentication, members, sigs)
	if aerr != nil {
		return nil, drop(aerr.Error())
	}

	destImpl, derr3 := policy.NewDestinationImplementation(metaMsg.Destination, nil)
	if derr3 != nil {
		// Member destinations require an explicit target list which the
		// wire format never carries (it is a local routing fact); callers
		// decoding such a message must attach targets out of band.
		destImpl = policy.DestinationImpl{Meta: metaMsg.Destination}
	}

	impl, ierr := meta.NewImplementation(metaMsg, authImpl, resImpl, dist, destImpl, payload)
	if ierr != nil {
		return nil, drop(ierr.Error())
	}
	impl.CachePacket(append([]byte(nil), raw...))
	return impl, nil
}

func (c *Codec) decodeAuthBinding(r *Reader, authMeta policy.AuthenticationMeta) ([]member.MemberLike, *DropPacket) {
	switch m := authMeta.(type) {
	case policy.MemberAuthenticationMeta:
		ml, err := c.decodeOneBinding(r, m.Encoding)
		if err != nil {
			return nil, err
		}
		return []member.MemberLike{ml}, nil
	case policy.DoubleMemberAuthenticationMeta:
		a, err := c.decodeOneBinding(r, policy.EncodingSHA1)
		if err != nil {
			return nil, err
		}
		b, err := c.decodeOneBinding(r, policy.EncodingSHA1)
		if err != nil {
			return nil, err
		}
		return []member.MemberLike{a, b}, nil
	default:
		return nil, drop(fmt.Sprintf("unknown authentication meta type %T", authMeta))
	}
}

func (c *Codec) decodeOneBinding(r *Reader, enc policy.AuthEncoding) (member.MemberLike, *DropPacket) {
	if enc == policy.EncodingSHA1 {
		b, err := r.ReadExact(20)
		if err != nil {
			return nil, drop("truncated: missing MID binding")
		}
		var mid member.MID
		copy(mid[:], b)
		return c.Members.GetByMID(mid), nil
	}
	b, err := r.ReadExact(ed25519.PublicKeySize)
	if err != nil {
		return nil, drop("truncated: missing public key binding")
	}
	m, merr := c.Members.GetOrCreate(append(ed25519.PublicKey(nil), b...))
	if merr != nil {
		return nil, drop(fmt.Sprintf("member registry: %v", merr))
	}
	return m, nil
}

func (c *Codec) decodeResolution(r *Reader, resMeta policy.ResolutionMeta) (policy.ResolutionImpl, *DropPacket) {
	switch resMeta.(type) {
	case policy.PublicMeta, policy.LinearMeta:
		impl, err := policy.NewResolutionImplementation(resMeta, 0)
		if err != nil {
			return policy.ResolutionImpl{}, drop(err.Error())
		}
		return impl, nil
	case policy.DynamicMeta:
		v, err := r.ReadU8()
		if err != nil {
			return policy.ResolutionImpl{}, drop("truncated: missing resolution variant byte")
		}
		impl, rerr := policy.NewResolutionImplementation(resMeta, v)
		if rerr != nil {
			return policy.ResolutionImpl{}, drop(rerr.Error())
		}
		return impl, nil
	default:
		return policy.ResolutionImpl{}, drop(fmt.Sprintf("unknown resolution meta type %T", resMeta))
	}
}
