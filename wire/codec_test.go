package wire

import (
	"bytes"
	"testing"

	"github.com/dispersyd/overlay/cryptoprovider"
	"github.com/dispersyd/overlay/member"
	"github.com/dispersyd/overlay/meta"
	"github.com/dispersyd/overlay/policy"
)

type textPayload struct{ s string }

type textPayloadMeta struct{}

func (textPayloadMeta) Encode(p policy.Payload) ([]byte, error) {
	return []byte(p.(textPayload).s), nil
}

func (textPayloadMeta) Decode(b []byte) (policy.Payload, error) {
	return textPayload{s: string(b)}, nil
}

type memStore struct {
	byMID map[member.MID][]byte
	ids   map[member.MID]int64
	next  int64
}

func newMemStore() *memStore {
	return &memStore{byMID: make(map[member.MID][]byte), ids: make(map[member.MID]int64)}
}

func (s *memStore) PutMember(mid member.MID, pubkey []byte, dbID int64) error {
	s.byMID[mid] = append([]byte(nil), pubkey...)
	s.ids[mid] = dbID
	return nil
}

func (s *memStore) GetMemberByMID(mid member.MID) ([]byte, int64, bool, error) {
	pk, ok := s.byMID[mid]
	if !ok {
		return nil, 0, false, nil
	}
	return pk, s.ids[mid], true, nil
}

func (s *memStore) NextMemberID() (int64, error) {
	s.next++
	return s.next, nil
}

func newTestCodec(t *testing.T) (*Codec, *member.Registry, *member.Member) {
	t.Helper()
	reg := member.NewRegistry(newMemStore())
	m, err := reg.NewRandomMember(member.StrengthMedium)
	if err != nil {
		t.Fatalf("NewRandomMember: %v", err)
	}

	table := meta.NewTable()
	msg := &meta.MetaMessage{
		Name:           "text-message",
		Authentication: policy.MemberAuthenticationMeta{Encoding: policy.EncodingBin},
		Resolution:     policy.PublicMeta{},
		Distribution:   policy.FullSyncMeta{Direction: policy.DirectionASC, Priority: 128, Pruning: policy.NoPruningMeta{}},
		Destination:    policy.CommunityMeta{NodeCount: 10},
		Payload:        textPayloadMeta{},
	}
	if err := table.RegisterOnce(msg); err != nil {
		t.Fatalf("RegisterOnce: %v", err)
	}

	var cid [20]byte
	copy(cid[:], []byte("test-community-cid!!"))
	codec := NewCodec(cid, 1, table, reg, cryptoprovider.DevProvider{})
	return codec, reg, m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec, _, m := newTestCodec(t)
	msg, _ := codec.Table.ByName("text-message")

	auth, err := policy.NewAuthenticationImplementation(msg.Authentication, []member.MemberLike{m}, [][]byte{nil})
	if err != nil {
		t.Fatalf("NewAuthenticationImplementation: %v", err)
	}
	dist, err := policy.NewDistributionImplementation(msg.Distribution, 42, 0)
	if err != nil {
		t.Fatalf("NewDistributionImplementation: %v", err)
	}
	res, err := policy.NewResolutionImplementation(msg.Resolution, 0)
	if err != nil {
		t.Fatalf("NewResolutionImplementation: %v", err)
	}
	dest, err := policy.NewDestinationImplementation(msg.Destination, nil)
	if err != nil {
		t.Fatalf("NewDestinationImplementation: %v", err)
	}
	impl, err := meta.NewImplementation(msg, auth, res, dist, dest, textPayload{s: "hello overlay"})
	if err != nil {
		t.Fatalf("NewImplementation: %v", err)
	}

	prefix, err := codec.PrefixForSigning(impl)
	if err != nil {
		t.Fatalf("PrefixForSigning: %v", err)
	}
	sig, err := codec.Provider.Sign(m.PrivateKey, prefix)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signedAuth, err := auth.WithSignature(0, sig)
	if err != nil {
		t.Fatalf("WithSignature: %v", err)
	}
	impl.Authentication = signedAuth

	raw, err := codec.Encode(impl)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	gotCID, err := PeekCID(raw)
	if err != nil {
		t.Fatalf("PeekCID: %v", err)
	}
	if gotCID != codec.CID {
		t.Fatalf("PeekCID mismatch")
	}

	decoded, drop := codec.Decode(raw)
	if drop != nil {
		t.Fatalf("Decode: %v", drop)
	}
	if decoded.GlobalTime() != 42 {
		t.Fatalf("GlobalTime = %d, want 42", decoded.GlobalTime())
	}
	tp, ok := decoded.Payload.(textPayload)
	if !ok || tp.s != "hello overlay" {
		t.Fatalf("payload mismatch: %#v", decoded.Payload)
	}
	if decoded.Author().MID() != m.MID() {
		t.Fatalf("author mismatch")
	}
}

func TestEncodeRejectsUnsignedMessage(t *testing.T) {
	codec, _, m := newTestCodec(t)
	msg, _ := codec.Table.ByName("text-message")

	auth, err := policy.NewAuthenticationImplementation(msg.Authentication, []member.MemberLike{m}, [][]byte{nil})
	if err != nil {
		t.Fatalf("NewAuthenticationImplementation: %v", err)
	}
	dist, _ := policy.NewDistributionImplementation(msg.Distribution, 1, 0)
	res, _ := policy.NewResolutionImplementation(msg.Resolution, 0)
	dest, _ := policy.NewDestinationImplementation(msg.Destination, nil)
	impl, err := meta.NewImplementation(msg, auth, res, dist, dest, textPayload{s: "x"})
	if err != nil {
		t.Fatalf("NewImplementation: %v", err)
	}
	if _, err := codec.Encode(impl); err == nil {
		t.Fatalf("expected error encoding unsigned message")
	}
}

func TestDecodeRejectsUnknownCID(t *testing.T) {
	codec, _, _ := newTestCodec(t)
	raw := make([]byte, HeaderPrefixLen+1)
	raw[0] = DispersyVersion
	raw[1] = codec.ConversionVersion
	copy(raw[2:22], bytes.Repeat([]byte{0xAB}, 20))
	_, drop := codec.Decode(raw)
	if drop == nil {
		t.Fatalf("expected drop for unknown CID")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	codec, _, _ := newTestCodec(t)
	raw := make([]byte, HeaderPrefixLen+1)
	raw[0] = 0x7F
	_, drop := codec.Decode(raw)
	if drop == nil {
		t.Fatalf("expected drop for unsupported version")
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	codec, _, m := newTestCodec(t)
	msg, _ := codec.Table.ByName("text-message")
	auth, _ := policy.NewAuthenticationImplementation(msg.Authentication, []member.MemberLike{m}, [][]byte{nil})
	dist, _ := policy.NewDistributionImplementation(msg.Distribution, 7, 0)
	res, _ := policy.NewResolutionImplementation(msg.Resolution, 0)
	dest, _ := policy.NewDestinationImplementation(msg.Destination, nil)
	impl, _ := meta.NewImplementation(msg, auth, res, dist, dest, textPayload{s: "abc"})

	prefix, _ := codec.PrefixForSigning(impl)
	sig, _ := codec.Provider.Sign(m.PrivateKey, prefix)
	signedAuth, _ := auth.WithSignature(0, sig)
	impl.Authentication = signedAuth

	raw, err := codec.Encode(impl)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF

	_, drop := codec.Decode(raw)
	if drop == nil {
		t.Fatalf("expected drop for tampered signature")
	}
}
