// Package cryptoprovider is the narrow signing and checksum contract the
// rest of the module depends on, kept as an interface so a production
// deployment can swap in a hardware-backed implementation without
// touching policy or wire code.
package cryptoprovider

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Provider is the signing/verification/checksum surface the rest of the
// module depends on. Authentication signatures use the Sign/Verify pair;
// packet checksums and timeline proof-chain linkage use Checksum.
type Provider interface {
	Checksum(input []byte) [32]byte
	Sign(priv ed25519.PrivateKey, digest []byte) ([]byte, error)
	Verify(pub ed25519.PublicKey, digest, sig []byte) bool
}

// DevProvider is the default, software-only implementation. It makes no
// FIPS or HSM claims; it exists so the module is runnable without
// external key-management infrastructure.
type DevProvider struct{}

func (DevProvider) Checksum(input []byte) [32]byte {
	h := sha3.New256()
	_, _ = h.Write(input)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (DevProvider) Sign(priv ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("cryptoprovider: invalid private key size")
	}
	return ed25519.Sign(priv, digest), nil
}

func (DevProvider) Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// SignatureSize is the fixed-length signature size the wire codec needs
// to know up front.
const SignatureSize = ed25519.SignatureSize
