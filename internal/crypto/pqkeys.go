package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

// PQKeyPair is a CRYSTALS-Kyber-1024 key pair. It plays no role in the four
// CryptoSuite variants the wire protocol requires; it exists as the
// extension point a future PQ handshake frame would use to agree a shared
// secret out-of-band before falling back to one of the symmetric suites
// above. Kept so that adding such a handshake later does not require
// pulling in a new dependency.
type PQKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GeneratePQKeyPair generates a new Kyber-1024 key pair.
func GeneratePQKeyPair() (*PQKeyPair, error) {
	scheme := kyber1024.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate kyber keypair: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal kyber public key: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal kyber private key: %w", err)
	}
	return &PQKeyPair{PublicKey: pubBytes, PrivateKey: privBytes}, nil
}

// Encapsulate performs Kyber encapsulation against a peer's public key,
// returning the ciphertext to send and the shared secret derived locally.
func Encapsulate(peerPublicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	scheme := kyber1024.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(peerPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: unmarshal peer public key: %w", err)
	}
	ct, ss, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: encapsulate: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext using the local
// private key.
func (kp *PQKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	scheme := kyber1024.Scheme()
	priv, err := scheme.UnmarshalBinaryPrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: unmarshal private key: %w", err)
	}
	ss, err := scheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decapsulate: %w", err)
	}
	return ss, nil
}
