// Package crypto implements the CryptoSuite abstraction: key derivation
// plus the encrypt/decrypt primitives shared by the frame codec on both
// transports.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifies which CryptoSuite variant is in use.
type Algorithm string

const (
	ChaCha20Poly1305 Algorithm = "chacha20poly1305"
	Aes256Gcm        Algorithm = "aes256gcm"
	Xor              Algorithm = "xor"
	Plain            Algorithm = "plain"
)

const nonceSize = 12 // 96 bits.

// Suite is the injected, stateless cryptographic primitive used by the
// frame codec. It has no mutable state and is safe for concurrent use by
// both the control session and the P2P service.
type Suite interface {
	Algorithm() Algorithm
	// Encrypt returns the sealed box: for AEADs, nonce(12) || ciphertext || tag(16).
	Encrypt(plaintext []byte) ([]byte, error)
	// Decrypt reverses Encrypt. AEAD tag failure is fatal.
	Decrypt(sealed []byte) ([]byte, error)
}

// FromConfig parses "<alg>:<key>[:<salt>[:<info>]]" and constructs the
// corresponding Suite. <alg> is one of chacha20/chacha20poly1305,
// aes256/aes256gcm, xor, or absent (empty string), which selects Plain.
// For the AEADs, the binary key is SHA-256(utf8(key)) unless salt is
// supplied, in which case it is HKDF-SHA256(key, salt, info) instead; xor
// uses the raw key bytes and ignores any salt/info fields.
func FromConfig(config string) (Suite, error) {
	if config == "" {
		return plainSuite{}, nil
	}

	fields := strings.SplitN(config, ":", 4)
	alg, key := fields[0], ""
	if len(fields) < 2 {
		return nil, fmt.Errorf("crypto: malformed config %q, expected alg:key", config)
	}
	key = fields[1]
	var salt, info string
	if len(fields) > 2 {
		salt = fields[2]
	}
	if len(fields) > 3 {
		info = fields[3]
	}

	switch strings.ToLower(alg) {
	case "chacha20", "chacha20poly1305":
		return newAEADSuite(ChaCha20Poly1305, key, salt, info, chacha20poly1305.New)
	case "aes256", "aes256gcm":
		return newAEADSuite(Aes256Gcm, key, salt, info, newAESGCM)
	case "xor":
		if key == "" {
			return nil, errors.New("crypto: xor requires a non-empty key")
		}
		return xorSuite{key: []byte(key)}, nil
	case "":
		return plainSuite{}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown algorithm %q", alg)
	}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey applies HKDF-SHA256 to a config-supplied key using the given
// salt and info, for deployments that want a derived key instead of a bare
// SHA-256 of the config string.
func DeriveKey(key, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, key, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return out, nil
}

// --- AEAD suites (ChaCha20Poly1305, Aes256Gcm) ---

type aeadSuite struct {
	alg  Algorithm
	aead cipher.AEAD
}

// newAEADSuite derives the AEAD key from key, defaulting to SHA-256(key)
// when salt is empty, or HKDF-SHA256(key, salt, info) when a salt is
// supplied by the config string.
func newAEADSuite(alg Algorithm, key, salt, info string, build func([]byte) (cipher.AEAD, error)) (Suite, error) {
	var keyBytes []byte
	if salt == "" {
		sum := sha256.Sum256([]byte(key))
		keyBytes = sum[:]
	} else {
		derived, err := DeriveKey([]byte(key), []byte(salt), []byte(info), sha256.Size)
		if err != nil {
			return nil, fmt.Errorf("crypto: derive key for %s: %w", alg, err)
		}
		keyBytes = derived
	}

	aead, err := build(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: build %s: %w", alg, err)
	}
	return aeadSuite{alg: alg, aead: aead}, nil
}

func (s aeadSuite) Algorithm() Algorithm { return s.alg }

func (s aeadSuite) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (s aeadSuite) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("crypto: sealed box shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead open: %w", err)
	}
	return plaintext, nil
}

// --- Xor suite: keystream cipher, no integrity ---

type xorSuite struct {
	key []byte
}

func (xorSuite) Algorithm() Algorithm { return Xor }

func (s xorSuite) Encrypt(plaintext []byte) ([]byte, error) {
	return s.apply(plaintext), nil
}

func (s xorSuite) Decrypt(sealed []byte) ([]byte, error) {
	return s.apply(sealed), nil
}

func (s xorSuite) apply(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ s.key[i%len(s.key)]
	}
	return out
}

// --- Plain suite: identity transform ---

type plainSuite struct{}

func (plainSuite) Algorithm() Algorithm { return Plain }

func (plainSuite) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (plainSuite) Decrypt(sealed []byte) ([]byte, error) {
	out := make([]byte, len(sealed))
	copy(out, sealed)
	return out, nil
}
