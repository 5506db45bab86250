// Package signature signs and verifies statements made by
// series owners. Keys are Ed25519: a series is named by its
// public key, so keys need a compact fixed width.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	sderrors "github.com/i5heu/samizdat/internal/errors"
)

// PublicKeySize is the width of a series public key.
const PublicKeySize = ed25519.PublicKeySize

// SignatureSize is the width of a well-formed signature.
const SignatureSize = ed25519.SignatureSize

// PublicKey names a series.
type PublicKey [PublicKeySize]byte

// Keypair is a series signing identity. The private half
// never leaves the node that generated it.
type Keypair struct {
	Public  PublicKey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (Keypair, error) { // A
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return Keypair{Public: pk, private: priv}, nil
}

// KeypairFromSeed rebuilds a keypair from the seed returned
// by Keypair.Seed.
func KeypairFromSeed(seed []byte) (Keypair, error) { // A
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf(
			"seed length %d, want %d",
			len(seed),
			ed25519.SeedSize,
		)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return Keypair{Public: pk, private: priv}, nil
}

// Seed returns the private seed. Callers must seal it
// before persisting.
func (k Keypair) Seed() []byte { // A
	if len(k.private) == 0 {
		return nil
	}
	return k.private.Seed()
}

// Sign signs msg. Signing never fails for a keypair built
// by this package; a zero Keypair yields a nil signature,
// which never verifies.
func (k Keypair) Sign(msg []byte) []byte { // A
	if len(k.private) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(k.private, msg)
}

// Verify reports whether sig is a valid signature of msg by
// pub. Malformed input yields false.
func Verify(pub PublicKey, msg, sig []byte) bool { // A
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub[:], msg, sig)
}

// VerifyErr is Verify returning ErrInvalidSignature on
// failure.
func VerifyErr(pub PublicKey, msg, sig []byte) error { // A
	if !Verify(pub, msg, sig) {
		return sderrors.ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey parses the hexadecimal form of a key.
func ParsePublicKey(s string) (PublicKey, error) { // A
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != PublicKeySize {
		return PublicKey{}, fmt.Errorf(
			"public key length %d, want %d",
			len(raw),
			PublicKeySize,
		)
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// String returns the hexadecimal form of the key.
func (p PublicKey) String() string { // A
	return hex.EncodeToString(p[:])
}

// Short is a log-friendly prefix of the key.
func (p PublicKey) Short() string { // A
	return p.String()[:16]
}

func (p PublicKey) IsZero() bool { // A
	return p == PublicKey{}
}
