package wire

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	sderrors "github.com/i5heu/samizdat/internal/errors"
)

// HintSize is how many leading bytes of an object hash an
// object query reveals. Responders narrow their search with
// it; everyone else learns almost nothing.
const HintSize = 2

var replyDomain = []byte("samizdat.reply.v1")

// Riddle asks "which secret s has H(Rand || s) equal to
// Hash?" without naming s. Only a party that already knows
// the object hash or series key can answer it.
type Riddle struct { // A
	Rand [NonceSize]byte `cbor:"rand"`
	Hash [32]byte        `cbor:"hash"`
}

// NewRiddle draws a fresh Rand and poses a riddle for
// secret.
func NewRiddle(secret []byte) (Riddle, error) { // A
	var r Riddle
	if _, err := io.ReadFull(rand.Reader, r.Rand[:]); err != nil {
		return Riddle{}, fmt.Errorf("draw riddle nonce: %w", err)
	}
	r.Hash = r.solve(secret)
	return r, nil
}

func (r Riddle) solve(secret []byte) [32]byte { // A
	h := blake3.New()
	_, _ = h.Write(r.Rand[:])
	_, _ = h.Write(secret)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Resolves reports whether secret answers r.
func (r Riddle) Resolves(secret []byte) bool { // A
	return r.solve(secret) == r.Hash
}

// replyKey derives the key replies to r are sealed with.
// It differs from r.Hash, so the riddle itself does not
// unlock the reply.
func (r Riddle) replyKey(secret []byte) ([]byte, error) { // A
	h, err := blake3.NewKeyed(r.Rand[:])
	if err != nil {
		return nil, fmt.Errorf("reply key: %w", err)
	}
	_, _ = h.Write(replyDomain)
	_, _ = h.Write(secret)
	return h.Sum(nil), nil
}

// Seal encrypts plaintext for whoever posed r with the
// given secret. The output is nonce || ciphertext.
func (r Riddle) Seal(secret, plaintext []byte) ([]byte, error) { // A
	key, err := r.replyKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("reply cipher: %w", err)
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("draw reply nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, r.Hash[:]), nil
}

// Open decrypts a reply produced by Seal. A reply that
// does not open was not produced by a holder of secret and
// is reported as ErrHashMismatch.
func (r Riddle) Open(secret, sealed []byte) ([]byte, error) { // A
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed reply of %d bytes", sderrors.ErrHashMismatch, len(sealed))
	}
	key, err := r.replyKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("reply cipher: %w", err)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, r.Hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: reply does not open: %w", sderrors.ErrHashMismatch, err)
	}
	return plain, nil
}
