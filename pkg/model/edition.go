// Package model defines the records samizdat nodes store,
// sign and exchange.
package model

import (
	"fmt"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/signature"
)

// EditionContent is the unsigned claim about the state of a
// series. Timestamp is in Unix nanoseconds.
type EditionContent struct {
	Collection address.CollectionHash `cbor:"collection"`
	Timestamp  int64                  `cbor:"timestamp"`
	TTL        time.Duration          `cbor:"ttl"`
}

// SigningBytes is the canonical serialization covered by an
// edition signature.
func (c EditionContent) SigningBytes() ([]byte, error) { // A
	return codec.Marshal(c)
}

// Edition is an EditionContent signed by a series owner.
type Edition struct {
	Content   EditionContent      `cbor:"content"`
	Signature []byte              `cbor:"signature"`
	PublicKey signature.PublicKey `cbor:"public_key"`
	IsDraft   bool                `cbor:"is_draft"`
}

// NewEdition signs content with kp.
func NewEdition( // A
	kp signature.Keypair,
	content EditionContent,
	isDraft bool,
) (Edition, error) {
	msg, err := content.SigningBytes()
	if err != nil {
		return Edition{}, fmt.Errorf("encode edition content: %w", err)
	}
	return Edition{
		Content:   content,
		Signature: kp.Sign(msg),
		PublicKey: kp.Public,
		IsDraft:   isDraft,
	}, nil
}

// Verify checks the signature against the embedded public
// key.
func (e Edition) Verify() error { // A
	msg, err := e.Content.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: %w", sderrors.ErrInvalidSignature, err)
	}
	return signature.VerifyErr(e.PublicKey, msg, e.Signature)
}

// Time returns the edition timestamp.
func (e Edition) Time() time.Time { // A
	return time.Unix(0, e.Content.Timestamp)
}

// ExpiresAt is the instant after which the edition must be
// reconfirmed over the network before it is trusted again.
func (e Edition) ExpiresAt() time.Time { // A
	return e.Time().Add(e.Content.TTL)
}

// IsFresh reports whether now <= timestamp + ttl.
func (e Edition) IsFresh(now time.Time) bool { // A
	return !now.After(e.ExpiresAt())
}

// Supersedes reports whether e wins over other: greater
// timestamp, ties broken by the greater collection hash.
func (e Edition) Supersedes(other Edition) bool { // A
	if e.Content.Timestamp != other.Content.Timestamp {
		return e.Content.Timestamp > other.Content.Timestamp
	}
	return e.Content.Collection.Compare(other.Content.Collection) > 0
}

// EncodeEdition serializes e for storage or the wire.
func EncodeEdition(e Edition) ([]byte, error) { // A
	return codec.Marshal(e)
}

// DecodeEdition parses bytes produced by EncodeEdition.
func DecodeEdition(data []byte) (Edition, error) { // A
	return codec.Decode[Edition](data)
}
