// Package address derives the identifiers samizdat uses to
// name content: ObjectHash for immutable blobs and
// CollectionHash for manifests of named blobs.
package address

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the width in bytes of every samizdat hash.
const Size = 64

type digest [Size]byte

// ObjectHash identifies an immutable blob by its content.
type ObjectHash digest

// CollectionHash identifies a collection manifest. A
// manifest is stored as an object, so the two share an
// address space.
type CollectionHash digest

// HashObject computes the ObjectHash of data: the 512-bit
// BLAKE3 digest.
func HashObject(data []byte) ObjectHash { // A
	return ObjectHash(blake3.Sum512(data))
}

func parseDigest(s string) (digest, error) { // A
	var d digest
	if len(s) != 2*Size {
		return d, fmt.Errorf("want %d hex characters, got %d", 2*Size, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, err
	}
	return d, nil
}

// ParseObjectHash parses the hexadecimal form produced by
// ObjectHash.String.
func ParseObjectHash(s string) (ObjectHash, error) { // A
	h, err := parseDigest(s)
	if err != nil {
		return ObjectHash{}, fmt.Errorf(
			"parse object hash: %w", err,
		)
	}
	return ObjectHash(h), nil
}

// ParseCollectionHash parses the hexadecimal form produced
// by CollectionHash.String.
func ParseCollectionHash(s string) (CollectionHash, error) { // A
	h, err := parseDigest(s)
	if err != nil {
		return CollectionHash{}, fmt.Errorf(
			"parse collection hash: %w", err,
		)
	}
	return CollectionHash(h), nil
}

// String returns the hexadecimal form of the hash.
func (h ObjectHash) String() string { // A
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the raw digest.
func (h ObjectHash) Bytes() []byte { // A
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// IsZero reports whether h is the zero hash.
func (h ObjectHash) IsZero() bool { // A
	return h == ObjectHash{}
}

// Compare orders hashes bytewise.
func (h ObjectHash) Compare(other ObjectHash) int { // A
	return bytes.Compare(h[:], other[:])
}

// Short is a log-friendly prefix of the hex form.
func (h ObjectHash) Short() string { // A
	return h.String()[:16]
}

// Collection reinterprets h as the hash of a manifest.
func (h ObjectHash) Collection() CollectionHash { // A
	return CollectionHash(h)
}

func (h CollectionHash) String() string { // A
	return hex.EncodeToString(h[:])
}

func (h CollectionHash) Bytes() []byte { // A
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

func (h CollectionHash) IsZero() bool { // A
	return h == CollectionHash{}
}

// Compare orders collection hashes bytewise. The edition
// tie-break depends on this order.
func (h CollectionHash) Compare(other CollectionHash) int { // A
	return bytes.Compare(h[:], other[:])
}

func (h CollectionHash) Short() string { // A
	return h.String()[:16]
}

// Object returns the ObjectHash under which the manifest
// itself is stored.
func (h CollectionHash) Object() ObjectHash { // A
	return ObjectHash(h)
}
