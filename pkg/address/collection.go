package address

import (
	"fmt"
	"sort"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/codec"
)

const manifestVersion = 1

// Entry binds a path inside a collection to an object.
type Entry struct {
	Path string     `cbor:"path"`
	Hash ObjectHash `cbor:"hash"`
}

// Manifest is the self-describing object a CollectionHash
// names. Entries are sorted by path and paths are unique.
type Manifest struct {
	Version uint8   `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

// NewManifest normalizes and sorts entries. Duplicate paths
// after normalization are rejected.
func NewManifest(entries []Entry) (Manifest, error) { // A
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		p, err := NormalizePath(e.Path)
		if err != nil {
			return Manifest{}, err
		}
		if _, dup := seen[p]; dup {
			return Manifest{}, fmt.Errorf(
				"%w: %s", sderrors.ErrDuplicatePath, p,
			)
		}
		seen[p] = struct{}{}
		out = append(out, Entry{Path: p, Hash: e.Hash})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})
	return Manifest{Version: manifestVersion, Entries: out}, nil
}

// Encode returns the canonical serialization of m.
func (m Manifest) Encode() ([]byte, error) { // A
	return codec.Marshal(m)
}

// Lookup finds the object stored under an already
// normalized path.
func (m Manifest) Lookup(path string) (ObjectHash, bool) { // A
	i := sort.Search(len(m.Entries), func(i int) bool {
		return m.Entries[i].Path >= path
	})
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i].Hash, true
	}
	return ObjectHash{}, false
}

// Inventory returns the path to hash mapping of m.
func (m Manifest) Inventory() map[string]ObjectHash { // A
	inv := make(map[string]ObjectHash, len(m.Entries))
	for _, e := range m.Entries {
		inv[e.Path] = e.Hash
	}
	return inv
}

// DecodeManifest parses manifest bytes and re-checks that
// paths are sorted, unique and normalized. The bytes may
// come from an untrusted peer.
func DecodeManifest(data []byte) (Manifest, error) { // A
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return Manifest{}, fmt.Errorf(
			"unsupported manifest version %d", m.Version,
		)
	}
	for i, e := range m.Entries {
		p, err := NormalizePath(e.Path)
		if err != nil {
			return Manifest{}, err
		}
		if p != e.Path {
			return Manifest{}, fmt.Errorf(
				"%w: non-canonical path %q",
				sderrors.ErrInvalidPath,
				e.Path,
			)
		}
		if i > 0 && m.Entries[i-1].Path >= e.Path {
			return Manifest{}, fmt.Errorf(
				"%w: manifest entries out of order at %q",
				sderrors.ErrDuplicatePath,
				e.Path,
			)
		}
	}
	return m, nil
}

// HashCollection returns the CollectionHash of entries
// together with the manifest bytes it was derived from.
// The result does not depend on the order of entries.
func HashCollection(entries []Entry) (CollectionHash, []byte, error) { // A
	m, err := NewManifest(entries)
	if err != nil {
		return CollectionHash{}, nil, err
	}
	data, err := m.Encode()
	if err != nil {
		return CollectionHash{}, nil, err
	}
	return HashObject(data).Collection(), data, nil
}
