package objectstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

const prefixPin = "object:pin:"

var errStopScan = errors.New("stop scan")

// Pin records that holder needs h kept. Pins are
// independent of bookmarks and of each other: an object
// stays out of eviction while it is bookmarked or has at
// least one pin.
func (s *Store) Pin(h address.ObjectHash, holder []byte) error { // A
	if len(holder) == 0 {
		return errors.New("pin holder must not be empty")
	}
	if err := s.kv.Set(pinKey(h, holder), nil); err != nil {
		return fmt.Errorf("pin %s: %w", h.Short(), err)
	}
	return nil
}

// Unpin drops the pin holder had on h.
func (s *Store) Unpin(h address.ObjectHash, holder []byte) error { // A
	if err := s.kv.Delete(pinKey(h, holder)); err != nil {
		return fmt.Errorf("unpin %s: %w", h.Short(), err)
	}
	return nil
}

// PinnedBy lists the objects holder has pinned.
func (s *Store) PinnedBy(holder []byte) ([]address.ObjectHash, error) { // A
	var out []address.ObjectHash
	err := s.kv.Scan([]byte(prefixPin), func(k, _ []byte) error {
		h, who, err := splitPinKey(k)
		if err != nil {
			return err
		}
		if bytes.Equal(who, holder) {
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pins: %w", err)
	}
	return out, nil
}

// IsPinned reports whether anyone holds a pin on h.
func (s *Store) IsPinned(h address.ObjectHash) (bool, error) { // A
	keys, err := s.pinKeys(h)
	return len(keys) > 0, err
}

// IsKept reports whether h is bookmarked or pinned.
func (s *Store) IsKept(h address.ObjectHash) (bool, error) { // A
	if ok, err := s.IsBookmarked(h); err != nil || ok {
		return ok, err
	}
	return s.IsPinned(h)
}

func (s *Store) pinKeys(h address.ObjectHash) ([][]byte, error) { // A
	var out [][]byte
	prefix := append([]byte(prefixPin), h[:]...)
	err := s.kv.Scan(prefix, func(k, _ []byte) error {
		out = append(out, bytes.Clone(k))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pins of %s: %w", h.Short(), err)
	}
	return out, nil
}

// pinnedSet collects every object with at least one pin.
func (s *Store) pinnedSet(into map[address.ObjectHash]struct{}) error { // A
	return s.kv.Scan([]byte(prefixPin), func(k, _ []byte) error {
		h, _, err := splitPinKey(k)
		if err != nil {
			return err
		}
		into[h] = struct{}{}
		return nil
	})
}

func deletePins(tx interfaces.ByteTxn, keys [][]byte) error { // A
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func pinKey(h address.ObjectHash, holder []byte) []byte { // A
	k := make([]byte, 0, len(prefixPin)+len(h)+len(holder))
	k = append(k, prefixPin...)
	k = append(k, h[:]...)
	return append(k, holder...)
}

func splitPinKey(k []byte) (address.ObjectHash, []byte, error) { // A
	var h address.ObjectHash
	raw := k[len(prefixPin):]
	if len(raw) <= len(h) {
		return h, nil, fmt.Errorf("malformed pin key length %d", len(raw))
	}
	copy(h[:], raw[:len(h)])
	return h, raw[len(h):], nil
}
