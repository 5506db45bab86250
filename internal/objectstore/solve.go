package objectstore

import (
	"errors"
	"fmt"

	"github.com/i5heu/samizdat/pkg/address"
)

// Solve finds a stored object whose hash starts with hint
// and that resolves accepts. Only the stats index is
// walked, so content is never read for a miss.
func (s *Store) Solve( // A
	hint []byte,
	resolves func(address.ObjectHash) bool,
) (address.ObjectHash, bool, error) {
	var (
		found address.ObjectHash
		ok    bool
	)
	prefix := append([]byte(prefixStats), hint...)
	err := s.kv.Scan(prefix, func(key, _ []byte) error {
		var h address.ObjectHash
		if len(key) != len(prefixStats)+len(h) {
			return nil
		}
		copy(h[:], key[len(prefixStats):])
		if resolves(h) {
			found, ok = h, true
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return address.ObjectHash{}, false, fmt.Errorf("solve riddle: %w", err)
	}
	return found, ok, nil
}
