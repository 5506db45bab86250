package objectstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/model"
)

// VacuumStatus reports the outcome of a Vacuum pass.
type VacuumStatus int

const (
	// VacuumUnnecessary means the store was already within
	// its byte budget.
	VacuumUnnecessary VacuumStatus = iota
	// VacuumDone means objects were evicted until the store
	// fit the budget.
	VacuumDone
	// VacuumInsufficient means every evictable object was
	// removed and the store is still over budget.
	VacuumInsufficient
)

func (v VacuumStatus) String() string { // A
	switch v {
	case VacuumUnnecessary:
		return "unnecessary"
	case VacuumDone:
		return "done"
	case VacuumInsufficient:
		return "insufficient"
	default:
		return fmt.Sprintf("VacuumStatus(%d)", int(v))
	}
}

type vacuumCandidate struct {
	hash       address.ObjectHash
	usefulness float64
}

// Vacuum evicts the least useful objects until the total
// stored size fits the byte budget. Objects that IsKept
// reports, or that are leased, survive.
func (s *Store) Vacuum(ctx context.Context) (VacuumStatus, error) { // A
	if s.budget <= 0 || s.TotalSize() <= s.budget {
		return VacuumUnnecessary, nil
	}

	candidates, err := s.evictionCandidates()
	if err != nil {
		return VacuumUnnecessary, err
	}

	var evicted int
	for _, c := range candidates {
		if s.TotalSize() <= s.budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return VacuumUnnecessary, err
		}
		if s.isLeased(c.hash) {
			continue
		}
		ok, err := s.Delete(ctx, c.hash)
		if err != nil {
			return VacuumUnnecessary, fmt.Errorf("evict %s: %w", c.hash.Short(), err)
		}
		if ok {
			evicted++
		}
	}

	status := VacuumDone
	if s.TotalSize() > s.budget {
		status = VacuumInsufficient
	}
	s.logger.InfoContext(ctx, "vacuum finished",
		"status", status.String(),
		"evicted", evicted,
		"totalSize", s.TotalSize(),
		"budget", s.budget)
	return status, nil
}

// evictionCandidates lists objects that are neither
// bookmarked nor pinned, least useful first.
func (s *Store) evictionCandidates() ([]vacuumCandidate, error) { // A
	pinned := make(map[address.ObjectHash]struct{})
	err := s.kv.Scan([]byte(prefixBookmark), func(k, _ []byte) error {
		h, err := hashFromKey(k, prefixBookmark)
		if err != nil {
			return err
		}
		pinned[h] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan bookmarks: %w", err)
	}
	if err := s.pinnedSet(pinned); err != nil {
		return nil, fmt.Errorf("scan pins: %w", err)
	}

	now := s.clock.Now()
	var out []vacuumCandidate
	err = s.kv.Scan([]byte(prefixStats), func(k, v []byte) error {
		h, err := hashFromKey(k, prefixStats)
		if err != nil {
			return err
		}
		if _, ok := pinned[h]; ok {
			return nil
		}
		var st model.ObjectStats
		if err := codec.Unmarshal(v, &st); err != nil {
			return sderrors.Storage(err)
		}
		out = append(out, vacuumCandidate{
			hash:       h,
			usefulness: st.ByteUsefulness(now, s.prior),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].usefulness != out[j].usefulness {
			return out[i].usefulness < out[j].usefulness
		}
		return out[i].hash.Compare(out[j].hash) < 0
	})
	return out, nil
}

// RunVacuum calls Vacuum every interval until ctx is done.
func (s *Store) RunVacuum(ctx context.Context, interval time.Duration) { // A
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Vacuum(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "vacuum failed", "error", err)
			}
		}
	}
}

func hashFromKey(k []byte, prefix string) (address.ObjectHash, error) { // A
	var h address.ObjectHash
	raw := k[len(prefix):]
	if len(raw) != len(h) {
		return h, sderrors.Storage(
			fmt.Errorf("malformed key length %d", len(raw)),
		)
	}
	copy(h[:], raw)
	return h, nil
}
