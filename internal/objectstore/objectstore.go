// Package objectstore is the node-local, content-addressed
// cache of immutable blobs. Bodies are zstd-compressed at
// rest; each object carries usage statistics that drive
// eviction under a byte budget.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
)

const (
	prefixContent  = "object:content:"
	prefixStats    = "object:stats:"
	prefixBookmark = "object:bookmark:"

	logKeyHash     = "hash"
	logKeySize     = "size"
	logKeyExpected = "expected"
	logKeyActual   = "actual"
)

// Config configures a Store.
type Config struct {
	Store  interfaces.ByteStore
	Clock  clock.Clock
	Logger *slog.Logger
	// ByteBudget is the total content size Vacuum evicts
	// down to. Zero disables eviction.
	ByteBudget int64
	// MaxObjectSize bounds a single object. Zero means
	// unbounded.
	MaxObjectSize int64
	UsePrior      model.UsePrior
}

// Store implements the object cache.
type Store struct {
	kv      interfaces.ByteStore
	clock   clock.Clock
	logger  *slog.Logger
	budget  int64
	maxSize int64
	prior   model.UsePrior

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	writes    singleflight.Group
	totalSize atomic.Int64

	leaseMu sync.Mutex
	leases  map[address.ObjectHash]int
}

// New opens the object store and recomputes the total
// stored size from the statistics records.
func New(cfg Config) (*Store, error) { // A
	if cfg.Store == nil {
		return nil, errors.New("byte store must not be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.UsePrior == (model.UsePrior{}) {
		cfg.UsePrior = model.DefaultUsePrior()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		kv:      cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		budget:  cfg.ByteBudget,
		maxSize: cfg.MaxObjectSize,
		prior:   cfg.UsePrior,
		encoder: enc,
		decoder: dec,
		leases:  make(map[address.ObjectHash]int),
	}
	if err := s.recalcTotalSize(); err != nil {
		dec.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the codec resources.
func (s *Store) Close() { // A
	s.decoder.Close()
	_ = s.encoder.Close()
}

func (s *Store) recalcTotalSize() error { // A
	var total int64
	err := s.kv.Scan([]byte(prefixStats), func(_, v []byte) error {
		var st model.ObjectStats
		if err := codec.Unmarshal(v, &st); err != nil {
			return sderrors.Storage(err)
		}
		total += st.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("recalc total size: %w", err)
	}
	s.totalSize.Store(total)
	return nil
}

// Put stores data and returns its hash. Re-inserting bytes
// that are already present only touches their statistics.
func (s *Store) Put( // A
	ctx context.Context,
	data []byte,
) (address.ObjectHash, error) {
	h := address.HashObject(data)
	return h, s.admit(ctx, h, data, 0)
}

// Admit stores data received for expected, but only if
// data hashes to expected. queryDuration records how long
// the network fetch took.
func (s *Store) Admit( // A
	ctx context.Context,
	expected address.ObjectHash,
	data []byte,
	queryDuration time.Duration,
) error {
	actual := address.HashObject(data)
	if actual != expected {
		s.logger.WarnContext(ctx, "refusing object with mismatched hash",
			logKeyExpected, expected.Short(),
			logKeyActual, actual.Short())
		return fmt.Errorf(
			"%w: expected %s, got %s",
			sderrors.ErrHashMismatch,
			expected.Short(),
			actual.Short(),
		)
	}
	return s.admit(ctx, expected, data, queryDuration)
}

func (s *Store) admit( // A
	ctx context.Context,
	h address.ObjectHash,
	data []byte,
	queryDuration time.Duration,
) error {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return fmt.Errorf(
			"%w: %d > %d",
			sderrors.ErrObjectTooLarge,
			len(data),
			s.maxSize,
		)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err, _ := s.writes.Do(string(h[:]), func() (any, error) {
		return nil, s.write(ctx, h, data, queryDuration)
	})
	return err
}

// write persists content and statistics in one
// transaction so readers never observe a torn object.
func (s *Store) write( // A
	ctx context.Context,
	h address.ObjectHash,
	data []byte,
	queryDuration time.Duration,
) error {
	compressed := s.encoder.EncodeAll(data, nil)
	now := s.clock.Now()

	var created bool
	err := s.kv.Update(func(tx interfaces.ByteTxn) error {
		created = false
		raw, err := tx.Get(statsKey(h))
		switch {
		case err == nil:
			var st model.ObjectStats
			if err := codec.Unmarshal(raw, &st); err != nil {
				return sderrors.Storage(err)
			}
			st.Touch(now)
			return putStats(tx, h, st)
		case errors.Is(err, sderrors.ErrNotFound):
		default:
			return err
		}

		if err := tx.Set(contentKey(h), compressed); err != nil {
			return err
		}
		created = true
		return putStats(tx, h, model.NewObjectStats(
			int64(len(data)), now, queryDuration,
		))
	})
	if err != nil {
		return fmt.Errorf("write object %s: %w", h.Short(), err)
	}
	if created {
		s.totalSize.Add(int64(len(data)))
		s.logger.DebugContext(ctx, "object stored",
			logKeyHash, h.Short(),
			logKeySize, len(data))
	}
	return nil
}

// Get returns the content stored under h and records the
// access. The boolean is false when h is not stored.
func (s *Store) Get( // A
	ctx context.Context,
	h address.ObjectHash,
) ([]byte, bool, error) {
	data, ok, err := s.read(h)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := s.touch(h); err != nil {
		s.logger.WarnContext(ctx, "touch object failed",
			logKeyHash, h.Short(),
			"error", err)
	}
	return data, true, nil
}

// Peek returns content without recording an access.
func (s *Store) Peek( // A
	h address.ObjectHash,
) ([]byte, bool, error) {
	return s.read(h)
}

func (s *Store) read( // A
	h address.ObjectHash,
) ([]byte, bool, error) {
	compressed, err := s.kv.Get(contentKey(h))
	if errors.Is(err, sderrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read object %s: %w", h.Short(), err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, sderrors.Storage(
			fmt.Errorf("decompress object %s: %w", h.Short(), err),
		)
	}
	return data, true, nil
}

func (s *Store) touch(h address.ObjectHash) error { // A
	now := s.clock.Now()
	return s.kv.Update(func(tx interfaces.ByteTxn) error {
		raw, err := tx.Get(statsKey(h))
		if errors.Is(err, sderrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var st model.ObjectStats
		if err := codec.Unmarshal(raw, &st); err != nil {
			return sderrors.Storage(err)
		}
		st.Touch(now)
		return putStats(tx, h, st)
	})
}

// Has reports whether h is stored locally.
func (s *Store) Has(h address.ObjectHash) (bool, error) { // A
	_, err := s.kv.Get(statsKey(h))
	if errors.Is(err, sderrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes h locally and reports whether anything
// was removed.
func (s *Store) Delete( // A
	ctx context.Context,
	h address.ObjectHash,
) (bool, error) {
	pins, err := s.pinKeys(h)
	if err != nil {
		return false, err
	}
	var removed int64 = -1
	err = s.kv.Update(func(tx interfaces.ByteTxn) error {
		removed = -1
		raw, err := tx.Get(statsKey(h))
		if errors.Is(err, sderrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var st model.ObjectStats
		if err := codec.Unmarshal(raw, &st); err != nil {
			return sderrors.Storage(err)
		}
		for _, k := range [][]byte{contentKey(h), statsKey(h), bookmarkKey(h)} {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		if err := deletePins(tx, pins); err != nil {
			return err
		}
		removed = st.Size
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete object %s: %w", h.Short(), err)
	}
	if removed < 0 {
		return false, nil
	}
	s.totalSize.Add(-removed)
	s.logger.DebugContext(ctx, "object deleted", logKeyHash, h.Short())
	return true, nil
}

// Stats returns the usage record of h.
func (s *Store) Stats( // A
	h address.ObjectHash,
) (model.ObjectStats, bool, error) {
	raw, err := s.kv.Get(statsKey(h))
	if errors.Is(err, sderrors.ErrNotFound) {
		return model.ObjectStats{}, false, nil
	}
	if err != nil {
		return model.ObjectStats{}, false, err
	}
	var st model.ObjectStats
	if err := codec.Unmarshal(raw, &st); err != nil {
		return model.ObjectStats{}, false, sderrors.Storage(err)
	}
	return st, true, nil
}

// ByteUsefulness returns the current usefulness score of h.
func (s *Store) ByteUsefulness( // A
	h address.ObjectHash,
) (float64, bool, error) {
	st, ok, err := s.Stats(h)
	if err != nil || !ok {
		return 0, ok, err
	}
	return st.ByteUsefulness(s.clock.Now(), s.prior), true, nil
}

// Bookmark sets or clears the user bookmark on h.
// Bookmarked objects are never evicted.
func (s *Store) Bookmark( // A
	h address.ObjectHash,
	on bool,
) error {
	return s.kv.Update(func(tx interfaces.ByteTxn) error {
		if _, err := tx.Get(statsKey(h)); err != nil {
			return err
		}
		if on {
			return tx.Set(bookmarkKey(h), nil)
		}
		return tx.Delete(bookmarkKey(h))
	})
}

// IsBookmarked reports whether h carries a bookmark.
func (s *Store) IsBookmarked(h address.ObjectHash) (bool, error) { // A
	_, err := s.kv.Get(bookmarkKey(h))
	if errors.Is(err, sderrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Lease marks h as in use by a transfer until the returned
// release function is called. Leased objects are skipped by
// Vacuum.
func (s *Store) Lease(h address.ObjectHash) (release func()) { // A
	s.leaseMu.Lock()
	s.leases[h]++
	s.leaseMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.leaseMu.Lock()
			defer s.leaseMu.Unlock()
			if s.leases[h] <= 1 {
				delete(s.leases, h)
				return
			}
			s.leases[h]--
		})
	}
}

func (s *Store) isLeased(h address.ObjectHash) bool { // A
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.leases[h] > 0
}

// TotalSize is the summed content size of stored objects.
func (s *Store) TotalSize() int64 { // A
	return s.totalSize.Load()
}

func contentKey(h address.ObjectHash) []byte { // A
	return append([]byte(prefixContent), h[:]...)
}

func statsKey(h address.ObjectHash) []byte { // A
	return append([]byte(prefixStats), h[:]...)
}

func bookmarkKey(h address.ObjectHash) []byte { // A
	return append([]byte(prefixBookmark), h[:]...)
}

func putStats( // A
	tx interfaces.ByteTxn,
	h address.ObjectHash,
	st model.ObjectStats,
) error {
	raw, err := codec.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Set(statsKey(h), raw)
}
