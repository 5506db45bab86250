// Package kvstore adapts badger into the ordered byte-store
// every samizdat component persists through.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

const (
	logKeyPath   = "path"
	logKeyReads  = "readsPerSec"
	logKeyWrites = "writesPerSec"
	logKeyError  = "error"

	valueLogFileSize = 100 << 20
	conflictRetries  = 8
	gcDiscardRatio   = 0.5
)

// Config configures a Store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory.
	Path             string
	InMemory         bool
	MinimumFreeSpace int // in GB
	SyncWrites       bool
	Logger           *slog.Logger
}

// Store is a badger-backed interfaces.ByteStore.
type Store struct {
	config       Config
	db           *badger.DB
	logger       *slog.Logger
	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
}

var _ interfaces.ByteStore = (*Store)(nil)

// Open opens or creates the store described by config.
func Open(config Config) (*Store, error) { // A
	if config.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if err := config.check(); err != nil {
		return nil, fmt.Errorf("check kvstore config: %w", err)
	}

	opts := badger.DefaultOptions(config.Path).
		WithInMemory(config.InMemory).
		WithSyncWrites(config.SyncWrites).
		WithLoggingLevel(badger.ERROR)
	opts.Logger = nil
	if !config.InMemory {
		opts.ValueLogFileSize = valueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, sderrors.Storage(fmt.Errorf("open badger: %w", err))
	}

	return &Store{
		config: config,
		db:     db,
		logger: config.Logger,
	}, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) { // A
	var value []byte
	err := s.View(func(tx interfaces.ByteTxn) error {
		v, err := tx.Get(key)
		value = v
		return err
	})
	return value, err
}

// Set writes a single key.
func (s *Store) Set(key, value []byte) error { // A
	return s.Update(func(tx interfaces.ByteTxn) error {
		return tx.Set(key, value)
	})
}

// Delete removes a key. Deleting an absent key is not an
// error.
func (s *Store) Delete(key []byte) error { // A
	return s.Update(func(tx interfaces.ByteTxn) error {
		return tx.Delete(key)
	})
}

// Scan walks all keys with the given prefix in order.
func (s *Store) Scan( // A
	prefix []byte,
	fn func(key, value []byte) error,
) error {
	var fnErr error
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			s.readCounter.Add(1)
			item := it.Item()
			err := item.Value(func(v []byte) error {
				fnErr = fn(item.Key(), v)
				return fnErr
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return sderrors.Storage(fmt.Errorf("scan: %w", err))
	}
	return nil
}

// Update runs fn in a read-write transaction, retrying on
// badger write conflicts. fn may run more than once.
func (s *Store) Update( // A
	fn func(tx interfaces.ByteTxn) error,
) error {
	var err error
	for range conflictRetries {
		var fnErr error
		err = s.db.Update(func(txn *badger.Txn) error {
			fnErr = fn(&txnView{txn: txn, store: s})
			return fnErr
		})
		if fnErr != nil {
			return fnErr
		}
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return sderrors.Storage(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View( // A
	fn func(tx interfaces.ByteTxn) error,
) error {
	var fnErr error
	err := s.db.View(func(txn *badger.Txn) error {
		fnErr = fn(&txnView{txn: txn, store: s})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return sderrors.Storage(fmt.Errorf("view: %w", err))
	}
	return nil
}

// Close syncs and closes the database.
func (s *Store) Close() error { // A
	if err := s.db.Close(); err != nil {
		return sderrors.Storage(fmt.Errorf("close badger: %w", err))
	}
	return nil
}

// Clean runs a value-log garbage collection pass. Flatten
// is skipped for in-memory stores.
func (s *Store) Clean() error { // A
	if s.config.InMemory {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return sderrors.Storage(fmt.Errorf("sync db: %w", err))
	}
	if err := s.db.Flatten(runtime.NumCPU()); err != nil {
		return sderrors.Storage(fmt.Errorf("flatten db: %w", err))
	}
	err := s.db.RunValueLogGC(gcDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return sderrors.Storage(fmt.Errorf("value log gc: %w", err))
	}
	return nil
}

// RunMaintenance periodically cleans the store and logs
// operation rates until ctx is done.
func (s *Store) RunMaintenance( // A
	ctx context.Context,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		secs := uint64(max(1, int(interval.Seconds())))
		s.logger.DebugContext(ctx, "kvstore operations",
			logKeyPath, s.config.Path,
			logKeyReads, s.readCounter.Swap(0)/secs,
			logKeyWrites, s.writeCounter.Swap(0)/secs)
		if err := s.Clean(); err != nil {
			s.logger.WarnContext(ctx, "kvstore clean failed",
				logKeyError, err)
		}
	}
}

type txnView struct {
	txn   *badger.Txn
	store *Store
}

func (t *txnView) Get(key []byte) ([]byte, error) { // A
	t.store.readCounter.Add(1)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, sderrors.ErrNotFound
	}
	if err != nil {
		return nil, sderrors.Storage(err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, sderrors.Storage(err)
	}
	return v, nil
}

func (t *txnView) Set(key, value []byte) error { // A
	t.store.writeCounter.Add(1)
	if err := t.txn.Set(key, value); err != nil {
		return sderrors.Storage(err)
	}
	return nil
}

func (t *txnView) Delete(key []byte) error { // A
	t.store.writeCounter.Add(1)
	if err := t.txn.Delete(key); err != nil {
		return sderrors.Storage(err)
	}
	return nil
}
