package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		InMemory: true,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) { // A
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.Set([]byte("k"), []byte("v")))
	got, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete([]byte("k")))
	_, err = s.Get([]byte("k"))
	assert.ErrorIs(t, err, sderrors.ErrNotFound)

	require.NoError(t, s.Delete([]byte("never-there")))
}

func TestScanPrefixOrdered(t *testing.T) { // A
	t.Parallel()
	s := openTestStore(t)

	for _, k := range []string{"b:2", "a:1", "b:1", "c:1", "b:3"} {
		require.NoError(t, s.Set([]byte(k), []byte(k)))
	}

	var keys []string
	err := s.Scan([]byte("b:"), func(k, v []byte) error {
		keys = append(keys, string(k))
		assert.Equal(t, k, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b:1", "b:2", "b:3"}, keys)
}

func TestScanCallbackErrorPassesThrough(t *testing.T) { // A
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, s.Set([]byte("x:1"), nil))

	stop := errors.New("stop")
	err := s.Scan([]byte("x:"), func(_, _ []byte) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.NotErrorIs(t, err, sderrors.ErrStorageFailure)
}

func TestUpdateIsAtomic(t *testing.T) { // A
	t.Parallel()
	s := openTestStore(t)

	boom := errors.New("boom")
	err := s.Update(func(tx interfaces.ByteTxn) error {
		if err := tx.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get([]byte("a"))
	assert.ErrorIs(t, err, sderrors.ErrNotFound)
}

func TestUpdateRetriesConflicts(t *testing.T) { // A
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, s.Set([]byte("counter"), []byte{0}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(func(tx interfaces.ByteTxn) error {
				v, err := tx.Get([]byte("counter"))
				if err != nil {
					return err
				}
				return tx.Set([]byte("counter"), []byte{v[0] + 1})
			})
			if err != nil && !errors.Is(err, sderrors.ErrStorageFailure) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get([]byte("counter"))
	require.NoError(t, err)
	assert.NotZero(t, v[0])
}

func TestOpenRejectsMissingLogger(t *testing.T) { // A
	t.Parallel()
	_, err := Open(Config{InMemory: true})
	assert.Error(t, err)
}

func TestOpenOnDisk(t *testing.T) { // A
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{
		Path:   dir,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	for i := range 10 {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, s.Close())

	s, err = Open(Config{
		Path:   dir,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get([]byte("k3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
