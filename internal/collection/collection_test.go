package collection

import (
	"context"
	"log/slog"
	"testing"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/objectstore"
	"github.com/i5heu/samizdat/internal/testutil"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *objectstore.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	kv := testutil.MemStore(t)

	objects, err := objectstore.New(objectstore.Config{Store: kv, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(objects.Close)

	r, err := New(objects, logger)
	require.NoError(t, err)
	return r, objects
}

func TestRegisterResolve(t *testing.T) { // A
	t.Parallel()
	r, objects := newTestResolver(t)
	ctx := context.Background()

	index, err := objects.Put(ctx, []byte("<h1>hi</h1>"))
	require.NoError(t, err)
	style, err := objects.Put(ctx, []byte("body{}"))
	require.NoError(t, err)

	ch, err := r.Register(ctx, []address.Entry{
		{Path: "index.html", Hash: index},
		{Path: "/css/style.css", Hash: style},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want address.ObjectHash
		ok   bool
	}{
		{"/index.html", index, true},
		{"index.html", index, true},
		{"/css//style.css", style, true},
		{"/missing", address.ObjectHash{}, false},
	}
	for _, tt := range tests {
		got, ok, err := r.Resolve(ctx, ch, tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestResolveRejectsTraversal(t *testing.T) { // A
	t.Parallel()
	r, _ := newTestResolver(t)
	ch, err := r.Register(context.Background(), nil)
	require.NoError(t, err)

	_, _, err = r.Resolve(context.Background(), ch, "/a/../etc/passwd")
	assert.ErrorIs(t, err, sderrors.ErrInvalidPath)
}

func TestResolveUnknownManifest(t *testing.T) { // A
	t.Parallel()
	r, _ := newTestResolver(t)
	ch := address.HashObject([]byte("never registered")).Collection()

	_, ok, err := r.Resolve(context.Background(), ch, "/index.html")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicates(t *testing.T) { // A
	t.Parallel()
	r, _ := newTestResolver(t)
	h := address.HashObject([]byte("x"))
	_, err := r.Register(context.Background(), []address.Entry{
		{Path: "/a", Hash: h},
		{Path: "a", Hash: h},
	})
	assert.ErrorIs(t, err, sderrors.ErrDuplicatePath)
}

func TestManifestRejectsGarbage(t *testing.T) { // A
	t.Parallel()
	r, objects := newTestResolver(t)
	h, err := objects.Put(context.Background(), []byte("not a manifest"))
	require.NoError(t, err)

	_, _, err = r.Manifest(context.Background(), h.Collection())
	assert.Error(t, err)
}
