// Package collection registers and resolves collection
// manifests. A manifest is stored as a regular object, so
// resolution here is purely local; callers that want a
// missing manifest fetched go through the router.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/samizdat/pkg/address"
)

// ObjectSource is the slice of the object store the
// resolver needs.
type ObjectSource interface {
	Get(ctx context.Context, h address.ObjectHash) ([]byte, bool, error)
	Put(ctx context.Context, data []byte) (address.ObjectHash, error)
}

// Resolver maps (collection, path) pairs to objects.
type Resolver struct {
	objects ObjectSource
	logger  *slog.Logger
}

// New returns a Resolver reading manifests from objects.
func New(objects ObjectSource, logger *slog.Logger) (*Resolver, error) { // A
	if objects == nil {
		return nil, errors.New("object source must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Resolver{objects: objects, logger: logger}, nil
}

// Register stores the manifest for entries and returns its
// CollectionHash. Paths are normalized; duplicates are
// rejected.
func (r *Resolver) Register( // A
	ctx context.Context,
	entries []address.Entry,
) (address.CollectionHash, error) {
	ch, data, err := address.HashCollection(entries)
	if err != nil {
		return address.CollectionHash{}, fmt.Errorf("build manifest: %w", err)
	}
	stored, err := r.objects.Put(ctx, data)
	if err != nil {
		return address.CollectionHash{}, fmt.Errorf("store manifest: %w", err)
	}
	if stored != ch.Object() {
		return address.CollectionHash{}, fmt.Errorf(
			"manifest stored under %s, expected %s",
			stored.Short(),
			ch.Short(),
		)
	}
	r.logger.DebugContext(ctx, "collection registered",
		"collection", ch.Short(),
		"entries", len(entries))
	return ch, nil
}

// Manifest loads and validates the manifest of ch from the
// local store. The boolean is false when it is not stored.
func (r *Resolver) Manifest( // A
	ctx context.Context,
	ch address.CollectionHash,
) (address.Manifest, bool, error) {
	data, ok, err := r.objects.Get(ctx, ch.Object())
	if err != nil || !ok {
		return address.Manifest{}, false, err
	}
	m, err := address.DecodeManifest(data)
	if err != nil {
		return address.Manifest{}, false, fmt.Errorf(
			"manifest %s: %w", ch.Short(), err,
		)
	}
	return m, true, nil
}

// Resolve looks up path in the manifest of ch. It reports
// false when either the manifest is not stored locally or
// the path is absent.
func (r *Resolver) Resolve( // A
	ctx context.Context,
	ch address.CollectionHash,
	path string,
) (address.ObjectHash, bool, error) {
	p, err := address.NormalizePath(path)
	if err != nil {
		return address.ObjectHash{}, false, err
	}
	m, ok, err := r.Manifest(ctx, ch)
	if err != nil || !ok {
		return address.ObjectHash{}, false, err
	}
	h, ok := m.Lookup(p)
	return h, ok, nil
}
