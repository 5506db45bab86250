package node

import (
	"context"
	"fmt"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/objectstore"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/model"
)

// PutOptions describe content stored through PutObject.
type PutOptions struct {
	ContentType string
	// IsDraft keeps the object from being served to peers.
	IsDraft bool
	// Bookmark pins the object against eviction.
	Bookmark bool
}

// Object is user content decoded from its envelope.
type Object struct {
	Hash    address.ObjectHash
	Header  model.Header
	Content []byte
}

// PutObject wraps content in an envelope and stores it.
func (n *Node) PutObject( // A
	ctx context.Context,
	content []byte,
	opts PutOptions,
) (address.ObjectHash, error) {
	envelope, err := model.EncodeEnvelope(model.Header{
		ContentType: opts.ContentType,
		IsDraft:     opts.IsDraft,
	}, content)
	if err != nil {
		return address.ObjectHash{}, err
	}
	return n.putEnvelope(ctx, envelope, opts.Bookmark)
}

// PutRaw stores data as is. Manifests and content produced
// elsewhere go through here.
func (n *Node) PutRaw(ctx context.Context, data []byte) (address.ObjectHash, error) { // A
	return n.objects.Put(ctx, data)
}

func (n *Node) putEnvelope( // A
	ctx context.Context,
	envelope []byte,
	bookmark bool,
) (address.ObjectHash, error) {
	h, err := n.objects.Put(ctx, envelope)
	if err != nil {
		return address.ObjectHash{}, err
	}
	if bookmark {
		if err := n.objects.Bookmark(h, true); err != nil {
			return h, fmt.Errorf("bookmark %s: %w", h.Short(), err)
		}
	}
	return h, nil
}

// GetRaw returns the stored bytes of h. When they are not
// stored locally the network is asked again on the router's
// retry schedule until ctx ends.
func (n *Node) GetRaw(ctx context.Context, h address.ObjectHash) ([]byte, error) { // A
	return n.router.FetchObjectWithRetry(ctx, h)
}

// GetObject returns the decoded envelope stored under h.
func (n *Node) GetObject(ctx context.Context, h address.ObjectHash) (Object, error) { // A
	data, err := n.router.FetchObject(ctx, h)
	if err != nil {
		return Object{}, err
	}
	hdr, content, err := model.DecodeEnvelope(data)
	if err != nil {
		return Object{}, fmt.Errorf("object %s: %w", h.Short(), err)
	}
	return Object{Hash: h, Header: hdr, Content: content}, nil
}

// DeleteObject removes h from the local store.
func (n *Node) DeleteObject(ctx context.Context, h address.ObjectHash) (bool, error) { // A
	return n.objects.Delete(ctx, h)
}

// Reissue stores the content of h again under a fresh
// nonce, yielding a new hash for identical content.
func (n *Node) Reissue( // A
	ctx context.Context,
	h address.ObjectHash,
	bookmark bool,
) (address.ObjectHash, error) {
	obj, err := n.GetObject(ctx, h)
	if err != nil {
		return address.ObjectHash{}, err
	}
	hdr, err := obj.Header.Reissued()
	if err != nil {
		return address.ObjectHash{}, err
	}
	envelope, err := model.EncodeEnvelope(hdr, obj.Content)
	if err != nil {
		return address.ObjectHash{}, err
	}
	reissued, err := n.putEnvelope(ctx, envelope, bookmark)
	if err != nil {
		return address.ObjectHash{}, err
	}
	n.logger.DebugContext(ctx, "object reissued",
		logKeyHash, h.Short(),
		"reissued", reissued.Short())
	return reissued, nil
}

// ObjectStats returns the usage record of a locally stored
// object.
func (n *Node) ObjectStats(h address.ObjectHash) (model.ObjectStats, error) { // A
	st, ok, err := n.objects.Stats(h)
	if err != nil {
		return model.ObjectStats{}, err
	}
	if !ok {
		return model.ObjectStats{}, fmt.Errorf("object %s: %w", h.Short(), sderrors.ErrNotFound)
	}
	return st, nil
}

// Usefulness returns the byte usefulness score of h.
func (n *Node) Usefulness(h address.ObjectHash) (float64, error) { // A
	u, ok, err := n.objects.ByteUsefulness(h)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("object %s: %w", h.Short(), sderrors.ErrNotFound)
	}
	return u, nil
}

// Bookmark pins or unpins a locally stored object.
func (n *Node) Bookmark(h address.ObjectHash, on bool) error { // A
	return n.objects.Bookmark(h, on)
}

// Vacuum evicts objects until the byte budget is met.
func (n *Node) Vacuum(ctx context.Context) (objectstore.VacuumStatus, error) { // A
	return n.objects.Vacuum(ctx)
}

// RegisterCollection stores a manifest for entries.
func (n *Node) RegisterCollection( // A
	ctx context.Context,
	entries []address.Entry,
) (address.CollectionHash, error) {
	return n.collections.Register(ctx, entries)
}

// ResolvePath maps a path inside ch to its object,
// fetching the manifest from the network when needed.
func (n *Node) ResolvePath( // A
	ctx context.Context,
	ch address.CollectionHash,
	path string,
) (address.ObjectHash, error) {
	h, ok, err := n.collections.Resolve(ctx, ch, path)
	if err != nil {
		return address.ObjectHash{}, err
	}
	if ok {
		return h, nil
	}
	return n.router.ResolvePath(ctx, ch, path)
}
