// Package series manages the series this node owns and
// publishes their editions.
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"filippo.io/age"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

const (
	prefixOwner = "owner:"

	logKeyName       = "name"
	logKeySeries     = "series"
	logKeyCollection = "collection"
	logKeyError      = "error"

	DefaultTTL = time.Hour
)

// Editions is the part of the edition resolver publishing
// needs.
type Editions interface {
	Observe(ctx context.Context, e model.Edition) (bool, error)
	Cached(pk signature.PublicKey) (model.Edition, bool, error)
}

// Announcer pushes a freshly published edition to hubs.
type Announcer interface {
	AnnounceEdition(ctx context.Context, e model.Edition) error
}

// Config configures a Manager.
type Config struct {
	Store    interfaces.ByteStore
	Editions Editions
	Identity *age.X25519Identity
	Clock    clock.Clock
	Logger   *slog.Logger
	// DefaultTTL applies to owners created without a TTL.
	DefaultTTL time.Duration
}

// Manager owns the SeriesOwner records.
type Manager struct {
	store      interfaces.ByteStore
	editions   Editions
	identity   *age.X25519Identity
	clock      clock.Clock
	logger     *slog.Logger
	defaultTTL time.Duration

	mu        sync.Mutex
	announcer Announcer
}

// New returns a Manager.
func New(cfg Config) (*Manager, error) { // A
	switch {
	case cfg.Store == nil:
		return nil, errors.New("byte store must not be nil")
	case cfg.Editions == nil:
		return nil, errors.New("edition resolver must not be nil")
	case cfg.Identity == nil:
		return nil, errors.New("sealing identity must not be nil")
	case cfg.Logger == nil:
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	return &Manager{
		store:      cfg.Store,
		editions:   cfg.Editions,
		identity:   cfg.Identity,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

// SetAnnouncer installs the network announcer.
func (m *Manager) SetAnnouncer(a Announcer) { // A
	m.mu.Lock()
	m.announcer = a
	m.mu.Unlock()
}

// Create makes a new keypair for name and stores the owner
// record with its private key sealed to the node identity.
func (m *Manager) Create( // A
	ctx context.Context,
	name string,
	ttl time.Duration,
	isDraft bool,
) (model.SeriesOwner, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.SeriesOwner{}, errors.New("series name must not be empty")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	kp, err := signature.GenerateKeypair()
	if err != nil {
		return model.SeriesOwner{}, err
	}
	sealed, err := seal(m.identity, kp.Seed())
	if err != nil {
		return model.SeriesOwner{}, err
	}
	owner := model.SeriesOwner{
		Name:       name,
		PublicKey:  kp.Public,
		SealedKey:  sealed,
		DefaultTTL: ttl,
		IsDraft:    isDraft,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.store.Update(func(tx interfaces.ByteTxn) error {
		_, err := tx.Get(ownerKey(name))
		if err == nil {
			return fmt.Errorf("%w: series %q", sderrors.ErrAlreadyExists, name)
		}
		if !errors.Is(err, sderrors.ErrNotFound) {
			return err
		}
		return putOwner(tx, owner)
	})
	if err != nil {
		return model.SeriesOwner{}, err
	}
	m.logger.InfoContext(ctx, "series created",
		logKeyName, name,
		logKeySeries, kp.Public.String())
	return owner, nil
}

// Get returns the owner record for name.
func (m *Manager) Get(name string) (model.SeriesOwner, bool, error) { // A
	raw, err := m.store.Get(ownerKey(name))
	if errors.Is(err, sderrors.ErrNotFound) {
		return model.SeriesOwner{}, false, nil
	}
	if err != nil {
		return model.SeriesOwner{}, false, err
	}
	owner, err := codec.Decode[model.SeriesOwner](raw)
	if err != nil {
		return model.SeriesOwner{}, false, sderrors.Storage(err)
	}
	return owner, true, nil
}

// List returns all owner records ordered by name.
func (m *Manager) List() ([]model.SeriesOwner, error) { // A
	var out []model.SeriesOwner
	err := m.store.Scan([]byte(prefixOwner), func(_, v []byte) error {
		owner, err := codec.Decode[model.SeriesOwner](v)
		if err != nil {
			return sderrors.Storage(err)
		}
		out = append(out, owner)
		return nil
	})
	return out, err
}

// Delete removes the owner record for name and reports
// whether it existed. Published editions stay valid.
func (m *Manager) Delete(ctx context.Context, name string) (bool, error) { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	var existed bool
	err := m.store.Update(func(tx interfaces.ByteTxn) error {
		_, err := tx.Get(ownerKey(name))
		if errors.Is(err, sderrors.ErrNotFound) {
			existed = false
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return tx.Delete(ownerKey(name))
	})
	if err == nil && existed {
		m.logger.InfoContext(ctx, "series deleted", logKeyName, name)
	}
	return existed, err
}

// Keypair unseals the signing key of owner.
func (m *Manager) Keypair(owner model.SeriesOwner) (signature.Keypair, error) { // A
	seed, err := unseal(m.identity, owner.SealedKey)
	if err != nil {
		return signature.Keypair{}, err
	}
	kp, err := signature.KeypairFromSeed(seed)
	if err != nil {
		return signature.Keypair{}, err
	}
	if kp.Public != owner.PublicKey {
		return signature.Keypair{}, fmt.Errorf(
			"sealed key of %q does not match its public key", owner.Name,
		)
	}
	return kp, nil
}

// PublishRequest describes one edition to publish.
type PublishRequest struct {
	Name       string
	Collection address.CollectionHash
	// TTL overrides the owner's default when positive.
	TTL time.Duration
	// NoAnnounce keeps the edition local.
	NoAnnounce bool
}

// Publish signs a new edition of the named series. Its
// timestamp is strictly greater than anything this node
// published or accepted for the key before. The edition
// is applied locally and then announced unless the request
// or the owner says otherwise.
func (m *Manager) Publish( // A
	ctx context.Context,
	req PublishRequest,
) (model.Edition, error) {
	m.mu.Lock()
	owner, ok, err := m.Get(req.Name)
	if err != nil {
		m.mu.Unlock()
		return model.Edition{}, err
	}
	if !ok {
		m.mu.Unlock()
		return model.Edition{}, fmt.Errorf("series %q: %w", req.Name, sderrors.ErrNotFound)
	}
	kp, err := m.Keypair(owner)
	if err != nil {
		m.mu.Unlock()
		return model.Edition{}, err
	}

	ts := m.clock.Now().UnixNano()
	ts = max(ts, owner.LastPublished+1)
	if seen, ok, err := m.editions.Cached(owner.PublicKey); err != nil {
		m.mu.Unlock()
		return model.Edition{}, err
	} else if ok {
		ts = max(ts, seen.Content.Timestamp+1)
	}

	ttl := owner.DefaultTTL
	if req.TTL > 0 {
		ttl = req.TTL
	}
	ed, err := model.NewEdition(kp, model.EditionContent{
		Collection: req.Collection,
		Timestamp:  ts,
		TTL:        ttl,
	}, owner.IsDraft)
	if err != nil {
		m.mu.Unlock()
		return model.Edition{}, err
	}

	owner.LastPublished = ts
	err = m.store.Update(func(tx interfaces.ByteTxn) error {
		return putOwner(tx, owner)
	})
	announcer := m.announcer
	m.mu.Unlock()
	if err != nil {
		return model.Edition{}, fmt.Errorf("record publish: %w", err)
	}

	if _, err := m.editions.Observe(ctx, ed); err != nil {
		return model.Edition{}, fmt.Errorf("apply edition: %w", err)
	}
	m.logger.InfoContext(ctx, "edition published",
		logKeyName, owner.Name,
		logKeySeries, owner.PublicKey.Short(),
		logKeyCollection, req.Collection.Short())

	if req.NoAnnounce || ed.IsDraft || announcer == nil {
		return ed, nil
	}
	if err := announcer.AnnounceEdition(ctx, ed); err != nil {
		m.logger.WarnContext(ctx, "announce edition failed",
			logKeySeries, owner.PublicKey.Short(),
			logKeyError, err)
	}
	return ed, nil
}

func ownerKey(name string) []byte { // A
	return []byte(prefixOwner + name)
}

func putOwner(tx interfaces.ByteTxn, owner model.SeriesOwner) error { // A
	raw, err := codec.Marshal(owner)
	if err != nil {
		return err
	}
	return tx.Set(ownerKey(owner.Name), raw)
}
