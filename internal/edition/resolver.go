// Package edition resolves series public keys to their
// freshest valid edition.
//
// Each key moves through Unknown, Pending and Resolved. A
// Resolved key whose edition has outlived its TTL keeps
// serving that edition while a network round reconfirms it;
// the refresh-in-flight flag is tracked separately so the
// three states stay distinct.
package edition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

const (
	prefixEdition = "edition:"

	logKeySeries     = "series"
	logKeyCollection = "collection"
	logKeyTimestamp  = "timestamp"
	logKeyError      = "error"

	DefaultClockSkew    = 5 * time.Minute
	DefaultQueryTimeout = 3 * time.Second
)

// State is the resolution state of one series key.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateResolved
)

func (s State) String() string { // A
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CandidateSource produces edition candidates for a key
// from the network. The channel is closed when the round is
// over or ctx is done.
type CandidateSource interface {
	EditionCandidates(
		ctx context.Context,
		pk signature.PublicKey,
	) (<-chan model.Edition, error)
}

// Config configures a Resolver.
type Config struct {
	Store  interfaces.ByteStore
	Source CandidateSource
	Clock  clock.Clock
	Logger *slog.Logger
	// ClockSkew is how far in the future an edition
	// timestamp may lie before it is rejected.
	ClockSkew time.Duration
	// QueryTimeout bounds one network round.
	QueryTimeout time.Duration
}

type entry struct {
	state      State
	edition    model.Edition
	has        bool
	refreshing bool
	loaded     bool
}

// Resolver is the per-node edition cache.
type Resolver struct {
	store        interfaces.ByteStore
	clock        clock.Clock
	logger       *slog.Logger
	clockSkew    time.Duration
	queryTimeout time.Duration

	mu      sync.Mutex
	source  CandidateSource
	entries map[signature.PublicKey]*entry

	rounds singleflight.Group
}

// New returns a Resolver. Source may be nil and set later
// with SetSource.
func New(cfg Config) (*Resolver, error) { // A
	if cfg.Store == nil {
		return nil, errors.New("byte store must not be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Resolver{
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		clockSkew:    cfg.ClockSkew,
		queryTimeout: cfg.QueryTimeout,
		source:       cfg.Source,
		entries:      make(map[signature.PublicKey]*entry),
	}, nil
}

// SetSource installs the network candidate source.
func (r *Resolver) SetSource(src CandidateSource) { // A
	r.mu.Lock()
	r.source = src
	r.mu.Unlock()
}

// Resolve returns the current edition for pk. A fresh
// cached edition is returned directly. An expired one is
// reconfirmed over the network and still returned when the
// network cannot answer.
func (r *Resolver) Resolve( // A
	ctx context.Context,
	pk signature.PublicKey,
) (model.Edition, error) {
	cached, ok, err := r.Cached(pk)
	if err != nil {
		return model.Edition{}, err
	}
	if ok && cached.IsFresh(r.clock.Now()) {
		return cached, nil
	}
	return r.Refresh(ctx, pk)
}

// Refresh always runs a network round for pk. When the
// round fails and an edition is cached, the cached edition
// is returned instead of the error.
func (r *Resolver) Refresh( // A
	ctx context.Context,
	pk signature.PublicKey,
) (model.Edition, error) {
	if _, _, err := r.Cached(pk); err != nil {
		return model.Edition{}, err
	}

	ch := r.rounds.DoChan(string(pk[:]), func() (any, error) {
		return r.round(context.WithoutCancel(ctx), pk)
	})

	var roundErr error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(model.Edition), nil
		}
		roundErr = res.Err
	case <-ctx.Done():
		roundErr = fmt.Errorf("%w: %w", sderrors.ErrTimeout, ctx.Err())
	}

	if cached, ok, _ := r.Cached(pk); ok {
		r.logger.DebugContext(ctx, "serving cached edition after failed refresh",
			logKeySeries, pk.Short(),
			logKeyError, roundErr)
		return cached, nil
	}
	return model.Edition{}, roundErr
}

// RefreshInBackground starts a network round for pk unless
// one is already in flight for it.
func (r *Resolver) RefreshInBackground( // A
	ctx context.Context,
	pk signature.PublicKey,
) {
	r.mu.Lock()
	e := r.entryLocked(pk)
	if e.refreshing {
		r.mu.Unlock()
		return
	}
	e.refreshing = true
	r.mu.Unlock()

	go func() {
		bg := context.WithoutCancel(ctx)
		if _, err := r.Refresh(bg, pk); err != nil {
			r.logger.DebugContext(bg, "background edition refresh failed",
				logKeySeries, pk.Short(),
				logKeyError, err)
		}
		r.mu.Lock()
		r.entryLocked(pk).refreshing = false
		r.mu.Unlock()
	}()
}

// round asks the candidate source for editions of pk and
// applies the best valid one.
func (r *Resolver) round( // A
	ctx context.Context,
	pk signature.PublicKey,
) (model.Edition, error) {
	r.mu.Lock()
	e := r.entryLocked(pk)
	if e.state == StateUnknown {
		e.state = StatePending
	}
	if e.has {
		e.refreshing = true
	}
	src := r.source
	r.mu.Unlock()

	defer r.settle(pk)

	best, found, err := r.collect(ctx, src, pk)
	if err != nil {
		return model.Edition{}, err
	}
	if !found {
		return model.Edition{}, fmt.Errorf(
			"edition for %s: %w", pk.Short(), sderrors.ErrNotFound,
		)
	}
	if _, err := r.apply(ctx, best); err != nil {
		return model.Edition{}, err
	}
	cached, _, err := r.Cached(pk)
	return cached, err
}

// settle ends a round: Pending falls back to Unknown when
// nothing was accepted.
func (r *Resolver) settle(pk signature.PublicKey) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(pk)
	e.refreshing = false
	if !e.has {
		e.state = StateUnknown
	}
}

func (r *Resolver) collect( // A
	ctx context.Context,
	src CandidateSource,
	pk signature.PublicKey,
) (model.Edition, bool, error) {
	if src == nil {
		return model.Edition{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	candidates, err := src.EditionCandidates(ctx, pk)
	if err != nil {
		return model.Edition{}, false, fmt.Errorf("query editions: %w", err)
	}

	var (
		best    model.Edition
		valid   int
		invalid int
	)
	for {
		select {
		case c, ok := <-candidates:
			if !ok {
				return finishRound(pk, best, valid, invalid)
			}
			if c.PublicKey != pk {
				invalid++
				continue
			}
			if err := r.Validate(c); err != nil {
				invalid++
				r.logger.WarnContext(ctx, "discarding edition candidate",
					logKeySeries, pk.Short(),
					logKeyError, err)
				continue
			}
			if valid == 0 || c.Supersedes(best) {
				best = c
			}
			valid++
		case <-ctx.Done():
			return finishRound(pk, best, valid, invalid)
		}
	}
}

func finishRound( // A
	pk signature.PublicKey,
	best model.Edition,
	valid, invalid int,
) (model.Edition, bool, error) {
	switch {
	case valid > 0:
		return best, true, nil
	case invalid > 0:
		return model.Edition{}, false, fmt.Errorf(
			"edition for %s: %d candidates rejected: %w",
			pk.Short(),
			invalid,
			sderrors.ErrNoValidEdition,
		)
	default:
		return model.Edition{}, false, nil
	}
}

// Validate applies the signature and clock-skew checks.
func (r *Resolver) Validate(e model.Edition) error { // A
	if err := e.Verify(); err != nil {
		return err
	}
	limit := r.clock.Now().Add(r.clockSkew)
	if e.Time().After(limit) {
		return fmt.Errorf(
			"%w: %s is after %s",
			sderrors.ErrClockSkew,
			e.Time().UTC().Format(time.RFC3339Nano),
			limit.UTC().Format(time.RFC3339Nano),
		)
	}
	return nil
}

// Observe validates an edition that arrived outside a
// resolution round, such as an announcement or a local
// publish, and applies it. It reports whether the cache
// changed.
func (r *Resolver) Observe( // A
	ctx context.Context,
	e model.Edition,
) (bool, error) {
	if _, _, err := r.Cached(e.PublicKey); err != nil {
		return false, err
	}
	if err := r.Validate(e); err != nil {
		r.logger.WarnContext(ctx, "discarding observed edition",
			logKeySeries, e.PublicKey.Short(),
			logKeyError, err)
		return false, err
	}
	return r.apply(ctx, e)
}

// apply installs e if it supersedes the cached edition.
// The cache never moves back to an older edition.
func (r *Resolver) apply( // A
	ctx context.Context,
	e model.Edition,
) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.entryLocked(e.PublicKey)
	if cur.has && !e.Supersedes(cur.edition) {
		return false, nil
	}

	raw, err := model.EncodeEdition(e)
	if err != nil {
		return false, fmt.Errorf("encode edition: %w", err)
	}
	if err := r.store.Set(editionKey(e.PublicKey), raw); err != nil {
		return false, fmt.Errorf("persist edition: %w", err)
	}

	cur.edition = e
	cur.has = true
	cur.state = StateResolved
	r.logger.DebugContext(ctx, "edition accepted",
		logKeySeries, e.PublicKey.Short(),
		logKeyCollection, e.Content.Collection.Short(),
		logKeyTimestamp, e.Content.Timestamp)
	return true, nil
}

// Cached returns the accepted edition for pk without any
// network activity, loading it from disk on first use.
func (r *Resolver) Cached( // A
	pk signature.PublicKey,
) (model.Edition, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(pk)
	if !e.loaded {
		if err := r.loadLocked(pk, e); err != nil {
			return model.Edition{}, false, err
		}
	}
	return e.edition, e.has, nil
}

func (r *Resolver) loadLocked(pk signature.PublicKey, e *entry) error { // A
	raw, err := r.store.Get(editionKey(pk))
	if errors.Is(err, sderrors.ErrNotFound) {
		e.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load edition: %w", err)
	}
	ed, err := model.DecodeEdition(raw)
	if err != nil {
		return sderrors.Storage(fmt.Errorf("decode edition: %w", err))
	}
	e.loaded = true
	if !e.has || ed.Supersedes(e.edition) {
		e.edition = ed
		e.has = true
		e.state = StateResolved
	}
	return nil
}

// State returns the resolution state of pk and whether a
// refresh is in flight.
func (r *Resolver) State(pk signature.PublicKey) (State, bool) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pk]
	if !ok {
		return StateUnknown, false
	}
	return e.state, e.refreshing
}

var errSolved = errors.New("riddle solved")

// Solve returns the cached edition of the first stored
// series key resolves accepts. Keys are only known from
// disk, so editions never persisted are not found.
func (r *Resolver) Solve( // A
	resolves func(signature.PublicKey) bool,
) (model.Edition, bool, error) {
	var (
		pk    signature.PublicKey
		found bool
	)
	err := r.store.Scan([]byte(prefixEdition), func(key, _ []byte) error {
		if len(key) != len(prefixEdition)+len(pk) {
			return nil
		}
		var cand signature.PublicKey
		copy(cand[:], key[len(prefixEdition):])
		if resolves(cand) {
			pk, found = cand, true
			return errSolved
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSolved) {
		return model.Edition{}, false, fmt.Errorf("solve edition riddle: %w", err)
	}
	if !found {
		return model.Edition{}, false, nil
	}
	return r.Cached(pk)
}

// Forget drops pk from memory and disk.
func (r *Resolver) Forget(pk signature.PublicKey) error { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pk)
	return r.store.Delete(editionKey(pk))
}

func (r *Resolver) entryLocked(pk signature.PublicKey) *entry { // A
	e, ok := r.entries[pk]
	if !ok {
		e = &entry{}
		r.entries[pk] = e
	}
	return e
}

func editionKey(pk signature.PublicKey) []byte { // A
	return append([]byte(prefixEdition), pk[:]...)
}
