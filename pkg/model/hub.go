package model

import (
	"fmt"

	sderrors "github.com/i5heu/samizdat/internal/errors"
)

// ResolutionMode decides when a hub is consulted relative
// to the local store and edition cache.
type ResolutionMode uint8

const (
	// LocalFirst consults the hub only when the local answer
	// is missing or expired.
	LocalFirst ResolutionMode = iota + 1
	// RemoteFirst always runs a network round for editions,
	// falling back to the cache.
	RemoteFirst
	// Both serves the local answer and refreshes through the
	// hub in the background.
	Both
)

func (m ResolutionMode) String() string { // A
	switch m {
	case LocalFirst:
		return "local-first"
	case RemoteFirst:
		return "remote-first"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseResolutionMode accepts the String form plus the
// prefer-local / prefer-remote / use-both aliases.
func ParseResolutionMode(s string) (ResolutionMode, error) { // A
	switch s {
	case "local-first", "prefer-local", "":
		return LocalFirst, nil
	case "remote-first", "prefer-remote":
		return RemoteFirst, nil
	case "both", "use-both":
		return Both, nil
	default:
		return 0, fmt.Errorf("%w: resolution mode %q", sderrors.ErrUnknownKind, s)
	}
}

// Hub is a configured rendezvous peer. Addr is unique
// among configured hubs.
type Hub struct {
	Addr string         `cbor:"addr"`
	Mode ResolutionMode `cbor:"mode"`
}
