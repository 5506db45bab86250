package model

import (
	"fmt"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/signature"
)

// SubscriptionKind selects what a subscription replicates.
// New kinds are added as constants and handled in every
// switch over SubscriptionKind.
type SubscriptionKind uint8

const (
	// FullInventory mirrors every object of the current
	// edition's collection.
	FullInventory SubscriptionKind = iota + 1
)

// String returns the configuration name of the kind.
func (k SubscriptionKind) String() string { // A
	switch k {
	case FullInventory:
		return "full-inventory"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k SubscriptionKind) Valid() bool { // A
	switch k {
	case FullInventory:
		return true
	default:
		return false
	}
}

// ParseSubscriptionKind parses the output of String.
func ParseSubscriptionKind(s string) (SubscriptionKind, error) { // A
	switch s {
	case "full-inventory", "":
		return FullInventory, nil
	default:
		return 0, fmt.Errorf("%w: subscription kind %q", sderrors.ErrUnknownKind, s)
	}
}

// Subscription is a standing interest in a series.
type Subscription struct {
	PublicKey signature.PublicKey `cbor:"public_key"`
	Kind      SubscriptionKind    `cbor:"kind"`
}
