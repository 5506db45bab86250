package model

import (
	"time"

	"github.com/i5heu/samizdat/pkg/signature"
)

// SeriesOwner grants the local node the right to publish a
// series. SealedKey is the private seed encrypted to the
// node identity; it exists only on the owning node.
type SeriesOwner struct {
	Name          string              `cbor:"name"`
	PublicKey     signature.PublicKey `cbor:"public_key"`
	SealedKey     []byte              `cbor:"sealed_key"`
	DefaultTTL    time.Duration       `cbor:"default_ttl"`
	IsDraft       bool                `cbor:"is_draft"`
	LastPublished int64               `cbor:"last_published"`
}
