// Package interfaces defines the narrow abstractions shared
// between samizdat components: the ordered byte-store that
// backs persistence, the message envelope carried by the
// transport, and peer bookkeeping.
package interfaces

import (
	"encoding/hex"
	"time"

)

// NodeID identifies a transport peer: the SHA-256 of its
// certificate public key.
type NodeID [32]byte

// PeerInfo is the live view of a remote node or hub. NodeID
// is derived from the peer's transport certificate; one
// peer may hold several connections, for example a hub link
// and a direct pull.
type PeerInfo struct { // A
	NodeID NodeID
	// Addr is the address of the most recent connection.
	Addr string
	// Dialed is true when this endpoint opened a connection
	// to the peer rather than accepting one.
	Dialed      bool
	Connections int
	ConnectedAt time.Time
	// LastSeen is the time of the last request the peer
	// sent.
	LastSeen time.Time
	Requests uint64
}

// ShortID renders the first bytes of a node id for logs.
func ShortID(id NodeID) string { // A
	s := hex.EncodeToString(id[:])
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
