// Package wire defines the CBOR payloads nodes and hubs
// exchange inside transport frames.
package wire

import (
	"encoding/hex"
	"fmt"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

// NonceSize is the length of the random riddle nonce.
const NonceSize = 32

// Payload is implemented by every request payload.
type Payload interface { // A
	Type() interfaces.MessageType
}

// QueryKind selects what a Query asks for.
type QueryKind uint8 // A

const ( // A
	QueryObject QueryKind = iota + 1
	QueryEdition
)

func (k QueryKind) String() string { // A
	switch k {
	case QueryObject:
		return "object"
	case QueryEdition:
		return "edition"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Hello tells a hub where the sender accepts direct pulls.
type Hello struct { // A
	ListenAddr string `cbor:"listen_addr"`
}

func (Hello) Type() interfaces.MessageType { return interfaces.MessageTypeHello } // A

// Query asks the network for an object or for the latest
// edition of a series. The object hash or series key is
// never sent: the query carries a riddle only a holder can
// solve, and object queries a short hint of the hash. The
// riddle nonce makes every query unique so hubs and nodes
// can drop replays.
type Query struct { // A
	Kind      QueryKind `cbor:"kind"`
	Timestamp int64     `cbor:"timestamp"`
	Riddle    Riddle    `cbor:"riddle"`
	Hint      []byte    `cbor:"hint,omitempty"`
}

func (Query) Type() interfaces.MessageType { return interfaces.MessageTypeQuery } // A

// NewObjectQuery builds a query for h posed at now.
func NewObjectQuery(h address.ObjectHash, now time.Time) (Query, error) { // A
	r, err := NewRiddle(h[:])
	if err != nil {
		return Query{}, err
	}
	return Query{
		Kind:      QueryObject,
		Timestamp: now.Unix(),
		Riddle:    r,
		Hint:      append([]byte(nil), h[:HintSize]...),
	}, nil
}

// NewEditionQuery builds a query for the edition of pk
// posed at now.
func NewEditionQuery(pk signature.PublicKey, now time.Time) (Query, error) { // A
	r, err := NewRiddle(pk[:])
	if err != nil {
		return Query{}, err
	}
	return Query{Kind: QueryEdition, Timestamp: now.Unix(), Riddle: r}, nil
}

// Nonce identifies q for replay detection.
func (q Query) Nonce() [NonceSize]byte { return q.Riddle.Rand } // A

// Validate rejects queries a responder cannot act on.
func (q Query) Validate() error { // A
	if q.Riddle.Rand == [NonceSize]byte{} {
		return fmt.Errorf("%w: empty nonce", sderrors.ErrReplay)
	}
	switch q.Kind {
	case QueryObject:
		if len(q.Hint) != HintSize {
			return fmt.Errorf("object query with %d byte hint", len(q.Hint))
		}
	case QueryEdition:
		if len(q.Hint) != 0 {
			return fmt.Errorf("edition query with hint")
		}
	default:
		return fmt.Errorf("%w: query %s", sderrors.ErrUnknownKind, q.Kind)
	}
	return nil
}

// Target names the query for logs without revealing what
// it asks for.
func (q Query) Target() string { // A
	return hex.EncodeToString(q.Riddle.Hash[:6])
}

// ObjectAnswer is the sealed body of an object answer.
// Inline answers carry the whole object, which may be
// empty. Otherwise the object is pulled directly from the
// responder.
type ObjectAnswer struct { // A
	Inline  bool   `cbor:"inline"`
	Content []byte `cbor:"content"`
	Size    int64  `cbor:"size"`
}

// EditionAnswer is the sealed body of an edition answer.
type EditionAnswer struct { // A
	Edition model.Edition `cbor:"edition"`
}

// QueryResponse is one answer to a Query. The body is
// sealed to the asker; relays only see PullAddr and NodeID,
// which the hub fills in for the responder.
type QueryResponse struct { // A
	Found    bool              `cbor:"found"`
	Sealed   []byte            `cbor:"sealed,omitempty"`
	PullAddr string            `cbor:"pull_addr,omitempty"`
	NodeID   interfaces.NodeID `cbor:"node_id"`
}

// Check verifies that r is structurally an answer. Whether
// it truly answers the query is only known to the asker,
// which opens it.
func (r QueryResponse) Check() error { // A
	if r.Found && len(r.Sealed) == 0 {
		return fmt.Errorf("answer without sealed body")
	}
	return nil
}

// SealObject answers q, which h solves, with a.
func SealObject(q Query, h address.ObjectHash, a ObjectAnswer) (QueryResponse, error) { // A
	plain, err := codec.Marshal(a)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("encode object answer: %w", err)
	}
	sealed, err := q.Riddle.Seal(h[:], plain)
	if err != nil {
		return QueryResponse{}, err
	}
	return QueryResponse{Found: true, Sealed: sealed}, nil
}

// OpenObject opens an answer to the object query q for h.
// Answers that do not open, or that decode to nonsense,
// wrap ErrHashMismatch.
func OpenObject(q Query, h address.ObjectHash, r QueryResponse) (ObjectAnswer, error) { // A
	plain, err := q.Riddle.Open(h[:], r.Sealed)
	if err != nil {
		return ObjectAnswer{}, err
	}
	a, err := codec.Decode[ObjectAnswer](plain)
	if err != nil {
		return ObjectAnswer{}, fmt.Errorf("%w: object answer: %w", sderrors.ErrHashMismatch, err)
	}
	if a.Inline && a.Content == nil {
		a.Content = []byte{}
	}
	return a, nil
}

// SealEdition answers the edition query q with e.
func SealEdition(q Query, e model.Edition) (QueryResponse, error) { // A
	plain, err := codec.Marshal(EditionAnswer{Edition: e})
	if err != nil {
		return QueryResponse{}, fmt.Errorf("encode edition answer: %w", err)
	}
	sealed, err := q.Riddle.Seal(e.PublicKey[:], plain)
	if err != nil {
		return QueryResponse{}, err
	}
	return QueryResponse{Found: true, Sealed: sealed}, nil
}

// OpenEdition opens an answer to the edition query q for
// pk. Signature and timestamp are left to the edition
// resolver.
func OpenEdition(q Query, pk signature.PublicKey, r QueryResponse) (model.Edition, error) { // A
	plain, err := q.Riddle.Open(pk[:], r.Sealed)
	if err != nil {
		return model.Edition{}, err
	}
	a, err := codec.Decode[EditionAnswer](plain)
	if err != nil {
		return model.Edition{}, fmt.Errorf("%w: edition answer: %w", sderrors.ErrHashMismatch, err)
	}
	if a.Edition.PublicKey != pk {
		return model.Edition{}, fmt.Errorf("%w: edition of %s answered for %s",
			sderrors.ErrHashMismatch, a.Edition.PublicKey.Short(), pk.Short())
	}
	return a.Edition, nil
}

// Announce pushes a freshly published edition.
type Announce struct { // A
	Edition model.Edition `cbor:"edition"`
}

func (Announce) Type() interfaces.MessageType { return interfaces.MessageTypeAnnounceEdition } // A

// Subscribe registers interest in announcements for a key.
type Subscribe struct { // A
	PublicKey signature.PublicKey    `cbor:"public_key"`
	Kind      model.SubscriptionKind `cbor:"kind"`
}

func (Subscribe) Type() interfaces.MessageType { return interfaces.MessageTypeSubscribe } // A

// Unsubscribe drops an earlier Subscribe.
type Unsubscribe struct { // A
	PublicKey signature.PublicKey    `cbor:"public_key"`
	Kind      model.SubscriptionKind `cbor:"kind"`
}

func (Unsubscribe) Type() interfaces.MessageType { return interfaces.MessageTypeUnsubscribe } // A

// Fetch pulls the raw bytes of an object directly from a
// peer that offered it.
type Fetch struct { // A
	Hash address.ObjectHash `cbor:"hash"`
}

func (Fetch) Type() interfaces.MessageType { return interfaces.MessageTypeFetch } // A

// Encode wraps p into a transport message.
func Encode(p Payload) (interfaces.Message, error) { // A
	data, err := codec.Marshal(p)
	if err != nil {
		return interfaces.Message{}, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return interfaces.Message{Type: p.Type(), Payload: data}, nil
}

// Decode parses the payload of msg as T after checking the
// message type.
func Decode[T Payload](msg interfaces.Message) (T, error) { // A
	var zero T
	if msg.Type != zero.Type() {
		return zero, fmt.Errorf("%w: got %s, want %s",
			sderrors.ErrUnknownKind, msg.Type, zero.Type())
	}
	out, err := codec.Decode[T](msg.Payload)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return out, nil
}

// EncodeQueryResponse wraps r into a response frame.
func EncodeQueryResponse(r QueryResponse) (interfaces.Response, error) { // A
	data, err := codec.Marshal(r)
	if err != nil {
		return interfaces.Response{}, fmt.Errorf("encode query response: %w", err)
	}
	return interfaces.Response{Payload: data}, nil
}

// DecodeQueryResponse parses a response frame produced by
// EncodeQueryResponse.
func DecodeQueryResponse(resp interfaces.Response) (QueryResponse, error) { // A
	r, err := codec.Decode[QueryResponse](resp.Payload)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("decode query response: %w", err)
	}
	return r, nil
}
