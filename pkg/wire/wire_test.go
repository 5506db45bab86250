package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

func TestQueryNoncesAreUnique(t *testing.T) { // A
	t.Parallel()
	h := address.HashObject([]byte("x"))
	a, err := NewObjectQuery(h, time.Unix(100, 0))
	require.NoError(t, err)
	b, err := NewObjectQuery(h, time.Unix(100, 0))
	require.NoError(t, err)
	require.NotEqual(t, a.Nonce(), b.Nonce())
	require.NotEqual(t, a.Riddle.Hash, b.Riddle.Hash)
	require.Equal(t, int64(100), a.Timestamp)
	require.NoError(t, a.Validate())
}

func TestQueryHidesTarget(t *testing.T) { // A
	t.Parallel()
	h := address.HashObject([]byte("secret object"))
	q, err := NewObjectQuery(h, time.Unix(1, 0))
	require.NoError(t, err)

	msg, err := Encode(q)
	require.NoError(t, err)
	require.False(t, bytes.Contains(msg.Payload, h[:]), "query leaks the object hash")
	require.Equal(t, h[:HintSize], q.Hint)
	require.True(t, q.Riddle.Resolves(h[:]))
	require.False(t, q.Riddle.Resolves(address.HashObject([]byte("other")).Bytes()))

	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	eq, err := NewEditionQuery(kp.Public, time.Unix(1, 0))
	require.NoError(t, err)
	msg, err = Encode(eq)
	require.NoError(t, err)
	require.False(t, bytes.Contains(msg.Payload, kp.Public[:]), "query leaks the series key")
	require.True(t, eq.Riddle.Resolves(kp.Public[:]))
}

func TestQueryValidate(t *testing.T) { // A
	t.Parallel()
	riddle := Riddle{Rand: [NonceSize]byte{1}}
	hint := []byte{0xab, 0xcd}

	tests := []struct {
		name    string
		query   Query
		wantErr error
		ok      bool
	}{
		{"object", Query{Kind: QueryObject, Riddle: riddle, Hint: hint}, nil, true},
		{"edition", Query{Kind: QueryEdition, Riddle: riddle}, nil, true},
		{"no nonce", Query{Kind: QueryObject, Hint: hint}, sderrors.ErrReplay, false},
		{"unknown kind", Query{Kind: 9, Riddle: riddle}, sderrors.ErrUnknownKind, false},
		{"object without hint", Query{Kind: QueryObject, Riddle: riddle}, nil, false},
		{"object with long hint", Query{Kind: QueryObject, Riddle: riddle, Hint: []byte{1, 2, 3}}, nil, false},
		{"edition with hint", Query{Kind: QueryEdition, Riddle: riddle, Hint: hint}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.query.Validate()
			if tt.ok {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeDecodeChecksType(t *testing.T) { // A
	t.Parallel()
	h := address.HashObject([]byte("payload"))
	msg, err := Encode(Fetch{Hash: h})
	require.NoError(t, err)
	require.Equal(t, interfaces.MessageTypeFetch, msg.Type)

	f, err := Decode[Fetch](msg)
	require.NoError(t, err)
	require.Equal(t, h, f.Hash)

	_, err = Decode[Hello](msg)
	require.ErrorIs(t, err, sderrors.ErrUnknownKind)
}

func TestQueryResponseCheck(t *testing.T) { // A
	t.Parallel()
	require.NoError(t, QueryResponse{}.Check())
	require.NoError(t, QueryResponse{Found: true, Sealed: []byte{1}}.Check())
	require.Error(t, QueryResponse{Found: true}.Check())
}

func TestObjectAnswerRoundTrip(t *testing.T) { // A
	t.Parallel()
	for _, content := range [][]byte{[]byte("the object"), {}} {
		h := address.HashObject(content)
		q, err := NewObjectQuery(h, time.Unix(5, 0))
		require.NoError(t, err)

		r, err := SealObject(q, h, ObjectAnswer{Inline: true, Content: content, Size: int64(len(content))})
		require.NoError(t, err)
		resp, err := EncodeQueryResponse(r)
		require.NoError(t, err)
		got, err := DecodeQueryResponse(resp)
		require.NoError(t, err)
		require.NoError(t, got.Check())
		require.False(t, bytes.Contains(resp.Payload, h[:]))

		a, err := OpenObject(q, h, got)
		require.NoError(t, err)
		require.True(t, a.Inline)
		require.NotNil(t, a.Content)
		require.Equal(t, content, a.Content)
	}
}

func TestForgedAnswersDoNotOpen(t *testing.T) { // A
	t.Parallel()
	h := address.HashObject([]byte("wanted"))
	other := address.HashObject([]byte("unrelated"))
	q, err := NewObjectQuery(h, time.Unix(5, 0))
	require.NoError(t, err)

	// A responder that does not know h can only guess.
	forged, err := SealObject(q, other, ObjectAnswer{Inline: true, Content: []byte("forged")})
	require.NoError(t, err)
	_, err = OpenObject(q, h, forged)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)

	r, err := SealObject(q, h, ObjectAnswer{Inline: true, Content: []byte("wanted")})
	require.NoError(t, err)
	r.Sealed[len(r.Sealed)-1] ^= 1
	_, err = OpenObject(q, h, r)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)

	_, err = OpenObject(q, h, QueryResponse{Found: true, Sealed: []byte{1, 2}})
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)

	// Replies to one query do not open under another.
	q2, err := NewObjectQuery(h, time.Unix(5, 0))
	require.NoError(t, err)
	r, err = SealObject(q, h, ObjectAnswer{Inline: true, Content: []byte("wanted")})
	require.NoError(t, err)
	_, err = OpenObject(q2, h, r)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)
}

func TestEditionAnswerRoundTrip(t *testing.T) { // A
	t.Parallel()
	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	other, err := signature.GenerateKeypair()
	require.NoError(t, err)
	ed, err := model.NewEdition(kp, model.EditionContent{
		Collection: address.HashObject([]byte("manifest")).Collection(),
		Timestamp:  42,
		TTL:        60,
	}, false)
	require.NoError(t, err)

	q, err := NewEditionQuery(kp.Public, time.Unix(42, 0))
	require.NoError(t, err)
	r, err := SealEdition(q, ed)
	require.NoError(t, err)
	resp, err := EncodeQueryResponse(r)
	require.NoError(t, err)
	got, err := DecodeQueryResponse(resp)
	require.NoError(t, err)
	require.NoError(t, got.Check())

	e, err := OpenEdition(q, kp.Public, got)
	require.NoError(t, err)
	require.NoError(t, e.Verify())
	require.Equal(t, ed.Content, e.Content)

	_, err = OpenEdition(q, other.Public, got)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)
}
