package model

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/i5heu/samizdat/pkg/codec"
)

// Header describes user content stored in an object
// envelope. Nonce carries no meaning; changing it reissues
// the same content under a new hash.
type Header struct {
	ContentType string `cbor:"content_type"`
	IsDraft     bool   `cbor:"is_draft"`
	Nonce       uint64 `cbor:"nonce"`
}

const (
	envelopeLenSize = 4
	maxHeaderSize   = 64 * 1024
)

// Reissued returns a copy of h with a fresh random nonce.
func (h Header) Reissued() (Header, error) { // A
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Header{}, fmt.Errorf("draw nonce: %w", err)
	}
	h.Nonce = binary.BigEndian.Uint64(b[:])
	return h, nil
}

// EncodeEnvelope lays out
// [4B header length big-endian][CBOR header][content].
func EncodeEnvelope(h Header, content []byte) ([]byte, error) { // A
	hdr, err := codec.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	out := make([]byte, envelopeLenSize+len(hdr)+len(content))
	// #nosec G115 -- header is a small CBOR struct.
	binary.BigEndian.PutUint32(out[:envelopeLenSize], uint32(len(hdr)))
	copy(out[envelopeLenSize:], hdr)
	copy(out[envelopeLenSize+len(hdr):], content)
	return out, nil
}

// DecodeEnvelope splits an envelope into header and
// content. The returned content aliases data.
func DecodeEnvelope(data []byte) (Header, []byte, error) { // A
	if len(data) < envelopeLenSize {
		return Header{}, nil, errors.New("envelope too short")
	}
	n := binary.BigEndian.Uint32(data[:envelopeLenSize])
	if n > maxHeaderSize || int(n) > len(data)-envelopeLenSize {
		return Header{}, nil, fmt.Errorf("envelope header length %d out of range", n)
	}
	var h Header
	end := envelopeLenSize + int(n)
	if err := codec.Unmarshal(data[envelopeLenSize:end], &h); err != nil {
		return Header{}, nil, fmt.Errorf("decode header: %w", err)
	}
	return h, data[end:], nil
}

// ObjectStats is the usage record kept per stored object.
type ObjectStats struct {
	Size          int64         `cbor:"size"`
	CreatedAt     time.Time     `cbor:"created_at"`
	LastTouchedAt time.Time     `cbor:"last_touched_at"`
	Touches       uint64        `cbor:"touches"`
	QueryDuration time.Duration `cbor:"query_duration"`
}

// NewObjectStats starts a record with one touch.
func NewObjectStats( // A
	size int64,
	now time.Time,
	queryDuration time.Duration,
) ObjectStats {
	return ObjectStats{
		Size:          size,
		CreatedAt:     now,
		LastTouchedAt: now,
		Touches:       1,
		QueryDuration: queryDuration,
	}
}

// Touch records an access at now.
func (s *ObjectStats) Touch(now time.Time) { // A
	s.LastTouchedAt = now
	s.Touches++
}

// UsePrior holds the prior parameters of the usage model:
// a Gamma prior over the access rate (GammaBeta in seconds)
// and a Beta prior over whether the object is still in use.
type UsePrior struct {
	GammaAlpha float64 `mapstructure:"gamma_alpha"`
	GammaBeta  float64 `mapstructure:"gamma_beta"`
	BetaAlpha  float64 `mapstructure:"beta_alpha"`
	BetaBeta   float64 `mapstructure:"beta_beta"`
}

// DefaultUsePrior assumes about one access per day.
func DefaultUsePrior() UsePrior { // A
	return UsePrior{
		GammaAlpha: 1,
		GammaBeta:  86400,
		BetaAlpha:  1,
		BetaBeta:   1,
	}
}

// objectOverhead approximates metadata cost per object.
const objectOverhead = 8192

// ByteUsefulness estimates expected future accesses per
// stored byte. Accesses follow a Poisson process with a
// Gamma-distributed rate; after each access the object may
// fall out of use, modelled as a Beta-distributed coin.
func (s ObjectStats) ByteUsefulness(now time.Time, prior UsePrior) float64 { // A
	inactive := math.Max(0, now.Sub(s.LastTouchedAt).Seconds())
	lifetime := math.Max(0, s.LastTouchedAt.Sub(s.CreatedAt).Seconds())
	touches := float64(s.Touches)

	gammaAlpha := prior.GammaAlpha + touches
	gammaBeta := prior.GammaBeta + lifetime
	survival := math.Pow(1+inactive/gammaBeta, -gammaAlpha)

	betaAlpha := prior.BetaAlpha + (1 - survival)
	betaBeta := prior.BetaBeta + touches
	futureUse := betaBeta / (betaAlpha + betaBeta)

	probUse := futureUse * survival /
		(futureUse*survival + (1 - futureUse))
	accessRate := gammaAlpha / gammaBeta

	return probUse * accessRate / float64(s.Size+objectOverhead)
}
