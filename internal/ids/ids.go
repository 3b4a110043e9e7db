package ids

import (
	cryptorand "crypto/rand"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier whose time component is t. Identifiers minted
// with the same t remain strictly increasing.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Sequence mints identifiers that strictly increase for one owner, even when
// the clock stalls or steps back. Separate sequences (for example in two
// processes sharing a store) draw independent cryptographic entropy, so their
// identifiers do not collide.
type Sequence struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMS  uint64
}

// NewSequence returns an empty Sequence.
func NewSequence() *Sequence {
	return &Sequence{entropy: ulid.Monotonic(cryptorand.Reader, 0)}
}

// Next returns an identifier whose time component is t, or the last used
// time when t is earlier.
func (s *Sequence) Next(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := ulid.Timestamp(t)
	if ms < s.lastMS {
		ms = s.lastMS
	}
	id, err := ulid.New(ms, s.entropy)
	if err != nil {
		return "", err
	}
	s.lastMS = ms
	return id.String(), nil
}
