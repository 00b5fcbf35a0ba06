// Package ids issues document identifiers and invite tokens.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Provider issues identifiers for new documents.
type Provider interface {
	NewID() (string, error)
}

type ulidProvider struct {
	mu      sync.Mutex
	clock   func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewULIDProvider constructs a Provider that issues lexically time-sortable
// ULIDs backed by crypto/rand entropy.
func NewULIDProvider(clock func() time.Time) Provider {
	if clock == nil {
		clock = time.Now
	}
	return &ulidProvider{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.clock().UTC()), p.entropy)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewInviteToken returns an opaque, unguessable capability token.
func NewInviteToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
