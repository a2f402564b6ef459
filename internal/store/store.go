package store

import (
	"context"
	"errors"
	"time"

	"github.com/stockroomhq/stockroom/internal/models"
)

// ErrNotExist is thrown when a challenge (requested by purpose / e-mail)
// does not exist.
var ErrNotExist = errors.New("the challenge does not exist")

// Store represents a storage backend for in-flight OTP challenges and
// per-identity send cooldowns. A deployment with a single instance can use
// the in-memory implementation; multiple instances must share the Redis
// one.
type Store interface {
	// SetChallenge stores a challenge against (purpose, email), replacing
	// any existing one. The entry is retained for ttl, which must cover
	// both the code expiry window and a possible lockout so that read
	// paths can distinguish "expired" and "locked" from "gone".
	SetChallenge(ctx context.Context, purpose, email string, ch models.Challenge, ttl time.Duration) error

	// CheckChallenge fetches the challenge. Passing counter=true
	// atomically increments the attempt counter in the same call; the
	// returned challenge carries the post-increment count. The
	// read-and-increment is a single method so concurrent verifies cannot
	// lose updates.
	CheckChallenge(ctx context.Context, purpose, email string, counter bool) (models.Challenge, error)

	// LockChallenge records an attempt lockout on the challenge.
	LockChallenge(ctx context.Context, purpose, email string, until time.Time) error

	// DeleteChallenge removes the challenge.
	DeleteChallenge(ctx context.Context, purpose, email string) error

	// ReserveSend atomically claims the send slot for an identity. When
	// the previous send is still inside window, it reports ok=false and
	// the remaining wait.
	ReserveSend(ctx context.Context, email string, window time.Duration) (retryIn time.Duration, ok bool, err error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
