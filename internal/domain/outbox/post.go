// Package outbox is the durable queue of posts that could not be delivered
// yet, with duplicate suppression and a notification feed.
package outbox

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrDuplicate = errors.New("duplicate post")
	ErrNotFound  = errors.New("queued post not found")
	ErrEmptyText = errors.New("post text is empty")
)

// QueuedPost is one pending post. IDs are ULIDs so lexical order is
// enqueue order.
type QueuedPost struct {
	ID                  string    `json:"id"`
	Text                string    `json:"text"`
	CreatedAt           time.Time `json:"createdAt"`
	RetryCount          int       `json:"retryCount"`
	NextEligibleRetryAt time.Time `json:"nextEligibleRetryAt"`
	LastError           string    `json:"lastError,omitempty"`
	// Parked posts were rejected permanently and wait for an explicit Retry.
	Parked bool `json:"parked,omitempty"`
}

// ReadyAt reports whether the post may be attempted at now. Parked posts
// are never ready.
func (p QueuedPost) ReadyAt(now time.Time) bool {
	return !p.Parked && !now.Before(p.NextEligibleRetryAt)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
