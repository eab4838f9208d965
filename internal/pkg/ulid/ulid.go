// Package ulid issues the identifiers used for provisioning jobs.
// ULIDs sort lexicographically by creation time, so job files and
// listings come back in dispatch order without a separate sequence,
// and the embedded timestamp dates a job without a lookup.
package ulid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New generates a job id for the current time. Ids generated within
// the same millisecond still sort in generation order.
func New() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewFromTime generates an id carrying a specific timestamp.
func NewFromTime(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// Parse parses a job id.
func Parse(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}

// IsValid reports whether s is a well-formed job id. Handlers use
// this to reject malformed ids before touching the store.
func IsValid(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

// Time extracts the creation timestamp embedded in a job id.
func Time(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
