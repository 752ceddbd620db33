// Package ids generates the time-ordered, 128-bit lexicographic
// identifiers used throughout the store: every Job, Task parent, User,
// Worker, Factory and Target id sorts by creation time.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh time-ordered id string for the current instant.
// ulid.Monotonic is not safe for concurrent use, so calls are serialized
// under a package-level mutex.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether s parses as a well-formed id.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
