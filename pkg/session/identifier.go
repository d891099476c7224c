// Package session generates and validates relay identifiers.
package session

import (
	cryptorand "crypto/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu   sync.Mutex
	ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)

	sessionIDPattern = regexp.MustCompile(`^[0-9a-hjkmnp-tv-z]{26}$`)
)

// NewID returns a unique, time-ordered session identifier.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt returns a session identifier stamped with t.
func NewIDAt(t time.Time) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), ulidEntropy)
	entropyMu.Unlock()
	return strings.ToLower(id.String())
}

// ValidID reports whether id has the shape produced by NewID. Lookups use
// it to reject garbage before touching the index.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// CreatedAt extracts the creation time encoded in a session id.
func CreatedAt(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// NewConnID returns a random identifier for one attached connection.
func NewConnID() string {
	return uuid.NewString()
}
