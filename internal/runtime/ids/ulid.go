package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return CreateULIDAt(time.Now())
}

// CreateULIDAt returns a ULID whose timestamp component is t.
func CreateULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// Time extracts the millisecond timestamp embedded in a ULID string.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
