package offgate

import (
	"errors"
	"net/http"
)

// Entry is one cached response. Entries are gob-encoded into the store, so the
// fields stay plain data.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Strategy selects how a request is resolved between cache and origin.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	CacheOnly            Strategy = "cache-only"
	NetworkOnly          Strategy = "network-only"
)

func (s Strategy) valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, CacheOnly, NetworkOnly:
		return true
	}
	return false
}

// Error kinds. Strategy-level failures are matched with errors.Is; the
// interception handler converts them all into a served fallback.
var (
	// ErrStorage is a cache store fault (quota, I/O). Surfaced, not retried.
	ErrStorage = errors.New("storage fault")

	// ErrNetwork covers origin fetch failures, including timeout and abort.
	ErrNetwork = errors.New("network failure")

	// ErrInvalidResponse marks a response that must not be cached (non-2xx or
	// no-store). Treated like ErrNetwork for fallback purposes.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNoSource means both origin and cache came up empty.
	ErrNoSource = errors.New("no source available")

	// ErrSyncDelivery is a failed deferred-action POST; the record stays queued.
	ErrSyncDelivery = errors.New("sync delivery failed")
)
