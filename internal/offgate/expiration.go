package offgate

import "time"

// ExpirationPolicy bounds one named cache. Zero values disable the
// corresponding limit.
type ExpirationPolicy struct {
	MaxEntries int
	MaxAge     time.Duration
}

func (p ExpirationPolicy) enabled() bool {
	return p.MaxEntries > 0 || p.MaxAge > 0
}

// Expire applies the policy to one cache: entries older than MaxAge are purged
// first, then the oldest-inserted entries beyond MaxEntries are trimmed. The
// pass only ever deletes, so it is idempotent and safe to run concurrently
// with get/put.
func (s *Store) Expire(cache string, pol ExpirationPolicy, now time.Time) error {
	if !pol.enabled() {
		return nil
	}
	ms, err := s.metas(cache)
	if err != nil {
		return err
	}

	if pol.MaxAge > 0 {
		cutoff := now.Add(-pol.MaxAge).Unix()
		kept := ms[:0]
		for _, m := range ms {
			if m.StoredAt < cutoff {
				if err := s.Delete(cache, m.Key); err != nil {
					return err
				}
				continue
			}
			kept = append(kept, m)
		}
		ms = kept
	}

	if pol.MaxEntries > 0 && len(ms) > pol.MaxEntries {
		for _, m := range ms[:len(ms)-pol.MaxEntries] {
			if err := s.Delete(cache, m.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
