package offgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Served-from tags, reported in the X-Offgate header and the stats line.
const (
	servedHit         = "hit"
	servedMiss        = "miss"
	servedStale       = "stale"
	servedNetwork     = "network"
	servedRevalidated = "revalidated"
	servedFallback    = "fallback"
	servedBypass      = "bypass"
)

// fetcher performs origin fetches with a per-call timeout and decides
// cacheability of the response.
type fetcher struct {
	client  *http.Client
	origin  string
	maxBody int64
}

// fetch GETs origin+uri. A transport error or timeout is ErrNetwork; a
// non-2xx status is ErrInvalidResponse. Both mean the caller falls back.
// cacheable is false for clean responses that still must not be stored
// (Cache-Control: no-store, or body over the configured cap).
func (f *fetcher) fetch(ctx context.Context, uri string, hdr http.Header, timeout time.Duration) (ent Entry, cacheable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin+uri, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s: %v", ErrNetwork, uri, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s: %v", ErrNetwork, uri, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, false, fmt.Errorf("%w: %s: status %d", ErrInvalidResponse, uri, resp.StatusCode)
	}

	ent = Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	cacheable = true
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		cacheable = false
	}
	if f.maxBody > 0 && int64(len(body)) > f.maxBody {
		cacheable = false
	}
	return ent, cacheable, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// Executor runs one of the caching strategies for a request against the store
// and the origin.
type Executor struct {
	store *Store
	fetch *fetcher
	log   *slog.Logger

	group singleflight.Group
	bgSem chan struct{}
	wg    *sync.WaitGroup
}

func newExecutor(store *Store, fetch *fetcher, log *slog.Logger, wg *sync.WaitGroup) *Executor {
	return &Executor{
		store: store,
		fetch: fetch,
		log:   log,
		bgSem: make(chan struct{}, 32),
		wg:    wg,
	}
}

// Do resolves a request under the policy. The returned tag names the source
// the entry came from. Any error is recoverable by the caller's fallback.
func (e *Executor) Do(ctx context.Context, key string, hdr http.Header, pol Policy) (Entry, string, error) {
	switch pol.Strategy {
	case CacheFirst:
		return e.cacheFirst(ctx, key, hdr, pol)
	case NetworkFirst:
		return e.networkFirst(ctx, key, hdr, pol)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(key, hdr, pol)
	case CacheOnly:
		return e.cacheOnly(key, pol)
	case NetworkOnly:
		return e.networkOnly(ctx, key, hdr, pol)
	}
	return Entry{}, "", fmt.Errorf("unknown strategy %q", pol.Strategy)
}

func (e *Executor) cacheFirst(ctx context.Context, key string, hdr http.Header, pol Policy) (Entry, string, error) {
	ent, ok, err := e.store.Get(pol.Cache, key)
	if err != nil {
		e.log.Error("cache read failed", "cache", pol.Cache, "key", key, "err", err)
	}
	if ok {
		return ent, servedHit, nil
	}
	ent, cacheable, err := e.fetch.fetch(ctx, key, hdr, pol.Timeout)
	if err != nil {
		return Entry{}, "", err
	}
	e.storeEntry(pol, key, ent, cacheable)
	return ent, servedMiss, nil
}

func (e *Executor) networkFirst(ctx context.Context, key string, hdr http.Header, pol Policy) (Entry, string, error) {
	ent, cacheable, ferr := e.fetch.fetch(ctx, key, hdr, pol.Timeout)
	if ferr == nil {
		e.storeEntry(pol, key, ent, cacheable)
		return ent, servedNetwork, nil
	}
	cached, ok, err := e.store.Get(pol.Cache, key)
	if err != nil {
		e.log.Error("cache read failed", "cache", pol.Cache, "key", key, "err", err)
	}
	if ok {
		return cached, servedStale, nil
	}
	return Entry{}, "", fmt.Errorf("%w: %s: %v", ErrNoSource, key, ferr)
}

// staleWhileRevalidate serves the cached entry immediately when one exists and
// refreshes it in the background; the refresh is deduplicated per key and not
// tied to the caller's context. With an empty cache the caller awaits the
// shared fetch instead. The cache read always happens before the background
// write can land, and the store itself is last-writer-wins.
func (e *Executor) staleWhileRevalidate(key string, hdr http.Header, pol Policy) (Entry, string, error) {
	cached, ok, err := e.store.Get(pol.Cache, key)
	if err != nil {
		e.log.Error("cache read failed", "cache", pol.Cache, "key", key, "err", err)
	}
	if ok {
		e.revalidateAsync(key, cloneHeader(hdr), pol)
		return cached, servedStale, nil
	}

	v, ferr, _ := e.group.Do(sfKey(pol.Cache, key), e.fetchAndStore(key, cloneHeader(hdr), pol))
	if ferr != nil {
		return Entry{}, "", fmt.Errorf("%w: %s: %v", ErrNoSource, key, ferr)
	}
	return v.(Entry), servedMiss, nil
}

func (e *Executor) cacheOnly(key string, pol Policy) (Entry, string, error) {
	ent, ok, err := e.store.Get(pol.Cache, key)
	if err != nil {
		return Entry{}, "", err
	}
	if !ok {
		return Entry{}, "", fmt.Errorf("%w: %s not in %s", ErrNoSource, key, pol.Cache)
	}
	return ent, servedHit, nil
}

func (e *Executor) networkOnly(ctx context.Context, key string, hdr http.Header, pol Policy) (Entry, string, error) {
	ent, _, err := e.fetch.fetch(ctx, key, hdr, pol.Timeout)
	if err != nil {
		return Entry{}, "", err
	}
	return ent, servedNetwork, nil
}

func sfKey(cache, key string) string { return cache + "\x00" + key }

// fetchAndStore builds the shared fetch closure used by both the foreground
// miss path and background revalidation. It runs on a detached context so a
// caller navigating away cannot cancel a refresh already in flight.
func (e *Executor) fetchAndStore(key string, hdr http.Header, pol Policy) func() (any, error) {
	return func() (any, error) {
		ent, cacheable, err := e.fetch.fetch(context.Background(), key, hdr, pol.Timeout)
		if err != nil {
			return nil, err
		}
		e.storeEntry(pol, key, ent, cacheable)
		return ent, nil
	}
}

func (e *Executor) revalidateAsync(key string, hdr http.Header, pol Policy) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		if _, err, _ := e.group.Do(sfKey(pol.Cache, key), e.fetchAndStore(key, hdr, pol)); err != nil {
			e.log.Debug("revalidation failed", "key", key, "err", err)
		}
	}()
}

// storeEntry writes a valid response into the cache and applies the route's
// expiration policy. Store faults are surfaced in the log but never block
// serving the fresh response.
func (e *Executor) storeEntry(pol Policy, key string, ent Entry, cacheable bool) {
	if !cacheable || pol.Cache == "" {
		return
	}
	if err := e.store.Put(pol.Cache, key, ent); err != nil {
		e.log.Error("cache write failed", "cache", pol.Cache, "key", key, "err", err)
		return
	}
	if err := e.store.Expire(pol.Cache, pol.Expiration, time.Now()); err != nil {
		e.log.Error("cache expiration failed", "cache", pol.Cache, "err", err)
	}
}
