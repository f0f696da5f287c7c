package offgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lifecycleConfig(t *testing.T, origin string, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server: {origin: %q}
cache: {prefix: "gp", version: "v2"}
precache:
  resources: ["/", "/styles.css", "/offline.html"]
  retryEvery: "10ms"
%s`, origin, extra)))
	require.NoError(t, err)
	return cfg
}

func newTestLifecycle(t *testing.T, cfg Config) (*Lifecycle, *Store, *Broadcaster) {
	t.Helper()
	store := newTestStore(t)
	f := &fetcher{client: &http.Client{}, origin: cfg.Server.Origin}
	b := newBroadcaster()
	return newLifecycle(cfg, store, f, discardLogger(), b), store, b
}

func TestInstallAllOrNothing(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/styles.css" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	l, store, _ := newTestLifecycle(t, lifecycleConfig(t, origin.URL, ""))
	err := l.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, stateInstalling, l.State())

	keys, kerr := store.Keys("gp-v2-static")
	require.NoError(t, kerr)
	assert.Empty(t, keys, "a single failed resource must leave no partial cache")

	done, derr := store.Installed("v2")
	require.NoError(t, derr)
	assert.False(t, done)
}

func TestInstallSuccessIsIdempotent(t *testing.T) {
	var fetches atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, "content of "+r.URL.Path)
	}))
	defer origin.Close()

	l, store, _ := newTestLifecycle(t, lifecycleConfig(t, origin.URL, ""))
	require.NoError(t, l.Install(context.Background()))
	assert.Equal(t, stateWaiting, l.State())
	assert.EqualValues(t, 3, fetches.Load())

	keys, err := store.Keys("gp-v2-static")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	ent, ok, err := store.Get("gp-v2-static", "/offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content of /offline.html", string(ent.Body))

	// a second install attempt for the same version is a no-op
	require.NoError(t, l.Install(context.Background()))
	assert.EqualValues(t, 3, fetches.Load())
}

func TestInstallRetriesAfterFailure(t *testing.T) {
	var healthy atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "not yet", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	l, _, _ := newTestLifecycle(t, lifecycleConfig(t, origin.URL, ""))
	require.Error(t, l.Install(context.Background()))

	healthy.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.Run(ctx)
	assert.Equal(t, stateActive, l.State(), "install retried and activation followed")
}

func TestActivateSweepsPriorGenerations(t *testing.T) {
	l, store, b := newTestLifecycle(t, lifecycleConfig(t, "http://unused.invalid", ""))

	require.NoError(t, store.Put("gp-v1-static", "/", testEntry("old")))
	require.NoError(t, store.Put("gp-v1-images", "/a.png", testEntry("old")))
	require.NoError(t, store.Put("gp-v2-static", "/", testEntry("new")))
	require.NoError(t, store.Put("unrelated", "/x", testEntry("keep")))
	require.NoError(t, store.MarkInstalled("v1"))
	require.NoError(t, store.MarkInstalled("v2"))

	_, ch := b.Subscribe()

	l.state.Store(int32(stateWaiting))
	require.NoError(t, l.Activate())
	assert.Equal(t, stateActive, l.State())

	names, err := store.CacheNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gp-v2-static", "unrelated"}, names,
		"every prior-version cache deleted, current and foreign caches intact")

	done, err := store.Installed("v1")
	require.NoError(t, err)
	assert.False(t, done, "stale install marker cleared")

	select {
	case msg := <-ch:
		assert.Equal(t, msgUpdated, msg.Type)
		assert.Equal(t, "v2", msg.Version)
	default:
		t.Fatal("expected an update broadcast")
	}
}

func TestActivateRequiresWaiting(t *testing.T) {
	l, _, _ := newTestLifecycle(t, lifecycleConfig(t, "http://unused.invalid", ""))
	assert.Error(t, l.Activate(), "cannot activate before install finished")
}

func TestSkipWaitingDuringInstallActivatesAfter(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	cfg := lifecycleConfig(t, origin.URL, "activateImmediately: false\n")
	l, _, _ := newTestLifecycle(t, cfg)

	require.NoError(t, l.SkipWaiting(), "skip request during install is remembered")
	l.Run(context.Background())
	assert.Equal(t, stateActive, l.State())
}

func TestWaitingHoldsUntilSkipWaiting(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	cfg := lifecycleConfig(t, origin.URL, "activateImmediately: false\n")
	l, _, _ := newTestLifecycle(t, cfg)

	l.Run(context.Background())
	assert.Equal(t, stateWaiting, l.State())

	require.NoError(t, l.SkipWaiting())
	assert.Equal(t, stateActive, l.State())
}

func TestFallbackPrefersExactCachedCopy(t *testing.T) {
	l, store, _ := newTestLifecycle(t, lifecycleConfig(t, "http://unused.invalid", ""))
	require.NoError(t, store.Put("gp-v2-static", "/offline.html", testEntry("offline page")))
	require.NoError(t, store.Put("gp-v2-images", "/logo.png", testEntry("logo bytes")))

	ent := l.Fallback("/logo.png", destImage)
	assert.Equal(t, "logo bytes", string(ent.Body), "last cached copy wins regardless of policy")
}

func TestFallbackOfflineDocumentForDocuments(t *testing.T) {
	l, store, _ := newTestLifecycle(t, lifecycleConfig(t, "http://unused.invalid", ""))
	require.NoError(t, store.Put("gp-v2-static", "/offline.html", testEntry("offline page")))

	ent := l.Fallback("/never-seen", destDocument)
	assert.Equal(t, 200, ent.Status)
	assert.Equal(t, "offline page", string(ent.Body))
}

func TestFallbackPlaceholderForOtherResources(t *testing.T) {
	l, _, _ := newTestLifecycle(t, lifecycleConfig(t, "http://unused.invalid", ""))
	ent := l.Fallback("/never-seen.png", destImage)
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Equal(t, "offline", string(ent.Body))
}
