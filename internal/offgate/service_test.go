package offgate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOrigin struct {
	srv       *httptest.Server
	assetHits atomic.Int64
	shareSink *deliverySink
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{shareSink: &deliverySink{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		o.assetHits.Add(1)
		fmt.Fprint(w, "asset:"+r.URL.Path)
	})
	mux.Handle("/api/share", o.shareSink.handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "page:"+r.URL.Path)
	})
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func newTestService(t *testing.T, origin *testOrigin) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server: {origin: %q}
storage: {path: %q}
cache: {prefix: "gp", version: "v9"}
network: {timeout: "1s"}
precache:
  resources: ["/", "/offline.html"]
  retryEvery: "20ms"
offline: {document: "/offline.html"}
routes:
  - match: "PathPrefix(/assets/)"
    strategy: "cache-first"
    cache: "images"
    maxEntries: 50
sync:
  endpoints:
    share: "/api/share"
`, origin.srv.URL, filepath.Join(t.TempDir(), "db"))))
	require.NoError(t, err)

	svc, err := NewService(cfg, discardLogger())
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Close)

	require.Eventually(t, func() bool { return svc.life.State() == stateActive },
		5*time.Second, 10*time.Millisecond, "service should install and activate")
	return svc
}

func TestServiceServesAndCachesAssets(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/assets/img/logo.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Offgate"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Offgate")
	assert.Equal(t, "asset:/assets/img/logo.png", string(body))

	resp, err = http.Get(gw.URL + "/assets/img/logo.png")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hit", resp.Header.Get("X-Offgate"))
	assert.Equal(t, "asset:/assets/img/logo.png", string(body))
	assert.EqualValues(t, 1, origin.assetHits.Load(), "cache-first hit must not refetch")
}

func TestServiceServesStalePageWhenOriginDies(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/play")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "network", resp.Header.Get("X-Offgate"))

	origin.srv.Close()

	resp, err = http.Get(gw.URL + "/play")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "stale", resp.Header.Get("X-Offgate"))
	assert.Equal(t, "page:/play", string(body))
}

func TestServiceOfflineFallbackDocument(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	origin.srv.Close()

	// never-seen document: network down, cache empty -> offline document
	resp, err := http.Get(gw.URL + "/never-visited")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get("X-Offgate"))
	assert.Equal(t, "page:/offline.html", string(body))
}

func TestServiceOfflinePlaceholderForAssets(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	origin.srv.Close()

	resp, err := http.Get(gw.URL + "/assets/img/never.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get("X-Offgate"))
	assert.Equal(t, "offline", string(body))
}

func TestServiceBypassesWrites(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/api/share", "application/json", strings.NewReader(`{"phrase":"direct"}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offgate"))
	assert.Equal(t, []string{`{"phrase":"direct"}`}, origin.shareSink.delivered())
}

func postMessage(t *testing.T, url string, msg any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	resp, err := http.Post(url+"/_offgate/message", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServiceControlMessages(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	code, out := postMessage(t, gw.URL, map[string]any{"type": "GET_VERSION"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v9", out["version"])

	code, out = postMessage(t, gw.URL, map[string]any{"type": "SKIP_WAITING"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", out["state"])

	// BACKGROUND_SYNC with no watcher running delivers immediately
	code, out = postMessage(t, gw.URL, map[string]any{
		"type": "BACKGROUND_SYNC", "tag": "share", "payload": map[string]string{"phrase": "queued"},
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "share", out["queued"])
	require.Eventually(t, func() bool { return len(origin.shareSink.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"phrase":"queued"}`, origin.shareSink.delivered()[0])

	code, _ = postMessage(t, gw.URL, map[string]any{"type": "CLEAR_CACHE"})
	assert.Equal(t, http.StatusOK, code)
	_, ok, err := svc.store.Get("gp-v9-static", "/offline.html")
	require.NoError(t, err)
	assert.False(t, ok, "CLEAR_CACHE purges the primary cache")

	code, out = postMessage(t, gw.URL, map[string]any{"type": "NO_SUCH_TYPE"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "unknown message type")
}

func TestServiceStatus(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/_offgate/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "v9", out["version"])
	assert.Equal(t, "active", out["state"])
}

func TestServiceEventsStream(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	gw := httptest.NewServer(svc.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/_offgate/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	require.Eventually(t, func() bool { return svc.events.Sessions() == 1 },
		2*time.Second, 10*time.Millisecond)
	svc.events.Broadcast(Message{Type: msgUpdated, Version: "v10"})

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				got <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()
	select {
	case data := <-got:
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(data), &msg))
		assert.Equal(t, msgUpdated, msg.Type)
		assert.Equal(t, "v10", msg.Version)
	case <-deadline:
		t.Fatal("no event received")
	}
}
