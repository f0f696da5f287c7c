package offgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type lifecycleState int32

const (
	stateInstalling lifecycleState = iota
	stateWaiting
	stateActivating
	stateActive
)

func (s lifecycleState) String() string {
	switch s {
	case stateInstalling:
		return "installing"
	case stateWaiting:
		return "waiting"
	case stateActivating:
		return "activating"
	case stateActive:
		return "active"
	}
	return "unknown"
}

// Lifecycle drives the install/activate state machine for one cache
// generation and owns the fallback served when every source fails.
type Lifecycle struct {
	cfg       Config
	store     *Store
	fetch     *fetcher
	log       *slog.Logger
	broadcast *Broadcaster

	state         atomic.Int32
	skipRequested atomic.Bool
}

func newLifecycle(cfg Config, store *Store, fetch *fetcher, log *slog.Logger, broadcast *Broadcaster) *Lifecycle {
	l := &Lifecycle{cfg: cfg, store: store, fetch: fetch, log: log, broadcast: broadcast}
	l.state.Store(int32(stateInstalling))
	return l
}

func (l *Lifecycle) State() lifecycleState { return lifecycleState(l.state.Load()) }
func (l *Lifecycle) Version() string       { return l.cfg.Cache.Version }

// Install pre-populates the versioned static cache from the precache
// manifest. All-or-nothing: every resource is fetched into memory first, and
// nothing is written unless all of them succeed. A failed install leaves the
// state at installing so the caller retries.
func (l *Lifecycle) Install(ctx context.Context) error {
	done, err := l.store.Installed(l.cfg.Cache.Version)
	if err != nil {
		return err
	}
	if done {
		l.state.CompareAndSwap(int32(stateInstalling), int32(stateWaiting))
		return nil
	}

	cache := l.cfg.versionedCache(staticCache)
	staged := make(map[string]Entry, len(l.cfg.Precache.Resources))
	for _, res := range l.cfg.Precache.Resources {
		ent, _, err := l.fetch.fetch(ctx, res, nil, l.cfg.Network.timeoutDur)
		if err != nil {
			return fmt.Errorf("precache %s: %w", res, err)
		}
		staged[res] = ent
	}
	for res, ent := range staged {
		if err := l.store.Put(cache, res, ent); err != nil {
			return fmt.Errorf("precache %s: %w", res, err)
		}
	}
	if err := l.store.MarkInstalled(l.cfg.Cache.Version); err != nil {
		return err
	}

	l.state.Store(int32(stateWaiting))
	l.log.Info("installed", "version", l.cfg.Cache.Version, "precached", len(staged))
	return nil
}

// Activate deletes every cache belonging to a prior version token, clears
// stale install markers, and notifies all connected sessions.
func (l *Lifecycle) Activate() error {
	if !l.state.CompareAndSwap(int32(stateWaiting), int32(stateActivating)) {
		return fmt.Errorf("activate from state %s", l.State())
	}

	genPrefix := l.cfg.Cache.Prefix + "-"
	curPrefix := genPrefix + l.cfg.Cache.Version + "-"

	names, err := l.store.CacheNames()
	if err != nil {
		l.state.Store(int32(stateWaiting))
		return err
	}
	for _, name := range names {
		if strings.HasPrefix(name, genPrefix) && !strings.HasPrefix(name, curPrefix) {
			if err := l.store.DropCache(name); err != nil {
				l.log.Error("cache gc failed", "cache", name, "err", err)
				continue
			}
			l.log.Info("dropped stale cache", "cache", name)
		}
	}

	versions, err := l.store.InstalledVersions()
	if err == nil {
		for _, v := range versions {
			if v != l.cfg.Cache.Version {
				_ = l.store.ClearInstalled(v)
			}
		}
	}

	l.state.Store(int32(stateActive))
	l.broadcast.Broadcast(Message{Type: msgUpdated, Version: l.cfg.Cache.Version})
	l.log.Info("activated", "version", l.cfg.Cache.Version)
	return nil
}

// SkipWaiting forces immediate activation. During install the request is
// remembered and honored as soon as install completes.
func (l *Lifecycle) SkipWaiting() error {
	switch l.State() {
	case stateWaiting:
		return l.Activate()
	case stateInstalling:
		l.skipRequested.Store(true)
		return nil
	default:
		return nil
	}
}

// Run retries install until it succeeds, then activates per configuration.
func (l *Lifecycle) Run(ctx context.Context) {
	for {
		err := l.Install(ctx)
		if err == nil {
			break
		}
		l.log.Warn("install failed, will retry", "version", l.cfg.Cache.Version, "retryIn", l.cfg.Precache.retryDur, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.Precache.retryDur):
		}
	}
	if l.cfg.activateImmediately() || l.skipRequested.Load() {
		if err := l.Activate(); err != nil {
			l.log.Error("activation failed", "err", err)
		}
	}
}

// Fallback is served when a strategy fails outright. Preference order: the
// last cached copy of the exact resource from any cache, the precached
// offline document for document requests, then a generic 503 placeholder.
func (l *Lifecycle) Fallback(key, destination string) Entry {
	names, err := l.store.CacheNames()
	if err == nil {
		for _, name := range names {
			if ent, ok, _ := l.store.Get(name, key); ok {
				return ent
			}
		}
	}

	if destination == destDocument {
		cache := l.cfg.versionedCache(staticCache)
		if ent, ok, _ := l.store.Get(cache, l.cfg.Offline.Document); ok {
			return ent
		}
	}

	return Entry{
		Status:   http.StatusServiceUnavailable,
		Header:   http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:     []byte("offline"),
		StoredAt: time.Now().Unix(),
	}
}
