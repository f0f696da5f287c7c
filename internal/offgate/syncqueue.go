package offgate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Action is one deferred write-like operation waiting for delivery. One
// pending record per tag; a newer enqueue overwrites the payload.
type Action struct {
	Tag       string
	Payload   []byte
	CreatedAt int64 // unix nanoseconds
}

// SyncQueue persists actions that cannot reach the origin and replays them
// when connectivity comes back. Delivery is best effort: no backoff, no
// attempt ceiling, a record stays queued until a replay trigger succeeds.
type SyncQueue struct {
	store     *Store
	client    *http.Client
	origin    string
	probePath string
	timeout   time.Duration
	endpoints map[string]string
	log       *slog.Logger

	watching atomic.Bool
	online   atomic.Bool
}

func newSyncQueue(cfg Config, store *Store, client *http.Client, log *slog.Logger) *SyncQueue {
	return &SyncQueue{
		store:     store,
		client:    client,
		origin:    cfg.Server.Origin,
		probePath: cfg.Sync.Probe,
		timeout:   cfg.Network.timeoutDur,
		endpoints: cfg.Sync.Endpoints,
		log:       log,
	}
}

// Enqueue persists the action. With the connectivity watcher running the
// record just waits for the next online transition; without one, delivery is
// attempted immediately as a best effort.
func (q *SyncQueue) Enqueue(ctx context.Context, tag string, payload []byte) error {
	if tag == "" {
		return fmt.Errorf("empty sync tag")
	}
	a := Action{Tag: tag, Payload: payload, CreatedAt: time.Now().UnixNano()}
	if err := q.store.PutAction(a); err != nil {
		return err
	}
	q.log.Info("sync action queued", "tag", tag, "bytes", len(payload))

	if !q.watching.Load() {
		if err := q.Replay(ctx, tag); err != nil {
			q.log.Debug("immediate replay failed, record retained", "tag", tag, "err", err)
		}
	}
	return nil
}

// Replay loads the pending record for a tag and POSTs it to the tag's
// endpoint. The record is deleted only on confirmed success, and only if it
// was not overwritten while the replay was in flight.
func (q *SyncQueue) Replay(ctx context.Context, tag string) error {
	a, ok, err := q.store.GetAction(tag)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	endpoint, ok := q.endpoints[tag]
	if !ok {
		return fmt.Errorf("%w: no endpoint for tag %q", ErrSyncDelivery, tag)
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.origin+endpoint, bytes.NewReader(a.Payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyncDelivery, tag, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyncDelivery, tag, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d", ErrSyncDelivery, tag, resp.StatusCode)
	}

	if err := q.store.DeleteAction(tag, a.CreatedAt); err != nil {
		return err
	}
	q.log.Info("sync action delivered", "tag", tag)
	return nil
}

// ReplayAll replays every pending action. Failures stay queued.
func (q *SyncQueue) ReplayAll(ctx context.Context) (delivered, failed int) {
	actions, err := q.store.Actions()
	if err != nil {
		q.log.Error("listing sync actions failed", "err", err)
		return 0, 0
	}
	for _, a := range actions {
		if err := q.Replay(ctx, a.Tag); err != nil {
			q.log.Warn("sync replay failed, record retained", "tag", a.Tag, "err", err)
			failed++
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (q *SyncQueue) Online() bool { return q.online.Load() }

// Watch probes the origin periodically and replays everything pending on each
// offline-to-online transition. The initial state is offline, so actions left
// over from a previous run are replayed on the first successful probe.
func (q *SyncQueue) Watch(ctx context.Context, every time.Duration) {
	q.watching.Store(true)
	defer q.watching.Store(false)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		q.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (q *SyncQueue) probeOnce(ctx context.Context) {
	online := q.probe(ctx)
	was := q.online.Swap(online)
	if online && !was {
		delivered, failed := q.ReplayAll(ctx)
		if delivered > 0 || failed > 0 {
			q.log.Info("connectivity restored", "delivered", delivered, "failed", failed)
		}
	}
}

func (q *SyncQueue) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, q.origin+q.probePath, nil)
	if err != nil {
		return false
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}
