package offgate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service wires the gateway together: route resolution, strategy execution,
// lifecycle, deferred sync, and the control/notification surface.
type Service struct {
	cfg Config
	log *slog.Logger

	store  *Store
	router *Router
	exec   *Executor
	life   *Lifecycle
	queue  *SyncQueue
	events *Broadcaster
	stats  *statsCollector

	httpClient  *http.Client
	overflowLog *rateLimitedLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, log *slog.Logger) (*Service, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	fetch := &fetcher{client: client, origin: cfg.Server.Origin, maxBody: cfg.Storage.maxBodyBytes}
	events := newBroadcaster()

	s := &Service{
		cfg:         cfg,
		log:         log,
		store:       store,
		router:      NewRouter(cfg),
		life:        newLifecycle(cfg, store, fetch, log, events),
		queue:       newSyncQueue(cfg, store, client, log),
		events:      events,
		httpClient:  client,
		overflowLog: newRateLimitedLogger(log, time.Minute),
	}
	s.exec = newExecutor(store, fetch, log, &s.wg)
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}
	return s, nil
}

// Start launches the background loops: install/activate, the connectivity
// prober, and the periodic stats line.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.life.Run(ctx)
	}()

	if s.cfg.Sync.probeDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.queue.Watch(ctx, s.cfg.Sync.probeDur)
		}()
	}

	if s.stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(ctx, s.cfg.Logging.logStatsEveryDur)
		}()
	}
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Error("store close failed", "err", err)
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/_offgate", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/events", s.handleEvents)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/*", http.HandlerFunc(s.handleIntercept))
	return r
}

// handleIntercept is the interception surface: every read request resolves to
// a policy and runs its strategy; a strategy failure always degrades into a
// served fallback, never a bare error to the client.
func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	dest := destinationOf(r)
	pol, ok := s.router.Resolve(r.Method, r.URL.Path, dest)
	if !ok {
		s.proxyPass(w, r)
		return
	}

	key := r.URL.RequestURI()
	ent, served, err := s.exec.Do(r.Context(), key, r.Header, pol)
	if err != nil {
		s.log.Warn("strategy failed, serving fallback", "key", key, "strategy", string(pol.Strategy), "err", err)
		ent = s.life.Fallback(key, dest)
		served = servedFallback
	}
	s.writeEntry(w, ent, served)
}

// proxyPass forwards a request that bypasses the gateway (non-GET, or an
// explicit bypass) straight to the origin, body and all.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		s.writeGatewayError(w)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.writeGatewayError(w)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffgateHeaders(w.Header(), servedBypass)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.overflowLog.Warn("bypass body copy interrupted", "err", err)
	}
	if s.stats != nil {
		s.stats.Observe(servedBypass, 0)
	}
}

func (s *Service) writeGatewayError(w http.ResponseWriter) {
	setOffgateHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeEntry(w http.ResponseWriter, ent Entry, served string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offgate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffgateHeaders(w.Header(), served)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)

	if s.stats != nil {
		s.stats.Observe(served, len(ent.Body))
	}
}

func setOffgateHeaders(h http.Header, served string) {
	if served != "" {
		h.Set("X-Offgate", served)
	}
	// Custom headers are invisible to browser JS in CORS contexts unless
	// explicitly exposed.
	ensureExposedHeader(h, "X-Offgate")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- control channel ----

const (
	msgGetVersion     = "GET_VERSION"
	msgSkipWaiting    = "SKIP_WAITING"
	msgBackgroundSync = "BACKGROUND_SYNC"
	msgClearCache     = "CLEAR_CACHE"
)

type controlMessage struct {
	Type    string          `json:"type"`
	Tag     string          `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg controlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}

	switch msg.Type {
	case msgGetVersion:
		writeJSON(w, http.StatusOK, map[string]string{"version": s.life.Version()})

	case msgSkipWaiting:
		if err := s.life.SkipWaiting(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": s.life.State().String()})

	case msgBackgroundSync:
		if err := s.queue.Enqueue(r.Context(), msg.Tag, msg.Payload); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": msg.Tag})

	case msgClearCache:
		if err := s.store.DropCache(s.cfg.versionedCache(staticCache)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// handleEvents streams broadcast notifications to the session as
// server-sent events.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", id)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":  s.life.Version(),
		"state":    s.life.State().String(),
		"online":   s.queue.Online(),
		"sessions": s.events.Sessions(),
	}
	if s.stats != nil {
		status["stats"] = s.stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Info("gateway stats",
				"hits", ss.Hits,
				"misses", ss.Misses,
				"stale", ss.Stale,
				"fallbacks", ss.Fallbacks,
				"bypassed", ss.Bypassed,
				"respMin", formatBytes(ss.MinRespBytes),
				"respAvg", formatBytes(ss.AvgRespBytes),
				"respMax", formatBytes(ss.MaxRespBytes),
			)
		}
	}
}
