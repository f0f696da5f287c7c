package offgate

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// Policy is the resolved caching decision for one request.
type Policy struct {
	Strategy   Strategy
	Cache      string
	Expiration ExpirationPolicy
	Timeout    time.Duration
}

// Router maps a request to a Policy. Resolution is pure and synchronous:
// declared rules in order, first full match wins, then destination-based
// defaults.
type Router struct {
	rules          []Route
	defaultTimeout time.Duration

	cachePrefix  string
	pagesCache   string
	runtimeCache string
}

func NewRouter(cfg Config) *Router {
	return &Router{
		rules:          cfg.Routes,
		defaultTimeout: cfg.Network.timeoutDur,
		pagesCache:     cfg.versionedCache(pagesCache),
		runtimeCache:   cfg.versionedCache(runtimeCache),
		cachePrefix:    cfg.Cache.Prefix + "-" + cfg.Cache.Version + "-",
	}
}

// Resolve returns the policy for a request, or ok=false when the request must
// bypass the gateway entirely (anything that is not a side-effect-free read).
func (rt *Router) Resolve(method, reqPath, destination string) (Policy, bool) {
	if method != http.MethodGet && method != http.MethodHead {
		return Policy{}, false
	}

	for i := range rt.rules {
		r := &rt.rules[i]
		if !r.matches(reqPath, destination) {
			continue
		}
		pol := Policy{
			Strategy:   r.strategy,
			Expiration: ExpirationPolicy{MaxEntries: r.MaxEntries, MaxAge: r.maxAgeDur},
			Timeout:    rt.defaultTimeout,
		}
		if r.Cache != "" {
			pol.Cache = rt.cachePrefix + r.Cache
		}
		if r.timeoutDur > 0 {
			pol.Timeout = r.timeoutDur
		}
		return pol, true
	}

	if destination == destDocument {
		return Policy{Strategy: NetworkFirst, Cache: rt.pagesCache, Timeout: rt.defaultTimeout}, true
	}
	return Policy{Strategy: StaleWhileRevalidate, Cache: rt.runtimeCache, Timeout: rt.defaultTimeout}, true
}

// Destination tags, mirroring the browser request destinations the rules
// predicate over.
const (
	destDocument = "document"
	destStyle    = "style"
	destScript   = "script"
	destImage    = "image"
	destFont     = "font"
)

var extDestinations = map[string]string{
	".css":   destStyle,
	".js":    destScript,
	".mjs":   destScript,
	".png":   destImage,
	".jpg":   destImage,
	".jpeg":  destImage,
	".gif":   destImage,
	".webp":  destImage,
	".svg":   destImage,
	".ico":   destImage,
	".woff":  destFont,
	".woff2": destFont,
	".ttf":   destFont,
	".otf":   destFont,
	".html":  destDocument,
	".htm":   destDocument,
}

// destinationOf classifies a request. Sec-Fetch-Dest wins when the client
// sends it; otherwise the path extension decides, with extensionless paths
// treated as documents.
func destinationOf(r *http.Request) string {
	if d := r.Header.Get("Sec-Fetch-Dest"); d != "" && d != "empty" {
		return d
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	if ext == "" {
		return destDocument
	}
	if d, ok := extDestinations[ext]; ok {
		return d
	}
	return ""
}
