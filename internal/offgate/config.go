package offgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known cache names. Route rules may add their own on top.
const (
	staticCache  = "static"
	pagesCache   = "pages"
	runtimeCache = "runtime"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path    string `yaml:"path"`
		MaxBody string `yaml:"maxBody"`

		maxBodyBytes int64
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Cache struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version"`
	} `yaml:"cache"`

	Precache struct {
		Resources  []string `yaml:"resources"`
		RetryEvery string   `yaml:"retryEvery"`

		retryDur time.Duration
	} `yaml:"precache"`

	Offline struct {
		Document string `yaml:"document"`
	} `yaml:"offline"`

	// ActivateImmediately skips the waiting state after a successful install.
	// Defaults to true; a SKIP_WAITING control message covers the other case.
	ActivateImmediately *bool `yaml:"activateImmediately"`

	Routes []Route `yaml:"routes"`

	Sync struct {
		Probe      string            `yaml:"probe"`
		ProbeEvery string            `yaml:"probeEvery"`
		Endpoints  map[string]string `yaml:"endpoints"`

		probeDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// Route is one declared routing rule. Rules are evaluated in declaration
// order; the first rule whose every specified predicate holds wins.
type Route struct {
	Match       string `yaml:"match"`
	Destination string `yaml:"destination"`
	Strategy    string `yaml:"strategy"`
	Cache       string `yaml:"cache"`
	MaxEntries  int    `yaml:"maxEntries"`
	MaxAge      string `yaml:"maxAge"`
	Timeout     string `yaml:"timeout"`

	// compiled
	matchers   []pathPrefixMatcher
	strategy   Strategy
	maxAgeDur  time.Duration
	timeoutDur time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func (c *Config) activateImmediately() bool {
	return c.ActivateImmediately == nil || *c.ActivateImmediately
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/offgate"
	}
	if cfg.Storage.MaxBody == "" {
		cfg.Storage.MaxBody = "8mb"
	}
	maxBody, err := parseBytes(cfg.Storage.MaxBody)
	if err != nil {
		return Config{}, fmt.Errorf("storage.maxBody: %w", err)
	}
	cfg.Storage.maxBodyBytes = maxBody

	cfg.Network.timeoutDur = 5 * time.Second
	if cfg.Network.Timeout != "" {
		d, err := time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("network.timeout: %w", err)
		}
		cfg.Network.timeoutDur = d
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offgate"
	}
	if cfg.Cache.Version == "" {
		return Config{}, fmt.Errorf("cache.version is required")
	}

	cfg.Precache.retryDur = 30 * time.Second
	if cfg.Precache.RetryEvery != "" {
		d, err := time.ParseDuration(cfg.Precache.RetryEvery)
		if err != nil {
			return Config{}, fmt.Errorf("precache.retryEvery: %w", err)
		}
		cfg.Precache.retryDur = d
	}

	if cfg.Offline.Document == "" {
		cfg.Offline.Document = "/offline.html"
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Match == "" && r.Destination == "" {
			return Config{}, fmt.Errorf("routes[%d]: match or destination is required", i)
		}
		if r.Match != "" {
			ms, err := parseMatch(r.Match)
			if err != nil {
				return Config{}, fmt.Errorf("routes[%d].match: %w", i, err)
			}
			r.matchers = ms
		}
		r.strategy = Strategy(r.Strategy)
		if !r.strategy.valid() {
			return Config{}, fmt.Errorf("routes[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
		if r.Cache == "" && r.strategy != NetworkOnly {
			return Config{}, fmt.Errorf("routes[%d].cache is required for strategy %q", i, r.Strategy)
		}
		if r.MaxEntries < 0 {
			return Config{}, fmt.Errorf("routes[%d].maxEntries: must not be negative", i)
		}
		if r.MaxAge != "" {
			d, err := time.ParseDuration(r.MaxAge)
			if err != nil {
				return Config{}, fmt.Errorf("routes[%d].maxAge: %w", i, err)
			}
			r.maxAgeDur = d
		}
		if r.Timeout != "" {
			d, err := time.ParseDuration(r.Timeout)
			if err != nil {
				return Config{}, fmt.Errorf("routes[%d].timeout: %w", i, err)
			}
			r.timeoutDur = d
		}
	}

	if cfg.Sync.ProbeEvery != "" {
		d, err := time.ParseDuration(cfg.Sync.ProbeEvery)
		if err != nil {
			return Config{}, fmt.Errorf("sync.probeEvery: %w", err)
		}
		cfg.Sync.probeDur = d
	}
	if cfg.Sync.Probe == "" {
		cfg.Sync.Probe = "/"
	}
	for tag, ep := range cfg.Sync.Endpoints {
		if !strings.HasPrefix(ep, "/") {
			return Config{}, fmt.Errorf("sync.endpoints[%s]: path must start with /", tag)
		}
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	return cfg, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Route) matches(path, destination string) bool {
	if len(r.matchers) > 0 {
		hit := false
		for _, m := range r.matchers {
			if m.Match(path) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if r.Destination != "" && r.Destination != destination {
		return false
	}
	return true
}

// versionedCache qualifies a short cache name with the configured prefix and
// version token, e.g. "offgate-v3-images". Activation sweeps caches whose
// prefix matches but whose version does not.
func (c *Config) versionedCache(name string) string {
	return c.Cache.Prefix + "-" + c.Cache.Version + "-" + name
}
