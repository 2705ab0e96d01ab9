package edge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LOJAEDGE_SERVER_ORIGIN.
const EnvPrefix = "LOJAEDGE_"

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"PORT"`
		Origin string `yaml:"origin" env:"ORIGIN"`
		// AppOrigin is the public origin pages are served from. Clients on other
		// origins are never focused or navigated by notification clicks.
		AppOrigin string `yaml:"appOrigin" env:"APP_ORIGIN"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Cache CacheConfig `yaml:"cache" envPrefix:"CACHE_"`

	Routes struct {
		Bypass string `yaml:"bypass" env:"BYPASS"`

		bypass []requestMatcher
	} `yaml:"routes" envPrefix:"ROUTES_"`

	Notifications NotificationConfig `yaml:"notifications" envPrefix:"NOTIFICATIONS_"`

	Sync SyncConfig `yaml:"sync" envPrefix:"SYNC_"`

	Logging struct {
		Level         string `yaml:"level" env:"LEVEL"`
		File          string `yaml:"file" env:"FILE"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"STATS_EVERY"`

		logStatsEveryDur time.Duration
	} `yaml:"logging" envPrefix:"LOG_"`
}

// CacheConfig names the current cache generation and what gets pre-warmed into it.
type CacheConfig struct {
	Generation      string   `yaml:"generation" env:"GENERATION"`
	Driver          string   `yaml:"driver" env:"DRIVER"`
	Path            string   `yaml:"path" env:"PATH"`
	Max             string   `yaml:"max" env:"MAX"`
	CriticalAssets  []string `yaml:"criticalAssets" env:"CRITICAL_ASSETS" envSeparator:","`
	Sitemaps        []string `yaml:"sitemaps" env:"SITEMAPS" envSeparator:","`
	PlaceholderIcon string   `yaml:"placeholderIcon" env:"PLACEHOLDER_ICON"`
	PrewarmWorkers  int      `yaml:"prewarmWorkers" env:"PREWARM_WORKERS"`
	BackgroundSlots int      `yaml:"backgroundSlots" env:"BACKGROUND_SLOTS"`

	Redis struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
		Prefix   string `yaml:"prefix" env:"PREFIX"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	maxBytes int64
}

// NotificationConfig holds the defaults filled into every displayed notification.
type NotificationConfig struct {
	AppName      string `yaml:"appName" env:"APP_NAME"`
	FallbackBody string `yaml:"fallbackBody" env:"FALLBACK_BODY"`
	Icon         string `yaml:"icon" env:"ICON"`
	Badge        string `yaml:"badge" env:"BADGE"`
	Tag          string `yaml:"tag" env:"TAG"`
	DefaultURL   string `yaml:"defaultUrl" env:"DEFAULT_URL"`
	Vibrate      []int  `yaml:"vibrate" env:"VIBRATE" envSeparator:","`
}

type SyncConfig struct {
	CheckExpired    string `yaml:"checkExpired" env:"CHECK_EXPIRED"`
	FetchPromotions string `yaml:"fetchPromotions" env:"FETCH_PROMOTIONS"`
	Tag             string `yaml:"tag" env:"TAG"`
	Every           string `yaml:"every" env:"EVERY"`
	Timeout         string `yaml:"timeout" env:"TIMEOUT"`

	everyDur   time.Duration
	timeoutDur time.Duration
}

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
)

// DefaultConfig returns the configuration of the Loja-Conect storefront.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Cache = CacheConfig{
		Generation: "loja-conect-cliente-v9",
		Driver:     DriverLevelDB,
		Path:       "./data/leveldb",
		Max:        "256m",
		CriticalAssets: []string{
			"/",
			"/manifest.json",
			"/icons/icon-72x72.png",
			"/icons/icon-192x192.png",
			"/icons/icon-512x512.png",
		},
		PlaceholderIcon: "/icons/icon-192x192.png",
		PrewarmWorkers:  4,
		BackgroundSlots: 32,
	}
	cfg.Cache.Redis.Prefix = "lojaedge"
	cfg.Routes.Bypass = "PathPrefix(/api/) | PathPrefix(/rest/v1/) | PathPrefix(/auth/v1/) | Host(*.supabase.co)"
	cfg.Notifications = NotificationConfig{
		AppName:      "Loja-Conect",
		FallbackBody: "Você tem uma nova notificação",
		Icon:         "/icons/icon-192x192.png",
		Badge:        "/icons/icon-72x72.png",
		Tag:          "loja-conect-notification",
		DefaultURL:   "/",
		Vibrate:      []int{200, 100, 200},
	}
	cfg.Sync = SyncConfig{
		CheckExpired:    "/api/sync/check-expired",
		FetchPromotions: "/api/sync/fetch-promotions",
		Tag:             "check-expired-reservations",
		Timeout:         "30s",
	}
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads the YAML file at path on top of DefaultConfig, applies
// LOJAEDGE_* environment overrides and compiles the result. An empty path
// skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = d.Cache.Driver
	}
	if c.Cache.Path == "" {
		c.Cache.Path = d.Cache.Path
	}
	if c.Cache.PrewarmWorkers <= 0 {
		c.Cache.PrewarmWorkers = d.Cache.PrewarmWorkers
	}
	if c.Cache.BackgroundSlots <= 0 {
		c.Cache.BackgroundSlots = d.Cache.BackgroundSlots
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = d.Cache.Redis.Prefix
	}

	n := &c.Notifications
	dn := d.Notifications
	if n.AppName == "" {
		n.AppName = dn.AppName
	}
	if n.FallbackBody == "" {
		n.FallbackBody = dn.FallbackBody
	}
	if n.Icon == "" {
		n.Icon = dn.Icon
	}
	if n.Badge == "" {
		n.Badge = dn.Badge
	}
	if n.Tag == "" {
		n.Tag = dn.Tag
	}
	if n.DefaultURL == "" {
		n.DefaultURL = dn.DefaultURL
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = dn.Vibrate
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = d.Sync.Tag
	}
	if c.Sync.Timeout == "" {
		c.Sync.Timeout = d.Sync.Timeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// compile validates the configuration and fills in the derived fields.
func (c *Config) compile() error {
	c.applyDefaults()

	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	c.Server.AppOrigin = strings.TrimRight(c.Server.AppOrigin, "/")

	c.Cache.Generation = strings.TrimSpace(c.Cache.Generation)
	if c.Cache.Generation == "" {
		return fmt.Errorf("cache.generation is required")
	}
	switch c.Cache.Driver {
	case DriverMemory, DriverLevelDB:
	case DriverRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver: unknown driver %q", c.Cache.Driver)
	}
	if c.Cache.Max != "" {
		n, err := parseBytes(c.Cache.Max)
		if err != nil {
			return fmt.Errorf("cache.max: %w", err)
		}
		c.Cache.maxBytes = n
	}
	for i, p := range c.Cache.CriticalAssets {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.criticalAssets[%d]: %q is not root-relative", i, p)
		}
		c.Cache.CriticalAssets[i] = p
	}

	if strings.TrimSpace(c.Routes.Bypass) != "" {
		ms, err := parseMatch(c.Routes.Bypass)
		if err != nil {
			return fmt.Errorf("routes.bypass: %w", err)
		}
		c.Routes.bypass = ms
	}

	var err error
	if c.Sync.everyDur, err = parseOptionalDuration(c.Sync.Every); err != nil {
		return fmt.Errorf("sync.every: %w", err)
	}
	if c.Sync.timeoutDur, err = parseOptionalDuration(c.Sync.Timeout); err != nil {
		return fmt.Errorf("sync.timeout: %w", err)
	}
	if c.Logging.logStatsEveryDur, err = parseOptionalDuration(c.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// requestMatcher decides whether a request belongs to a route class.
type requestMatcher interface {
	Match(host, path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(_, path string) bool { return strings.HasPrefix(path, m.Prefix) }

type hostMatcher struct{ Pattern string }

func (m hostMatcher) Match(host, _ string) bool {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	ok, _ := doublestar.Match(m.Pattern, strings.ToLower(host))
	return ok
}

type globMatcher struct{ Pattern string }

func (m globMatcher) Match(_, path string) bool {
	ok, _ := doublestar.Match(m.Pattern, path)
	return ok
}

// parseMatch compiles an expression such as
// "PathPrefix(/api/) | Host(*.supabase.co) | Glob(/**/*.json)".
func parseMatch(expr string) ([]requestMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]requestMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("invalid matcher %q", p)
		}
		kind := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		switch kind {
		case "PathPrefix":
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case "Host":
			inside = strings.ToLower(inside)
			if !doublestar.ValidatePattern(inside) {
				return nil, fmt.Errorf("invalid host pattern %q", inside)
			}
			out = append(out, hostMatcher{Pattern: inside})
		case "Glob":
			if !strings.HasPrefix(inside, "/") || !doublestar.ValidatePattern(inside) {
				return nil, fmt.Errorf("invalid glob %q", inside)
			}
			out = append(out, globMatcher{Pattern: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix(...), Host(...) and Glob(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func matchAny(ms []requestMatcher, host, path string) bool {
	for _, m := range ms {
		if m.Match(host, path) {
			return true
		}
	}
	return false
}
