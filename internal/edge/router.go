package edge

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ErrOfflineNoFallback is reported when a navigation fails on the network and
// no root document has been cached yet.
var ErrOfflineNoFallback = errors.New("offline and no cached root document")

// RouteClass is the strategy picked for an intercepted request.
type RouteClass int

const (
	ClassBypass RouteClass = iota
	ClassNavigation
	ClassStatic
)

func (c RouteClass) String() string {
	switch c {
	case ClassBypass:
		return "bypass"
	case ClassNavigation:
		return "navigation"
	default:
		return "static"
	}
}

// Fetch outcomes, reported in the X-Lojaedge header.
const (
	OutcomeBypass         = "bypass"
	OutcomeNetwork        = "network"
	OutcomeHit            = "hit"
	OutcomeMiss           = "miss"
	OutcomeOffline        = "offline"
	OutcomeGatewayTimeout = "gateway-timeout"
)

// FetchResult is the response to return plus the background work it started.
// The caller returns Response without waiting for Pending.
type FetchResult struct {
	Class    RouteClass
	Outcome  string
	Response *Response
	Pending  Pending
	Err      error
}

// backgroundFunc starts fn detached from the request and returns its handle.
type backgroundFunc func(name string, fn func(ctx context.Context) error) Pending

// FetchRouter classifies requests and applies one caching strategy per class.
type FetchRouter struct {
	generation  string
	placeholder string
	bypass      []requestMatcher

	storage    CacheStorage
	net        Fetcher
	background backgroundFunc
	writeLog   *rateLimitedLogger
	log        zerolog.Logger
}

var (
	staticExts = map[string]string{
		".js": "script", ".mjs": "script",
		".css": "style",
		".png": "image", ".jpg": "image", ".jpeg": "image", ".gif": "image",
		".svg": "image", ".webp": "image", ".avif": "image", ".ico": "image",
	}
)

// Classify decides the route class before any I/O: bypass, then navigation,
// then static asset.
func (fr *FetchRouter) Classify(r *http.Request) RouteClass {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if r.Method != http.MethodGet || matchAny(fr.bypass, host, r.URL.Path) {
		return ClassBypass
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	return ClassStatic
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.HasPrefix(accept, "text/html") || strings.Contains(accept, "application/xhtml+xml")
}

// destination returns script, style, image or "" for a request.
func destination(r *http.Request) string {
	switch d := strings.ToLower(r.Header.Get("Sec-Fetch-Dest")); d {
	case "script", "style", "image":
		return d
	}
	return staticExts[strings.ToLower(path.Ext(r.URL.Path))]
}

func responseDestination(resp *Response) string {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "javascript"):
		return "script"
	case strings.HasPrefix(ct, "text/css"):
		return "style"
	case strings.HasPrefix(ct, "image/"):
		return "image"
	}
	return ""
}

// Handle serves one intercepted request.
func (fr *FetchRouter) Handle(ctx context.Context, r *http.Request) FetchResult {
	class := fr.Classify(r)
	var res FetchResult
	switch class {
	case ClassBypass:
		res = fr.handleBypass(ctx, r)
	case ClassNavigation:
		res = fr.handleNavigation(ctx, r)
	default:
		res = fr.handleStatic(ctx, r)
	}
	res.Class = class
	if res.Pending == nil {
		res.Pending = settled(nil)
	}
	return res
}

func (fr *FetchRouter) handleBypass(ctx context.Context, r *http.Request) FetchResult {
	resp, err := fr.net.Fetch(ctx, r)
	if err != nil {
		fr.log.Debug().Err(err).Str("path", r.URL.Path).Msg("bypass fetch failed")
		return FetchResult{Outcome: OutcomeGatewayTimeout, Response: gatewayTimeout()}
	}
	return FetchResult{Outcome: OutcomeBypass, Response: resp}
}

func (fr *FetchRouter) handleNavigation(ctx context.Context, r *http.Request) FetchResult {
	rootKey := RequestKey(http.MethodGet, "/")

	resp, err := fr.net.Fetch(ctx, r)
	if err == nil {
		var pending Pending
		if resp.Status == http.StatusOK {
			ent := newCacheEntry(resp)
			pending = fr.background("store root document", func(ctx context.Context) error {
				return fr.put(ctx, rootKey, ent)
			})
		}
		return FetchResult{Outcome: OutcomeNetwork, Response: resp, Pending: pending}
	}

	fr.log.Debug().Err(err).Str("path", r.URL.Path).Msg("navigation offline, trying cached root")
	if ent, ok := fr.match(ctx, rootKey); ok {
		return FetchResult{Outcome: OutcomeOffline, Response: ent.Response()}
	}
	return FetchResult{Outcome: OutcomeGatewayTimeout, Response: gatewayTimeout(), Err: ErrOfflineNoFallback}
}

func (fr *FetchRouter) handleStatic(ctx context.Context, r *http.Request) FetchResult {
	key := RequestKey(r.Method, r.URL.RequestURI())
	if ent, ok := fr.match(ctx, key); ok {
		return FetchResult{Outcome: OutcomeHit, Response: ent.Response()}
	}

	dest := destination(r)
	resp, err := fr.net.Fetch(ctx, r)
	if err != nil {
		if dest == "image" && fr.placeholder != "" {
			if ent, ok := fr.match(ctx, RequestKey(http.MethodGet, fr.placeholder)); ok {
				return FetchResult{Outcome: OutcomeOffline, Response: ent.Response()}
			}
		}
		return FetchResult{Outcome: OutcomeGatewayTimeout, Response: gatewayTimeout()}
	}

	if dest == "" {
		dest = responseDestination(resp)
	}
	var pending Pending
	if dest != "" && resp.OK() {
		ent := newCacheEntry(resp)
		pending = fr.background("store "+dest, func(ctx context.Context) error {
			return fr.put(ctx, key, ent)
		})
	}
	return FetchResult{Outcome: OutcomeMiss, Response: resp, Pending: pending}
}

func (fr *FetchRouter) match(ctx context.Context, key string) (CacheEntry, bool) {
	c, err := fr.storage.Open(ctx, fr.generation)
	if err != nil {
		fr.log.Warn().Err(err).Str("generation", fr.generation).Msg("open cache")
		return CacheEntry{}, false
	}
	ent, err := c.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			fr.log.Warn().Err(err).Str("key", key).Msg("cache read")
		}
		return CacheEntry{}, false
	}
	return ent, true
}

// put stores ent, swallowing failures: a cache write never fails a fetch.
func (fr *FetchRouter) put(ctx context.Context, key string, ent CacheEntry) error {
	c, err := fr.storage.Open(ctx, fr.generation)
	if err == nil {
		err = c.Put(ctx, key, ent)
	}
	if err != nil {
		fr.writeLog.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return nil
}
