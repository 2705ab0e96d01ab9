package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LifecycleState follows a worker generation from parse to replacement.
type LifecycleState string

const (
	StateParsed     LifecycleState = "parsed"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	StateRedundant  LifecycleState = "redundant"
)

// Lifecycle installs (pre-warms) and activates one cache generation.
type Lifecycle struct {
	cfg      CacheConfig
	storage  CacheStorage
	net      Fetcher
	clients  Clients
	skipPath func(path string) bool
	log      zerolog.Logger

	mu          sync.Mutex
	state       LifecycleState
	skipWaiting bool
}

func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s LifecycleState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.log.Info().Str("state", string(s)).Str("generation", l.cfg.Generation).Msg("lifecycle")
}

// SkipWaiting reports whether install asked to activate without waiting for
// the previous generation's pages to close.
func (l *Lifecycle) SkipWaiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipWaiting
}

// InstallReport counts what pre-warming stored.
type InstallReport struct {
	Stored int
	Failed int
}

// Install opens the current generation and pre-warms it with the critical
// assets and any sitemap-listed paths. Individual asset failures are logged
// and skipped; only failing to open the store fails the install.
func (l *Lifecycle) Install(ctx context.Context) (InstallReport, error) {
	l.setState(StateInstalling)

	cache, err := l.storage.Open(ctx, l.cfg.Generation)
	if err != nil {
		l.setState(StateParsed)
		return InstallReport{}, fmt.Errorf("install %s: %w", l.cfg.Generation, err)
	}

	paths := append([]string(nil), l.cfg.CriticalAssets...)
	if len(l.cfg.Sitemaps) > 0 {
		found, err := discoverSitemapPaths(ctx, l.net, l.cfg.Sitemaps)
		if err != nil {
			l.log.Warn().Err(err).Msg("sitemap discovery")
		}
		for _, p := range found {
			if !staticPath(p) {
				continue
			}
			if l.skipPath == nil || !l.skipPath(p) {
				paths = append(paths, p)
			}
		}
	}
	paths = dedupe(paths)

	var (
		mu     sync.Mutex
		report InstallReport
	)
	count := func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			report.Stored++
		} else {
			report.Failed++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.cfg.PrewarmWorkers, 1))
	for _, p := range paths {
		g.Go(func() error {
			ok := l.prewarm(gctx, cache, p)
			count(ok)
			return nil
		})
	}
	_ = g.Wait()

	l.mu.Lock()
	l.skipWaiting = true
	l.mu.Unlock()
	l.setState(StateInstalled)
	l.log.Info().Int("stored", report.Stored).Int("failed", report.Failed).Msg("pre-warm finished")
	return report, nil
}

func (l *Lifecycle) prewarm(ctx context.Context, cache Cache, p string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
	if err != nil {
		l.log.Warn().Err(err).Str("path", p).Msg("pre-warm request")
		return false
	}
	resp, err := l.net.Fetch(ctx, req)
	if err != nil {
		l.log.Warn().Err(err).Str("path", p).Msg("pre-warm fetch")
		return false
	}
	if !resp.OK() {
		l.log.Warn().Int("status", resp.Status).Str("path", p).Msg("pre-warm fetch")
		return false
	}
	if err := cache.Put(ctx, RequestKey(http.MethodGet, p), newCacheEntry(resp)); err != nil {
		l.log.Warn().Err(err).Str("path", p).Msg("pre-warm store")
		return false
	}
	return true
}

// Activate deletes every generation other than the current one and claims
// the open pages. Calling it again is harmless.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.setState(StateActivating)

	names, err := l.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == l.cfg.Generation {
			continue
		}
		if _, err := l.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete generation %q: %w", name, err))
			continue
		}
		l.log.Info().Str("generation", name).Msg("stale generation deleted")
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := l.clients.Claim(ctx, l.cfg.Generation); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	l.setState(StateActivated)
	return nil
}

// Retire marks the generation redundant; in-flight work finishes on its own.
func (l *Lifecycle) Retire() { l.setState(StateRedundant) }

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
