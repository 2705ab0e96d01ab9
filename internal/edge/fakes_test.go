package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

var errOffline = errors.New("network unreachable")

// fakeFetcher answers from a fixed table keyed by "METHOD /path?query".
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]*Response
	offline bool
	calls   []fetchCall
}

type fetchCall struct {
	Key    string
	URL    string
	Header http.Header
	Body   string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]*Response{}}
}

func (f *fakeFetcher) respond(method, uri string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	f.routes[RequestKey(method, uri)] = &Response{Status: status, Header: h, Body: []byte(body)}
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, r *http.Request) (*Response, error) {
	key := RequestKey(r.Method, r.URL.RequestURI())
	var body string
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{Key: key, URL: r.URL.String(), Header: r.Header.Clone(), Body: body})
	if f.offline {
		return nil, errOffline
	}
	resp, ok := f.routes[key]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{Status: resp.Status, Header: cloneHeader(resp.Header), Body: resp.Body}, nil
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeFetcher) CallKeys() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Key)
	}
	return out
}

// spyStorage counts every access to the wrapped storage.
type spyStorage struct {
	CacheStorage

	mu    sync.Mutex
	opens int
}

func (s *spyStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return s.CacheStorage.Open(ctx, name)
}

func (s *spyStorage) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// fakeClient records what the worker asked a page to do.
type fakeClient struct {
	id          string
	url         string
	canNavigate bool
	// strict makes the page refuse work on a done context.
	strict bool

	mu        sync.Mutex
	focused   int
	messages  []OutboundMessage
	navigated []string
}

func (c *fakeClient) ID() string  { return c.id }
func (c *fakeClient) URL() string { return c.url }

func (c *fakeClient) Focus(ctx context.Context) error {
	if c.strict && ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	c.focused++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) PostMessage(ctx context.Context, msg OutboundMessage) error {
	if c.strict && ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Navigate(_ context.Context, target string) error {
	if !c.canNavigate {
		return ErrNavigateUnsupported
	}
	c.mu.Lock()
	c.navigated = append(c.navigated, target)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Messages() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.messages...)
}

type fakeClients struct {
	mu      sync.Mutex
	clients []*fakeClient
	opened  []string
	claimed []string
}

func (f *fakeClients) MatchAll(context.Context) []Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Client, len(f.clients))
	for i, c := range f.clients {
		out[i] = c
	}
	return out
}

func (f *fakeClients) OpenWindow(_ context.Context, target string) error {
	f.mu.Lock()
	f.opened = append(f.opened, target)
	f.mu.Unlock()
	return nil
}

func (f *fakeClients) Claim(_ context.Context, generation string) error {
	f.mu.Lock()
	f.claimed = append(f.claimed, generation)
	f.mu.Unlock()
	return nil
}

func (f *fakeClients) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// testConfig is DefaultConfig compiled against a fake origin, with the
// in-memory driver.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Origin = "http://origin.test"
	cfg.Server.AppOrigin = "https://loja.test"
	cfg.Cache.Driver = DriverMemory
	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

// syncBackground runs background work inline so tests can assert on it.
func syncBackground(name string, fn func(ctx context.Context) error) Pending {
	return settled(fn(context.Background()))
}

func newTestRouter(cfg Config, storage CacheStorage, net Fetcher) *FetchRouter {
	return &FetchRouter{
		generation:  cfg.Cache.Generation,
		placeholder: cfg.Cache.PlaceholderIcon,
		bypass:      cfg.Routes.bypass,
		storage:     storage,
		net:         net,
		background:  syncBackground,
		writeLog:    newRateLimitedLogger(zerolog.Nop(), 0),
		log:         zerolog.Nop(),
	}
}
