package edge

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNavigateUnsupported is returned by Client.Navigate when the page did
	// not declare it can navigate itself.
	ErrNavigateUnsupported = errors.New("client cannot navigate")
	// ErrClientBacklog is returned when a page stopped reading its stream.
	ErrClientBacklog = errors.New("client event backlog full")
)

// Worker -> page message types.
const (
	MsgNotificationClicked     = "NOTIFICATION_CLICKED"
	MsgSyncCompleted           = "SYNC_COMPLETED"
	MsgPushSubscriptionChanged = "PUSH_SUBSCRIPTION_CHANGED"
)

// OutboundMessage is posted from the worker to open pages.
type OutboundMessage struct {
	Type         string            `json:"type"`
	Action       string            `json:"action,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	Subscription *PushSubscription `json:"subscription,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// Client is one open application page.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg OutboundMessage) error
	Navigate(ctx context.Context, target string) error
}

// Clients enumerates and controls open pages.
type Clients interface {
	MatchAll(ctx context.Context) []Client
	OpenWindow(ctx context.Context, target string) error
	// Claim makes generation the controller of every open page.
	Claim(ctx context.Context, generation string) error
}

// Broadcast posts msg to every open page, logging failures.
func Broadcast(ctx context.Context, cs Clients, msg OutboundMessage, log zerolog.Logger) int {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	n := 0
	for _, c := range cs.MatchAll(ctx) {
		if err := c.PostMessage(ctx, msg); err != nil {
			log.Warn().Err(err).Str("client", c.ID()).Str("type", msg.Type).Msg("post message")
			continue
		}
		n++
	}
	return n
}

func sameOrigin(pageURL, appOrigin string) bool {
	if appOrigin == "" {
		return true
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	a, err := url.Parse(appOrigin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, a.Scheme) && strings.EqualFold(u.Host, a.Host)
}

// PageEvent is one item of a page's server-sent event stream.
type PageEvent struct {
	Name string
	Data any
}

const pageBacklog = 64

// Page is a browser tab attached to the hub through its event stream.
type Page struct {
	id          string
	canNavigate bool
	seq         uint64

	mu         sync.Mutex
	url        string
	controller string

	events chan PageEvent
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Controller returns the cache generation controlling the page.
func (p *Page) Controller() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controller
}

// Events is the stream the HTTP layer drains to the browser.
func (p *Page) Events() <-chan PageEvent { return p.events }

func (p *Page) send(ev PageEvent) error {
	select {
	case p.events <- ev:
		return nil
	default:
		return ErrClientBacklog
	}
}

func (p *Page) Focus(_ context.Context) error {
	return p.send(PageEvent{Name: "focus", Data: map[string]string{"id": p.id}})
}

func (p *Page) PostMessage(_ context.Context, msg OutboundMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return p.send(PageEvent{Name: "message", Data: msg})
}

func (p *Page) Navigate(_ context.Context, target string) error {
	if !p.canNavigate {
		return ErrNavigateUnsupported
	}
	if err := p.send(PageEvent{Name: "navigate", Data: map[string]string{"url": target}}); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = target
	p.mu.Unlock()
	return nil
}

// Hub tracks open pages. Windows the worker asks to open are queued until the
// app shell collects them with TakeOpened.
type Hub struct {
	log zerolog.Logger

	mu         sync.Mutex
	pages      map[string]*Page
	controller string
	opened     []string
	seq        uint64
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, pages: map[string]*Page{}}
}

// Attach registers a page. The page starts controlled by the current
// generation, if one has claimed pages already.
func (h *Hub) Attach(pageURL string, canNavigate bool) *Page {
	p := &Page{
		id:          uuid.NewString(),
		canNavigate: canNavigate,
		url:         pageURL,
		events:      make(chan PageEvent, pageBacklog),
	}
	h.mu.Lock()
	h.seq++
	p.seq = h.seq
	p.controller = h.controller
	h.pages[p.id] = p
	h.mu.Unlock()
	h.log.Debug().Str("client", p.id).Str("url", pageURL).Msg("page attached")
	return p
}

func (h *Hub) Detach(id string) {
	h.mu.Lock()
	delete(h.pages, id)
	h.mu.Unlock()
	h.log.Debug().Str("client", id).Msg("page detached")
}

// Get returns an attached page.
func (h *Hub) Get(id string) (*Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pages[id]
	return p, ok
}

// MatchAll returns the attached pages, oldest first.
func (h *Hub) MatchAll(_ context.Context) []Client {
	h.mu.Lock()
	pages := make([]*Page, 0, len(h.pages))
	for _, p := range h.pages {
		pages = append(pages, p)
	}
	h.mu.Unlock()

	sort.Slice(pages, func(i, j int) bool { return pages[i].seq < pages[j].seq })
	out := make([]Client, len(pages))
	for i, p := range pages {
		out[i] = p
	}
	return out
}

func (h *Hub) OpenWindow(_ context.Context, target string) error {
	h.mu.Lock()
	h.opened = append(h.opened, target)
	h.mu.Unlock()
	h.log.Info().Str("url", target).Msg("open window requested")
	return nil
}

// TakeOpened returns and forgets the windows requested since the last call.
func (h *Hub) TakeOpened() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.opened
	h.opened = nil
	return out
}

func (h *Hub) Claim(_ context.Context, generation string) error {
	h.mu.Lock()
	h.controller = generation
	pages := make([]*Page, 0, len(h.pages))
	for _, p := range h.pages {
		pages = append(pages, p)
	}
	h.mu.Unlock()

	for _, p := range pages {
		p.mu.Lock()
		p.controller = generation
		p.mu.Unlock()
		if err := p.send(PageEvent{Name: "controllerchange", Data: map[string]string{"generation": generation}}); err != nil {
			h.log.Warn().Err(err).Str("client", p.id).Msg("notify controller change")
		}
	}
	return nil
}

// Publish sends a raw event to every page; used to mirror the tray.
func (h *Hub) Publish(name string, data any) {
	for _, c := range h.MatchAll(context.Background()) {
		p := c.(*Page)
		if err := p.send(PageEvent{Name: name, Data: data}); err != nil {
			h.log.Warn().Err(err).Str("client", p.id).Str("event", name).Msg("publish to page")
		}
	}
}
