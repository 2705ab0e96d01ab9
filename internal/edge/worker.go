package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownEvent is returned for event kinds missing from the dispatch table.
var ErrUnknownEvent = errors.New("unknown event kind")

const backgroundTimeout = 30 * time.Second

// EventKind names an event delivered to the worker.
type EventKind string

const (
	EventInstall                EventKind = "install"
	EventActivate               EventKind = "activate"
	EventFetch                  EventKind = "fetch"
	EventPush                   EventKind = "push"
	EventNotificationClick      EventKind = "notificationclick"
	EventNotificationClose      EventKind = "notificationclose"
	EventMessage                EventKind = "message"
	EventSync                   EventKind = "sync"
	EventPushSubscriptionChange EventKind = "pushsubscriptionchange"
)

// Event is one delivery to the worker. Only the fields of its Kind are set.
type Event struct {
	Kind EventKind

	Request *http.Request // fetch

	Payload []byte // push; nil when the push has no data

	Tag    string // notificationclick, notificationclose, sync
	Action string // notificationclick

	Message     Message     // message
	Credentials http.Header // message, sync: forwarded to sync endpoints

	Subscription *SubscriptionChange // pushsubscriptionchange
}

// Result is what a handler hands back: the response for fetch events and
// the pending work the host must wait for before the event counts as handled.
type Result struct {
	Fetch   *FetchResult
	Pending Pending
	Err     error
}

type handlerFunc func(ctx context.Context, ev Event) Result

// Deps are the platform collaborators of a worker.
type Deps struct {
	Storage CacheStorage
	Fetcher Fetcher
	Tray    Tray
	Clients Clients
	Logger  zerolog.Logger
}

// Worker is the offline worker of one cache generation.
type Worker struct {
	cfg     Config
	log     zerolog.Logger
	storage CacheStorage
	clients Clients

	router    *FetchRouter
	lifecycle *Lifecycle
	notifier  *Notifier
	syncer    *SyncCoordinator
	stats     *statsCollector

	handlers map[EventKind]handlerFunc

	bgSem       chan struct{}
	overflowLog *rateLimitedLogger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(cfg Config, deps Deps) (*Worker, error) {
	if deps.Storage == nil || deps.Fetcher == nil || deps.Tray == nil || deps.Clients == nil {
		return nil, errors.New("worker: storage, fetcher, tray and clients are required")
	}
	log := deps.Logger

	w := &Worker{
		cfg:         cfg,
		log:         log.With().Str("component", "worker").Logger(),
		storage:     deps.Storage,
		clients:     deps.Clients,
		stats:       newStatsCollector(),
		bgSem:       make(chan struct{}, max(cfg.Cache.BackgroundSlots, 1)),
		overflowLog: newRateLimitedLogger(log, time.Minute),
		stopCh:      make(chan struct{}),
	}

	w.router = &FetchRouter{
		generation:  cfg.Cache.Generation,
		placeholder: cfg.Cache.PlaceholderIcon,
		bypass:      cfg.Routes.bypass,
		storage:     deps.Storage,
		net:         deps.Fetcher,
		background:  w.background,
		writeLog:    newRateLimitedLogger(log.With().Str("component", "router").Logger(), time.Minute),
		log:         log.With().Str("component", "router").Logger(),
	}
	w.lifecycle = &Lifecycle{
		cfg:      cfg.Cache,
		storage:  deps.Storage,
		net:      deps.Fetcher,
		clients:  deps.Clients,
		skipPath: func(p string) bool { return matchAny(cfg.Routes.bypass, "", p) },
		log:      log.With().Str("component", "lifecycle").Logger(),
		state:    StateParsed,
	}
	w.notifier = NewNotifier(cfg.Notifications, cfg.Server.AppOrigin, deps.Tray, deps.Clients,
		log.With().Str("component", "notifications").Logger())
	w.syncer = &SyncCoordinator{
		cfg:      cfg.Sync,
		net:      deps.Fetcher,
		notifier: w.notifier,
		clients:  deps.Clients,
		log:      log.With().Str("component", "sync").Logger(),
	}

	w.handlers = map[EventKind]handlerFunc{
		EventInstall:                w.onInstall,
		EventActivate:               w.onActivate,
		EventFetch:                  w.onFetch,
		EventPush:                   w.onPush,
		EventNotificationClick:      w.onNotificationClick,
		EventNotificationClose:      w.onNotificationClose,
		EventMessage:                w.onMessage,
		EventSync:                   w.onSync,
		EventPushSubscriptionChange: w.onPushSubscriptionChange,
	}
	return w, nil
}

func (w *Worker) Lifecycle() *Lifecycle { return w.lifecycle }
func (w *Worker) Notifier() *Notifier   { return w.notifier }
func (w *Worker) Router() *FetchRouter  { return w.router }

// Start installs and activates the generation, then starts the periodic
// loops. Install failures are returned; the caller may retry later.
func (w *Worker) Start(ctx context.Context) error {
	res := w.Dispatch(ctx, Event{Kind: EventInstall})
	if err := res.Pending.Wait(ctx); err != nil {
		return err
	}
	if w.lifecycle.SkipWaiting() {
		res = w.Dispatch(ctx, Event{Kind: EventActivate})
		if err := res.Pending.Wait(ctx); err != nil {
			return err
		}
	}

	if every := w.cfg.Sync.everyDur; every > 0 {
		w.loop(every, func() {
			w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: w.cfg.Sync.Tag})
		})
	}
	if every := w.cfg.Logging.logStatsEveryDur; every > 0 {
		w.loop(every, w.logStats)
	}
	return nil
}

// Close stops the loops and waits for every pending operation to settle.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.lifecycle.Retire()
}

// Dispatch routes ev to its handler. Handlers never panic out of Dispatch.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (res Result) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
		return Result{Err: err, Pending: settled(err)}
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s handler panicked: %v", ev.Kind, r)
			w.log.Error().Err(err).Msg("event handler")
			res = Result{Err: err, Pending: settled(err)}
		}
	}()

	res = h(ctx, ev)
	if res.Pending == nil {
		res.Pending = settled(res.Err)
	}
	return res
}

// spawn runs fn detached from the caller, tracked until Close.
func (w *Worker) spawn(name string, fn func(ctx context.Context) error) Pending {
	t := newTask()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		t.finish(w.guard(name, func() error { return fn(ctx) }))
	}()
	return t
}

// background is spawn bounded by the background slots. When every slot is
// busy the work is dropped: it is only ever a best-effort cache write.
func (w *Worker) background(name string, fn func(ctx context.Context) error) Pending {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.overflowLog.Warn().Str("task", name).Msg("background slots full, dropping")
		return settled(nil)
	}
	return w.spawn(name, func(ctx context.Context) error {
		defer func() { <-w.bgSem }()
		return fn(ctx)
	})
}

func (w *Worker) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
		if err != nil {
			w.log.Error().Err(err).Str("task", name).Msg("pending work failed")
		}
	}()
	return fn()
}

func (w *Worker) loop(every time.Duration, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	ev := w.log.Info().
		Uint64("responses", ss.TotalResponses).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes))
	for o, n := range ss.Outcomes {
		ev = ev.Uint64(o, n)
	}
	if ls, ok := w.storage.(*LevelDBStorage); ok {
		ev = ev.Str("disk", formatBytes(uint64(ls.TotalSize())))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("stats")
}

// ---- handlers ----

func (w *Worker) onInstall(_ context.Context, _ Event) Result {
	return Result{Pending: w.spawn("install", func(ctx context.Context) error {
		_, err := w.lifecycle.Install(ctx)
		return err
	})}
}

func (w *Worker) onActivate(_ context.Context, _ Event) Result {
	return Result{Pending: w.spawn("activate", w.lifecycle.Activate)}
}

func (w *Worker) onFetch(ctx context.Context, ev Event) Result {
	if ev.Request == nil {
		return Result{Err: errors.New("fetch event without request")}
	}
	fr := w.router.Handle(ctx, ev.Request)
	w.stats.Observe(fr.Outcome, len(fr.Response.Body))
	return Result{Fetch: &fr, Pending: fr.Pending, Err: fr.Err}
}

func (w *Worker) onPush(_ context.Context, ev Event) Result {
	payload := ev.Payload
	return Result{Pending: w.spawn("push", func(ctx context.Context) error {
		return w.notifier.Push(ctx, payload)
	})}
}

func (w *Worker) onNotificationClick(_ context.Context, ev Event) Result {
	return Result{Pending: w.spawn("notificationclick", func(ctx context.Context) error {
		return w.notifier.Click(ctx, ev.Tag, ev.Action)
	})}
}

func (w *Worker) onNotificationClose(ctx context.Context, ev Event) Result {
	w.notifier.Close(ctx, ev.Tag)
	return Result{}
}

func (w *Worker) onSync(_ context.Context, ev Event) Result {
	if ev.Tag != w.cfg.Sync.Tag {
		w.log.Debug().Str("tag", ev.Tag).Msg("ignoring sync tag")
		return Result{}
	}
	return w.startSync(ev.Credentials)
}

func (w *Worker) startSync(creds http.Header) Result {
	return Result{Pending: w.spawn("sync", func(ctx context.Context) error {
		w.syncer.Run(ctx, creds)
		return nil
	})}
}

func (w *Worker) onPushSubscriptionChange(_ context.Context, ev Event) Result {
	msg := OutboundMessage{Type: MsgPushSubscriptionChanged}
	if ev.Subscription != nil {
		msg.Subscription = ev.Subscription.New
	}
	return Result{Pending: w.spawn("pushsubscriptionchange", func(ctx context.Context) error {
		Broadcast(ctx, w.clients, msg, w.log)
		return nil
	})}
}

func (w *Worker) onMessage(_ context.Context, ev Event) Result {
	n := w.notifier
	show := func(d DisplayModel) Result {
		return Result{Pending: w.spawn("message "+ev.Message.Type(), func(ctx context.Context) error {
			return n.Show(ctx, d)
		})}
	}

	switch m := ev.Message.(type) {
	case SendPushNotification:
		return show(n.Build(m.Payload, PolicyAttention))

	case ShowNotification:
		return show(n.Build(m.Data, PolicyAlert))

	case ProductAdded:
		return show(n.Build(NotificationInput{
			Title: "Novo produto disponível!",
			Body:  orDefault(m.Body, "Confira as novidades da loja"),
			Tag:   "product-added",
			URL:   m.URL,
		}, PolicyAttention))

	case NewPromotion:
		return show(n.Build(NotificationInput{
			Title: "Nova promoção!",
			Body:  orDefault(m.Body, "Aproveite as ofertas especiais"),
			Tag:   "new-promotion",
			URL:   m.URL,
		}, PolicyAttention))

	case SendNotification:
		in := m.Options
		in.Title = m.Title
		return show(n.Build(in, PolicyAlert))

	case ClearCache:
		gen := w.cfg.Cache.Generation
		return Result{Pending: w.spawn("clear cache", func(ctx context.Context) error {
			if _, err := w.storage.Delete(ctx, gen); err != nil {
				return fmt.Errorf("clear %s: %w", gen, err)
			}
			w.log.Info().Str("generation", gen).Msg("cache cleared")
			return nil
		})}

	case CheckSyncNow:
		return w.startSync(ev.Credentials)

	case nil:
		return Result{Err: fmt.Errorf("%w: empty", ErrInvalidMessage)}
	default:
		err := fmt.Errorf("%w: %s", ErrUnknownMessage, m.Type())
		w.log.Warn().Err(err).Msg("message ignored")
		return Result{Err: err}
	}
}
