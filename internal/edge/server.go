package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	outcomeHeader   = "X-Lojaedge"
	clientIDHeader  = "X-Client-Id"
	maxControlBytes = 1 * mib
	sseKeepAlive    = 25 * time.Second
)

// Server exposes the worker over HTTP: the /__sw control surface for pages
// and the push relay, and every other path through the FetchRouter.
type Server struct {
	worker *Worker
	hub    *Hub
	tray   *MemoryTray
	cfg    Config
	log    zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(cfg Config, worker *Worker, hub *Hub, tray *MemoryTray, log zerolog.Logger) *Server {
	s := &Server{
		worker: worker,
		hub:    hub,
		tray:   tray,
		cfg:    cfg,
		log:    log.With().Str("component", "http").Logger(),
		stopCh: make(chan struct{}),
	}
	tray.Subscribe(func(d DisplayModel) { hub.Publish("notification", d) })
	return s
}

// Stop ends every open page stream. http.Server.Shutdown does not cancel
// in-flight requests, so it is registered with RegisterOnShutdown.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/__sw", func(r chi.Router) {
		r.Get("/clients", s.serveClients)
		r.Get("/windows", s.serveWindows)
		r.Post("/message", s.serveMessage)
		r.Post("/push", s.servePush)
		r.Post("/pushsubscriptionchange", s.serveSubscriptionChange)
		r.Post("/sync", s.serveSync)
		r.Get("/notifications", s.serveNotifications)
		r.Post("/notifications/{tag}/click", s.serveNotificationClick)
		r.Post("/notifications/{tag}/close", s.serveNotificationClose)
		r.Get("/healthz", s.serveHealth)
	})
	r.HandleFunc("/*", s.serveFetch)
	return r
}

func (s *Server) serveFetch(w http.ResponseWriter, r *http.Request) {
	res := s.worker.Dispatch(r.Context(), Event{Kind: EventFetch, Request: r})
	if res.Fetch == nil {
		setOutcomeHeaders(w.Header(), OutcomeGatewayTimeout)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}
	if res.Err != nil {
		s.log.Debug().Err(res.Err).Str("path", r.URL.Path).Msg("fetch")
	}
	writeResponse(w, res.Fetch.Response, res.Fetch.Outcome)
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Pages read the outcome cross-origin only when it is exposed.
	ensureExposedHeader(h, outcomeHeader)
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

// serveClients attaches the page to the hub and streams its events until the
// page goes away.
func (s *Server) serveClients(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	page := s.hub.Attach(pageURL, r.URL.Query().Get("navigate") == "1")
	defer s.hub.Detach(page.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello := map[string]string{"id": page.ID(), "controller": page.Controller()}
	if err := writeEvent(w, PageEvent{Name: "hello", Data: hello}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case ev := <-page.Events():
			if err := writeEvent(w, ev); err != nil {
				s.log.Debug().Err(err).Str("client", page.ID()).Msg("write page event")
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, ev PageEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func (s *Server) serveWindows(w http.ResponseWriter, _ *http.Request) {
	opened := s.hub.TakeOpened()
	if opened == nil {
		opened = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": opened})
}

func (s *Server) serveMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readControlBody(w, r)
	if !ok {
		return
	}
	msg, err := DecodeMessage(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownMessage) {
			// Unknown types are ignored, not rejected.
			s.log.Warn().Err(err).Msg("message ignored")
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if id := r.Header.Get(clientIDHeader); id != "" {
		if _, ok := s.hub.Get(id); !ok {
			s.log.Debug().Str("client", id).Msg("message from unknown client")
		}
	}
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventMessage, Message: msg, Credentials: r.Header.Clone()}))
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request) {
	body, ok := readControlBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = nil
	}
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventPush, Payload: body}))
}

func (s *Server) serveSubscriptionChange(w http.ResponseWriter, r *http.Request) {
	body, ok := readControlBody(w, r)
	if !ok {
		return
	}
	var change SubscriptionChange
	if err := json.Unmarshal(body, &change); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventPushSubscriptionChange, Subscription: &change}))
}

func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	body, ok := readControlBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Tag) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag is required"})
		return
	}
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventSync, Tag: req.Tag, Credentials: r.Header.Clone()}))
}

func (s *Server) serveNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.tray.List()})
}

func (s *Server) serveNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	body, ok := readControlBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	tag := chi.URLParam(r, "tag")
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventNotificationClick, Tag: tag, Action: req.Action}))
}

func (s *Server) serveNotificationClose(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	s.accepted(w, s.worker.Dispatch(r.Context(), Event{Kind: EventNotificationClose, Tag: tag}))
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      s.worker.Lifecycle().State(),
		"generation": s.cfg.Cache.Generation,
	})
}

// accepted answers a control request without waiting for the work it started.
func (s *Server) accepted(w http.ResponseWriter, res Result) {
	if res.Err != nil {
		if errors.Is(res.Err, ErrInvalidMessage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": res.Err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"error": res.Err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func readControlBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
