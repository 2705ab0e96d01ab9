package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification actions understood by the click handler.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Action is one button on a displayed notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// DisplayModel is what the tray receives. Every field is filled in; the tray
// never has to guess a default.
type DisplayModel struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Image              string         `json:"image,omitempty"`
	Tag                string         `json:"tag"`
	Data               map[string]any `json:"data"`
	Actions            []Action       `json:"actions"`
	Vibrate            []int          `json:"vibrate"`
	RequireInteraction bool           `json:"requireInteraction"`
	Silent             bool           `json:"silent"`
	Timestamp          int64          `json:"timestamp"`
}

// URL returns the click target carried in the routing data.
func (d DisplayModel) URL() string {
	if s, ok := d.Data["url"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// NotificationInput is the loose shape producers send: push payloads, page
// messages and sync results. Pointer fields distinguish "absent" from false.
type NotificationInput struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Image              string         `json:"image"`
	Tag                string         `json:"tag"`
	URL                string         `json:"url"`
	Data               map[string]any `json:"data"`
	Actions            []Action       `json:"actions"`
	Vibrate            []int          `json:"vibrate"`
	RequireInteraction *bool          `json:"requireInteraction"`
	Silent             *bool          `json:"silent"`
}

// Policy decides which caller-supplied attention fields are honored.
type Policy int

const (
	// PolicyDefault fills absent fields and keeps what the caller sent.
	PolicyDefault Policy = iota
	// PolicyAttention forces requireInteraction and sound on. Used for push,
	// product and promotion notifications.
	PolicyAttention
	// PolicyAlert forces sound and the configured vibration pattern, keeping
	// the caller's requireInteraction.
	PolicyAlert
)

// Builder turns inputs into display models using one set of defaults.
type Builder struct {
	cfg NotificationConfig
	now func() time.Time
}

func NewBuilder(cfg NotificationConfig) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

func (b *Builder) defaultActions() []Action {
	return []Action{
		{Action: ActionView, Title: "Ver detalhes"},
		{Action: ActionDismiss, Title: "Fechar"},
	}
}

// Build fills every absent field of in with the configured defaults and
// applies p.
func (b *Builder) Build(in NotificationInput, p Policy) DisplayModel {
	d := DisplayModel{
		Title:     strings.TrimSpace(in.Title),
		Body:      strings.TrimSpace(in.Body),
		Icon:      orDefault(in.Icon, b.cfg.Icon),
		Badge:     orDefault(in.Badge, b.cfg.Badge),
		Image:     strings.TrimSpace(in.Image),
		Tag:       orDefault(in.Tag, b.cfg.Tag),
		Data:      map[string]any{},
		Actions:   in.Actions,
		Vibrate:   in.Vibrate,
		Timestamp: b.now().UnixMilli(),
	}
	if d.Title == "" {
		d.Title = b.cfg.AppName
	}
	maps.Copy(d.Data, in.Data)
	if _, ok := d.Data["url"].(string); !ok {
		d.Data["url"] = orDefault(in.URL, b.cfg.DefaultURL)
	}
	if len(d.Actions) == 0 {
		d.Actions = b.defaultActions()
	}
	if len(d.Vibrate) == 0 || p == PolicyAlert {
		d.Vibrate = slices.Clone(b.cfg.Vibrate)
	}

	d.RequireInteraction = true
	if in.RequireInteraction != nil && p != PolicyAttention {
		d.RequireInteraction = *in.RequireInteraction
	}
	d.Silent = false
	if in.Silent != nil && p == PolicyDefault {
		d.Silent = *in.Silent
	}
	return d
}

// Fallback is shown when a push carries nothing usable.
func (b *Builder) Fallback() DisplayModel {
	return b.Build(NotificationInput{
		Title: b.cfg.AppName,
		Body:  b.cfg.FallbackBody,
	}, PolicyAttention)
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// pushStage records how far decoding of a push payload got.
type pushStage string

const (
	pushParsed     pushStage = "parsed"
	pushParsedText pushStage = "parsed-text"
	pushFallback   pushStage = "fallback"
)

// DecodePush turns a push payload into a display model: structured JSON
// first, plain text as the body second, the fixed fallback last. A nil
// payload means the push carried no data.
func (b *Builder) DecodePush(payload []byte) (DisplayModel, pushStage) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return b.Fallback(), pushFallback
	}

	var in NotificationInput
	if err := json.Unmarshal(payload, &in); err == nil && payload[0] == '{' {
		return b.Build(in, PolicyAttention), pushParsed
	}

	return b.Build(NotificationInput{Title: b.cfg.AppName, Body: string(payload)}, PolicyAttention), pushParsedText
}

// Notifier is the single display path shared by push, page messages and sync.
type Notifier struct {
	*Builder

	tray    Tray
	clients Clients
	appURL  string
	log     zerolog.Logger
}

func NewNotifier(cfg NotificationConfig, appOrigin string, tray Tray, clients Clients, log zerolog.Logger) *Notifier {
	return &Notifier{
		Builder: NewBuilder(cfg),
		tray:    tray,
		clients: clients,
		appURL:  appOrigin,
		log:     log,
	}
}

// Show hands a display model to the tray.
func (n *Notifier) Show(ctx context.Context, d DisplayModel) error {
	if err := n.tray.Show(ctx, d); err != nil {
		return fmt.Errorf("show notification %q: %w", d.Tag, err)
	}
	n.log.Debug().Str("tag", d.Tag).Str("title", d.Title).Msg("notification displayed")
	return nil
}

// Push decodes and displays one push delivery.
func (n *Notifier) Push(ctx context.Context, payload []byte) error {
	d, stage := n.DecodePush(payload)
	n.log.Info().Str("stage", string(stage)).Str("tag", d.Tag).Msg("push received")
	return n.Show(ctx, d)
}

// Click routes a notification click back to an open page, or opens one.
func (n *Notifier) Click(ctx context.Context, tag, action string) error {
	d, ok := n.tray.Close(tag)
	if !ok {
		n.log.Warn().Str("tag", tag).Msg("click on a notification no longer in the tray")
	}
	navigates := action == "" || action == ActionView

	target := n.resolveTarget(d.URL())
	for _, c := range n.clients.MatchAll(ctx) {
		if !sameOrigin(c.URL(), n.appURL) {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			n.log.Warn().Err(err).Str("client", c.ID()).Msg("focus client")
		}
		msg := OutboundMessage{
			Type:   MsgNotificationClicked,
			Action: action,
			Data:   d.Data,
		}
		if err := c.PostMessage(ctx, msg); err != nil {
			n.log.Warn().Err(err).Str("client", c.ID()).Msg("post click to client")
		}
		if !navigates {
			return nil
		}
		err := c.Navigate(ctx, target)
		if err == nil {
			return nil
		}
		n.log.Debug().Err(err).Str("client", c.ID()).Msg("client cannot navigate, opening a window")
		return n.clients.OpenWindow(ctx, target)
	}
	if !navigates {
		return nil
	}
	return n.clients.OpenWindow(ctx, target)
}

// Close handles a notification dismissed from the tray without a click.
func (n *Notifier) Close(_ context.Context, tag string) {
	if _, ok := n.tray.Close(tag); ok {
		n.log.Debug().Str("tag", tag).Msg("notification closed")
	}
}

func (n *Notifier) resolveTarget(u string) string {
	if u == "" {
		u = n.cfg.DefaultURL
	}
	if n.appURL != "" && strings.HasPrefix(u, "/") {
		return n.appURL + u
	}
	return u
}
