package edge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	b := NewBuilder(testConfig().Notifications)
	b.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return b
}

func boolPtr(v bool) *bool { return &v }

func TestBuilder_DecodePush(t *testing.T) {
	b := testBuilder()

	t.Run("no data", func(t *testing.T) {
		d, stage := b.DecodePush(nil)
		assert.Equal(t, pushFallback, stage)
		assert.Equal(t, "Loja-Conect", d.Title)
		assert.Equal(t, "Você tem uma nova notificação", d.Body)
		assert.True(t, d.RequireInteraction)
		assert.False(t, d.Silent)
	})

	t.Run("structured", func(t *testing.T) {
		d, stage := b.DecodePush([]byte(`{"title":"T","body":"B"}`))
		assert.Equal(t, pushParsed, stage)
		assert.Equal(t, "T", d.Title)
		assert.Equal(t, "B", d.Body)
		assert.Equal(t, "/icons/icon-192x192.png", d.Icon)
		assert.Equal(t, "/icons/icon-72x72.png", d.Badge)
		assert.Equal(t, "loja-conect-notification", d.Tag)
		assert.Equal(t, "/", d.URL())
		assert.Equal(t, []int{200, 100, 200}, d.Vibrate)
		require.Len(t, d.Actions, 2)
		assert.Equal(t, ActionView, d.Actions[0].Action)
		assert.Equal(t, ActionDismiss, d.Actions[1].Action)
	})

	t.Run("structured cannot silence a push", func(t *testing.T) {
		d, _ := b.DecodePush([]byte(`{"title":"T","silent":true,"requireInteraction":false}`))
		assert.False(t, d.Silent)
		assert.True(t, d.RequireInteraction)
	})

	t.Run("plain text", func(t *testing.T) {
		d, stage := b.DecodePush([]byte("Sua reserva expira hoje"))
		assert.Equal(t, pushParsedText, stage)
		assert.Equal(t, "Loja-Conect", d.Title)
		assert.Equal(t, "Sua reserva expira hoje", d.Body)
	})

	t.Run("json that is not an object", func(t *testing.T) {
		d, stage := b.DecodePush([]byte(`"hello"`))
		assert.Equal(t, pushParsedText, stage)
		assert.Equal(t, `"hello"`, d.Body)
	})

	t.Run("whitespace only", func(t *testing.T) {
		_, stage := b.DecodePush([]byte("  \n"))
		assert.Equal(t, pushFallback, stage)
	})
}

func TestBuilder_Build_policies(t *testing.T) {
	b := testBuilder()
	in := NotificationInput{
		Title:              "A",
		Vibrate:            []int{50},
		Silent:             boolPtr(true),
		RequireInteraction: boolPtr(false),
	}

	d := b.Build(in, PolicyDefault)
	assert.True(t, d.Silent)
	assert.False(t, d.RequireInteraction)
	assert.Equal(t, []int{50}, d.Vibrate)

	d = b.Build(in, PolicyAlert)
	assert.False(t, d.Silent)
	assert.False(t, d.RequireInteraction)
	assert.Equal(t, []int{200, 100, 200}, d.Vibrate)

	d = b.Build(in, PolicyAttention)
	assert.False(t, d.Silent)
	assert.True(t, d.RequireInteraction)
}

func TestBuilder_Build_keeps_routing_data(t *testing.T) {
	d := testBuilder().Build(NotificationInput{
		Title: "Reserva",
		URL:   "/reservas",
		Data:  map[string]any{"reservationId": "r-1"},
	}, PolicyDefault)

	assert.Equal(t, "/reservas", d.URL())
	assert.Equal(t, "r-1", d.Data["reservationId"])
	assert.Equal(t, int64(1_700_000_000_000), d.Timestamp)

	d = testBuilder().Build(NotificationInput{URL: "/ignored", Data: map[string]any{"url": "/data-wins"}}, PolicyDefault)
	assert.Equal(t, "/data-wins", d.URL())
	assert.Equal(t, "Loja-Conect", d.Title)
}

func newTestNotifier(clients Clients) (*Notifier, *MemoryTray) {
	tray := NewMemoryTray()
	cfg := testConfig()
	n := NewNotifier(cfg.Notifications, cfg.Server.AppOrigin, tray, clients, zerolog.Nop())
	return n, tray
}

func TestNotifier_Push_displays_in_tray(t *testing.T) {
	n, tray := newTestNotifier(&fakeClients{})
	require.NoError(t, n.Push(context.Background(), []byte(`{"title":"T","body":"B","tag":"promo"}`)))

	list := tray.List()
	require.Len(t, list, 1)
	assert.Equal(t, "T", list[0].Title)
	assert.Equal(t, "promo", list[0].Tag)
}

func TestNotifier_Click(t *testing.T) {
	ctx := context.Background()
	show := func(n *Notifier, url string) {
		require.NoError(t, n.Show(ctx, n.Build(NotificationInput{Title: "X", Tag: "t", URL: url}, PolicyAttention)))
	}

	t.Run("focuses and navigates an open page", func(t *testing.T) {
		page := &fakeClient{id: "p1", url: "https://loja.test/", canNavigate: true}
		other := &fakeClient{id: "p0", url: "https://elsewhere.test/", canNavigate: true}
		clients := &fakeClients{clients: []*fakeClient{other, page}}
		n, tray := newTestNotifier(clients)
		show(n, "/reservas")

		require.NoError(t, n.Click(ctx, "t", ""))

		assert.Empty(t, tray.List())
		assert.Equal(t, 1, page.focused)
		assert.Equal(t, []string{"https://loja.test/reservas"}, page.navigated)
		msgs := page.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, MsgNotificationClicked, msgs[0].Type)
		assert.Equal(t, "/reservas", msgs[0].Data["url"])
		assert.Zero(t, other.focused)
		assert.Empty(t, clients.Opened())
	})

	t.Run("opens a window when the page cannot navigate", func(t *testing.T) {
		page := &fakeClient{id: "p1", url: "https://loja.test/"}
		clients := &fakeClients{clients: []*fakeClient{page}}
		n, _ := newTestNotifier(clients)
		show(n, "/promocoes")

		require.NoError(t, n.Click(ctx, "t", ActionView))
		assert.Equal(t, 1, page.focused)
		assert.Equal(t, []string{"https://loja.test/promocoes"}, clients.Opened())
	})

	t.Run("opens a window with no page open", func(t *testing.T) {
		clients := &fakeClients{}
		n, _ := newTestNotifier(clients)
		show(n, "")

		require.NoError(t, n.Click(ctx, "t", ActionView))
		assert.Equal(t, []string{"https://loja.test/"}, clients.Opened())
	})

	t.Run("dismiss focuses and posts without navigating", func(t *testing.T) {
		page := &fakeClient{id: "p1", url: "https://loja.test/", canNavigate: true}
		clients := &fakeClients{clients: []*fakeClient{page}}
		n, tray := newTestNotifier(clients)
		show(n, "/reservas")

		require.NoError(t, n.Click(ctx, "t", ActionDismiss))
		assert.Empty(t, tray.List())
		assert.Equal(t, 1, page.focused)
		require.Len(t, page.Messages(), 1)
		assert.Equal(t, MsgNotificationClicked, page.Messages()[0].Type)
		assert.Equal(t, ActionDismiss, page.Messages()[0].Action)
		assert.Empty(t, page.navigated)
		assert.Empty(t, clients.Opened())
	})

	t.Run("dismiss without pages opens nothing", func(t *testing.T) {
		clients := &fakeClients{}
		n, tray := newTestNotifier(clients)
		show(n, "/reservas")

		require.NoError(t, n.Click(ctx, "t", ActionDismiss))
		assert.Empty(t, tray.List())
		assert.Empty(t, clients.Opened())
	})

	t.Run("custom action posts without navigating", func(t *testing.T) {
		page := &fakeClient{id: "p1", url: "https://loja.test/", canNavigate: true}
		clients := &fakeClients{clients: []*fakeClient{page}}
		n, _ := newTestNotifier(clients)
		show(n, "/reservas")

		require.NoError(t, n.Click(ctx, "t", "reserve"))
		assert.Empty(t, page.navigated)
		require.Len(t, page.Messages(), 1)
		assert.Equal(t, "reserve", page.Messages()[0].Action)
	})
}

func TestMemoryTray_tag_replaces(t *testing.T) {
	ctx := context.Background()
	tray := NewMemoryTray()
	var mirrored []string
	tray.Subscribe(func(d DisplayModel) { mirrored = append(mirrored, d.Title) })

	require.NoError(t, tray.Show(ctx, DisplayModel{Title: "first", Tag: "a", Timestamp: 1}))
	require.NoError(t, tray.Show(ctx, DisplayModel{Title: "other", Tag: "b", Timestamp: 2}))
	require.NoError(t, tray.Show(ctx, DisplayModel{Title: "second", Tag: "a", Timestamp: 3}))

	list := tray.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title)
	assert.Equal(t, "other", list[1].Title)
	assert.Equal(t, []string{"first", "other", "second"}, mirrored)

	d, ok := tray.Close("a")
	assert.True(t, ok)
	assert.Equal(t, "second", d.Title)
	_, ok = tray.Close("a")
	assert.False(t, ok)
}
