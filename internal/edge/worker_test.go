package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWorker struct {
	*Worker
	storage *MemoryStorage
	net     *fakeFetcher
	tray    *MemoryTray
	clients *fakeClients
}

func newTestWorker(t *testing.T, pages ...*fakeClient) *testWorker {
	t.Helper()
	tw := &testWorker{
		storage: NewMemoryStorage(0),
		net:     newFakeFetcher(),
		tray:    NewMemoryTray(),
		clients: &fakeClients{clients: pages},
	}
	w, err := NewWorker(testConfig(), Deps{
		Storage: tw.storage,
		Fetcher: tw.net,
		Tray:    tw.tray,
		Clients: tw.clients,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	tw.Worker = w
	return tw
}

func (tw *testWorker) dispatch(t *testing.T, ev Event) Result {
	t.Helper()
	res := tw.Dispatch(context.Background(), ev)
	require.NoError(t, res.Pending.Wait(context.Background()))
	return res
}

func TestNewWorker_requires_collaborators(t *testing.T) {
	_, err := NewWorker(testConfig(), Deps{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestWorker_Start_installs_and_activates(t *testing.T) {
	tw := newTestWorker(t)
	tw.net.respond(http.MethodGet, "/", http.StatusOK, "text/html", "<html></html>")
	ctx := context.Background()
	_, err := tw.storage.Open(ctx, "loja-conect-cliente-v8")
	require.NoError(t, err)

	require.NoError(t, tw.Start(ctx))

	assert.Equal(t, StateActivated, tw.Lifecycle().State())
	names, err := tw.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loja-conect-cliente-v9"}, names)
	assert.Equal(t, []string{"loja-conect-cliente-v9"}, tw.clients.claimed)
}

func TestWorker_Dispatch_unknown_kind(t *testing.T) {
	tw := newTestWorker(t)
	res := tw.Dispatch(context.Background(), Event{Kind: "periodicsync"})
	assert.ErrorIs(t, res.Err, ErrUnknownEvent)
	assert.ErrorIs(t, res.Pending.Wait(context.Background()), ErrUnknownEvent)
}

func TestWorker_Dispatch_recovers_panics(t *testing.T) {
	tw := newTestWorker(t)
	tw.handlers["boom"] = func(context.Context, Event) Result { panic("kaboom") }

	res := tw.Dispatch(context.Background(), Event{Kind: "boom"})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestWorker_fetch(t *testing.T) {
	tw := newTestWorker(t)
	tw.net.respond(http.MethodGet, "/assets/app.js", http.StatusOK, "text/javascript", "js")

	res := tw.dispatch(t, Event{Kind: EventFetch, Request: httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)})
	require.NotNil(t, res.Fetch)
	assert.Equal(t, OutcomeMiss, res.Fetch.Outcome)

	// the background write has settled, so the second request is a hit
	res = tw.dispatch(t, Event{Kind: EventFetch, Request: httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)})
	assert.Equal(t, OutcomeHit, res.Fetch.Outcome)
	assert.Len(t, tw.net.Calls(), 1)

	ss := tw.stats.Snapshot()
	assert.Equal(t, uint64(2), ss.TotalResponses)
	assert.Equal(t, uint64(1), ss.Outcomes[OutcomeHit])
}

func TestWorker_push(t *testing.T) {
	tw := newTestWorker(t)
	tw.dispatch(t, Event{Kind: EventPush})

	list := tw.tray.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Loja-Conect", list[0].Title)
	assert.True(t, list[0].RequireInteraction)
	assert.False(t, list[0].Silent)
}

func TestWorker_show_notification_forces_alert(t *testing.T) {
	tw := newTestWorker(t)
	msg, err := DecodeMessage([]byte(`{"type":"SHOW_NOTIFICATION","data":{"title":"A","silent":true,"vibrate":[1]}}`))
	require.NoError(t, err)

	tw.dispatch(t, Event{Kind: EventMessage, Message: msg})

	list := tw.tray.List()
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].Title)
	assert.Equal(t, []int{200, 100, 200}, list[0].Vibrate)
	assert.False(t, list[0].Silent)
	assert.True(t, list[0].RequireInteraction)
}

func TestWorker_announcements(t *testing.T) {
	tw := newTestWorker(t)
	tw.dispatch(t, Event{Kind: EventMessage, Message: ProductAdded{}})
	tw.dispatch(t, Event{Kind: EventMessage, Message: NewPromotion{Announcement{Body: "Só hoje", URL: "/promocoes"}}})

	list := tw.tray.List()
	require.Len(t, list, 2)
	byTag := map[string]DisplayModel{}
	for _, d := range list {
		byTag[d.Tag] = d
	}
	assert.Equal(t, "Novo produto disponível!", byTag["product-added"].Title)
	assert.Equal(t, "Confira as novidades da loja", byTag["product-added"].Body)
	assert.Equal(t, "Nova promoção!", byTag["new-promotion"].Title)
	assert.Equal(t, "/promocoes", byTag["new-promotion"].URL())
}

func TestWorker_clear_cache(t *testing.T) {
	tw := newTestWorker(t)
	ctx := context.Background()
	cache, err := tw.storage.Open(ctx, "loja-conect-cliente-v9")
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "GET /", testEntry("root")))

	tw.dispatch(t, Event{Kind: EventMessage, Message: ClearCache{}})

	names, err := tw.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestWorker_sync_tags(t *testing.T) {
	page := &fakeClient{id: "p1", url: "https://loja.test/"}
	tw := newTestWorker(t, page)

	tw.dispatch(t, Event{Kind: EventSync, Tag: "something-else"})
	assert.Empty(t, tw.net.Calls())
	assert.Empty(t, page.Messages())

	tw.dispatch(t, Event{Kind: EventSync, Tag: "check-expired-reservations"})
	assert.Len(t, tw.net.Calls(), 2)
	require.Len(t, page.Messages(), 1)
	assert.Equal(t, MsgSyncCompleted, page.Messages()[0].Type)

	tw.dispatch(t, Event{Kind: EventMessage, Message: CheckSyncNow{}})
	assert.Len(t, tw.net.Calls(), 4)
}

func TestWorker_push_subscription_change(t *testing.T) {
	page := &fakeClient{id: "p1", url: "https://loja.test/"}
	tw := newTestWorker(t, page)

	sub := &PushSubscription{Endpoint: "https://push.example/abc"}
	sub.Keys.P256dh = "key"
	sub.Keys.Auth = "auth"
	tw.dispatch(t, Event{Kind: EventPushSubscriptionChange, Subscription: &SubscriptionChange{New: sub}})

	msgs := page.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgPushSubscriptionChanged, msgs[0].Type)
	require.NotNil(t, msgs[0].Subscription)
	assert.Equal(t, "https://push.example/abc", msgs[0].Subscription.Endpoint)
}

func TestWorker_notification_close(t *testing.T) {
	tw := newTestWorker(t)
	tw.dispatch(t, Event{Kind: EventPush, Payload: []byte(`{"title":"T","tag":"t"}`)})
	require.Len(t, tw.tray.List(), 1)

	tw.dispatch(t, Event{Kind: EventNotificationClose, Tag: "t"})
	assert.Empty(t, tw.tray.List())
}

func TestWorker_background_overflow_is_dropped(t *testing.T) {
	tw := newTestWorker(t)
	// occupy every slot
	for i := 0; i < cap(tw.bgSem); i++ {
		tw.bgSem <- struct{}{}
	}
	ran := false
	p := tw.background("test", func(context.Context) error { ran = true; return nil })
	require.NoError(t, p.Wait(context.Background()))
	assert.False(t, ran)

	for i := 0; i < cap(tw.bgSem); i++ {
		<-tw.bgSem
	}
}
