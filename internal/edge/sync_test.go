package edge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSync(cfg Config, net Fetcher, clients Clients) (*SyncCoordinator, *MemoryTray) {
	n, tray := newTestNotifier(clients)
	return &SyncCoordinator{
		cfg:      cfg.Sync,
		net:      net,
		notifier: n,
		clients:  clients,
		log:      zerolog.Nop(),
	}, tray
}

func TestSyncCoordinator_partial_failure_still_completes(t *testing.T) {
	cfg := testConfig()
	net := newFakeFetcher()
	net.respond(http.MethodPost, cfg.Sync.CheckExpired, http.StatusOK, "application/json",
		`{"notifications":[{"title":"X","body":"Y"}]}`)
	net.respond(http.MethodGet, cfg.Sync.FetchPromotions, http.StatusInternalServerError, "text/plain", "boom")

	pages := []*fakeClient{
		{id: "p1", url: "https://loja.test/"},
		{id: "p2", url: "https://loja.test/reservas"},
	}
	s, tray := newTestSync(cfg, net, &fakeClients{clients: pages})

	report := s.Run(context.Background(), nil)
	assert.Equal(t, 1, report.Displayed)
	assert.Equal(t, []string{"fetch-promotions"}, report.Failed)

	list := tray.List()
	require.Len(t, list, 1)
	assert.Equal(t, "X", list[0].Title)
	assert.Equal(t, "Y", list[0].Body)

	for _, p := range pages {
		msgs := p.Messages()
		require.Len(t, msgs, 1, p.id)
		assert.Equal(t, MsgSyncCompleted, msgs[0].Type)
	}
}

func TestSyncCoordinator_order_and_credentials(t *testing.T) {
	cfg := testConfig()
	net := newFakeFetcher()
	net.respond(http.MethodPost, cfg.Sync.CheckExpired, http.StatusOK, "application/json", `{"notifications":[]}`)
	net.respond(http.MethodGet, cfg.Sync.FetchPromotions, http.StatusOK, "application/json", `{"notifications":[]}`)
	s, _ := newTestSync(cfg, net, &fakeClients{})

	creds := http.Header{}
	creds.Set("Cookie", "sb-access-token=abc")
	creds.Set("Authorization", "Bearer xyz")
	creds.Set("X-Other", "dropped")
	s.Run(context.Background(), creds)

	calls := net.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "POST /api/sync/check-expired", calls[0].Key)
	assert.Equal(t, "GET /api/sync/fetch-promotions", calls[1].Key)
	assert.Contains(t, calls[0].Body, `"timestamp":`)
	for _, c := range calls {
		assert.Equal(t, "sb-access-token=abc", c.Header.Get("Cookie"))
		assert.Equal(t, "Bearer xyz", c.Header.Get("Authorization"))
		assert.Empty(t, c.Header.Get("X-Other"))
	}
}

func TestSyncCoordinator_offline_displays_nothing(t *testing.T) {
	cfg := testConfig()
	net := newFakeFetcher()
	net.setOffline(true)
	page := &fakeClient{id: "p1", url: "https://loja.test/"}
	s, tray := newTestSync(cfg, net, &fakeClients{clients: []*fakeClient{page}})

	report := s.Run(context.Background(), nil)
	assert.Zero(t, report.Displayed)
	assert.Len(t, report.Failed, 2)
	assert.Empty(t, tray.List())
	require.Len(t, page.Messages(), 1)
	assert.Equal(t, MsgSyncCompleted, page.Messages()[0].Type)
}

func TestSyncCoordinator_invalid_json_counts_as_zero(t *testing.T) {
	cfg := testConfig()
	net := newFakeFetcher()
	net.respond(http.MethodPost, cfg.Sync.CheckExpired, http.StatusOK, "application/json", `not json`)
	net.respond(http.MethodGet, cfg.Sync.FetchPromotions, http.StatusOK, "application/json",
		`{"notifications":[{"title":"Promo","tag":"promo-1"},{"title":"Promo 2","tag":"promo-2"}]}`)
	s, tray := newTestSync(cfg, net, &fakeClients{})

	report := s.Run(context.Background(), nil)
	assert.Equal(t, 2, report.Displayed)
	assert.Len(t, tray.List(), 2)
}

func TestSyncCoordinator_completion_reaches_strict_pages(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.timeoutDur = time.Minute
	net := newFakeFetcher()
	net.setOffline(true)
	page := &fakeClient{id: "p1", url: "https://loja.test/", strict: true}
	s, _ := newTestSync(cfg, net, &fakeClients{clients: []*fakeClient{page}})

	s.Run(context.Background(), nil)
	require.Len(t, page.Messages(), 1)
	assert.Equal(t, MsgSyncCompleted, page.Messages()[0].Type)
}

func TestSyncCoordinator_completion_survives_cancelled_caller(t *testing.T) {
	cfg := testConfig()
	net := newFakeFetcher()
	page := &fakeClient{id: "p1", url: "https://loja.test/", strict: true}
	s, _ := newTestSync(cfg, net, &fakeClients{clients: []*fakeClient{page}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx, nil)
	require.Len(t, page.Messages(), 1)
	assert.Equal(t, MsgSyncCompleted, page.Messages()[0].Type)
}
