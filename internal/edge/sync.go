package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// credentialHeaders are forwarded from the triggering page to sync endpoints.
var credentialHeaders = []string{"Cookie", "Authorization"}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Displayed int      `json:"displayed"`
	Failed    []string `json:"failed,omitempty"`
}

// SyncCoordinator asks the backend for expired reservations and new
// promotions and displays whatever notifications come back. A pass never
// fails: broken endpoints count as zero results.
type SyncCoordinator struct {
	cfg      SyncConfig
	net      Fetcher
	notifier *Notifier
	clients  Clients
	log      zerolog.Logger

	flight singleflight.Group
}

type syncEndpoint struct {
	name   string
	method string
	path   string
}

func (s *SyncCoordinator) endpoints() []syncEndpoint {
	var out []syncEndpoint
	if s.cfg.CheckExpired != "" {
		out = append(out, syncEndpoint{"check-expired", http.MethodPost, s.cfg.CheckExpired})
	}
	if s.cfg.FetchPromotions != "" {
		out = append(out, syncEndpoint{"fetch-promotions", http.MethodGet, s.cfg.FetchPromotions})
	}
	return out
}

// Run performs one pass. Concurrent calls share the pass already running.
func (s *SyncCoordinator) Run(ctx context.Context, creds http.Header) SyncReport {
	v, _, _ := s.flight.Do("sync", func() (any, error) {
		return s.run(ctx, creds), nil
	})
	return v.(SyncReport)
}

func (s *SyncCoordinator) run(ctx context.Context, creds http.Header) (report SyncReport) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("panic", fmt.Sprint(r)).Msg("sync pass panicked")
		}
		// Pages hear about the pass even when it ran out of time.
		Broadcast(context.WithoutCancel(ctx), s.clients, OutboundMessage{
			Type: MsgSyncCompleted,
			Data: map[string]any{"displayed": report.Displayed},
		}, s.log)
	}()

	runCtx := ctx
	if s.cfg.timeoutDur > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.timeoutDur)
		defer cancel()
	}

	for _, ep := range s.endpoints() {
		records, err := s.call(runCtx, ep, creds)
		if err != nil {
			s.log.Warn().Err(err).Str("endpoint", ep.name).Msg("sync endpoint returned nothing")
			report.Failed = append(report.Failed, ep.name)
			continue
		}
		for _, in := range records {
			if err := s.notifier.Show(runCtx, s.notifier.Build(in, PolicyAttention)); err != nil {
				s.log.Warn().Err(err).Str("endpoint", ep.name).Msg("display sync notification")
				continue
			}
			report.Displayed++
		}
	}
	s.log.Info().Int("displayed", report.Displayed).Strs("failed", report.Failed).Msg("sync pass finished")
	return report
}

type syncResponse struct {
	Notifications []NotificationInput `json:"notifications"`
}

func (s *SyncCoordinator) call(ctx context.Context, ep syncEndpoint, creds http.Header) ([]NotificationInput, error) {
	var body io.Reader
	if ep.method == http.MethodPost {
		body = strings.NewReader(fmt.Sprintf(`{"timestamp":%d}`, time.Now().UnixMilli()))
	}
	req, err := http.NewRequestWithContext(ctx, ep.method, ep.path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ep.method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range credentialHeaders {
		for _, v := range creds.Values(h) {
			req.Header.Add(h, v)
		}
	}

	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("status %d", resp.Status)
	}
	var out syncResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out.Notifications, nil
}
