package edge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultDialTimeout  = 5 * time.Second
	maxBodyBytes        = 32 * mib
)

// Fetcher is the worker's network. Implementations return an error only when
// no response could be obtained; HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// OriginFetcher sends requests to the storefront origin, keeping the incoming
// path and query.
type OriginFetcher struct {
	Origin string
	Client *http.Client
}

func NewOriginFetcher(origin string) *OriginFetcher {
	return &OriginFetcher{
		Origin: strings.TrimRight(origin, "/"),
		Client: &http.Client{Timeout: defaultFetchTimeout},
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	uri := r.URL.RequestURI()
	if r.URL.IsAbs() && !strings.HasPrefix(r.URL.String(), f.Origin) {
		// Absolute requests to other hosts (backend-as-a-service, CDNs) go as is.
		uri = ""
	}
	target := r.URL.String()
	if uri != "" {
		target = f.Origin + uri
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = r.ContentLength

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response body from %s exceeds %s", target, formatBytes(maxBodyBytes))
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: body}, nil
}
