package edge

import (
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// Response is a fully buffered HTTP response, as captured from the network or
// replayed from a cache generation.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// CacheEntry is one stored response inside a cache generation.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func newCacheEntry(resp *Response) CacheEntry {
	ent := CacheEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(resp.Body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// Response returns a copy of the stored response.
func (e CacheEntry) Response() *Response {
	return &Response{
		Status: e.Status,
		Header: cloneHeader(e.Header),
		Body:   e.Body,
	}
}

// RequestKey returns the cache identity of a request: method plus path and query.
func RequestKey(method, uri string) string {
	if method == "" {
		method = http.MethodGet
	}
	if uri == "" {
		uri = "/"
	}
	return strings.ToUpper(method) + " " + uri
}

func gatewayTimeout() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusGatewayTimeout,
		Header: h,
		Body:   []byte("gateway timeout"),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
