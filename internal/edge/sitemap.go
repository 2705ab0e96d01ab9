package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const maxSitemaps = 64

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapPaths walks the given sitemaps (following nested sitemap
// indexes) and returns the paths they list. Paths found before an error are
// returned along with it.
func discoverSitemapPaths(ctx context.Context, net Fetcher, sitemaps []string) ([]string, error) {
	seen := map[string]struct{}{}
	var queue []string
	for _, sm := range sitemaps {
		if sm = pathFromLoc(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var out []string
	for len(queue) > 0 && len(seen) < maxSitemaps {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sm := queue[0]
		queue = queue[1:]
		if _, ok := seen[sm]; ok {
			continue
		}
		seen[sm] = struct{}{}

		doc, err := fetchSitemap(ctx, net, sm)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", sm, err)
		}
		// Nested sitemaps are fetched from the origin, whatever host they name.
		for _, nested := range doc.Sitemaps {
			if p := pathFromLoc(nested); p != "" {
				queue = append(queue, p)
			}
		}
		for _, loc := range doc.URLs {
			if p := pathFromLoc(loc); p != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func fetchSitemap(ctx context.Context, net Fetcher, loc string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// A .gz sitemap may arrive already decompressed; sniff the magic bytes.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(io.LimitReader(gz, maxBodyBytes)); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// staticPath reports whether p names a script, style or image by extension.
// Only those are worth pre-warming: pages are served from the root copy.
func staticPath(p string) bool {
	return staticExts[strings.ToLower(path.Ext(p))] != ""
}

// pathFromLoc turns a sitemap <loc> (absolute or relative) into a path.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
