package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// manifest resolves and downloads the static asset list.
type manifest struct {
	origin      *url.URL
	urls        []string
	sitemaps    []string
	concurrency int
	fetcher     Fetcher
}

func newManifest(cfg *Config, fetcher Fetcher) (*manifest, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "parse origin")
	}
	m := &manifest{
		origin:      origin,
		urls:        cfg.ManifestURLs(),
		concurrency: cfg.Manifest.Concurrency,
		fetcher:     fetcher,
	}
	for _, sm := range cfg.Manifest.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		abs, err := resolveURL(origin, sm)
		if err != nil {
			return nil, errors.Wrapf(err, "manifest.sitemaps %q", sm)
		}
		m.sitemaps = append(m.sitemaps, abs)
	}
	return m, nil
}

// Resolve returns the configured URLs followed by every same-origin page
// listed in the sitemaps. A sitemap that cannot be fetched fails the whole
// manifest.
func (m *manifest) Resolve(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(m.urls))
	seen := map[string]struct{}{}
	add := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range m.urls {
		add(u)
	}

	seenSitemaps := map[string]struct{}{}
	queue := append([]string(nil), m.sitemaps...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := m.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, errors.Wrapf(ErrManifestFetch, "sitemap %q: %v", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if abs, err := resolveURL(m.origin, nested); err == nil {
				queue = append(queue, abs)
			}
		}
		found := 0
		for _, loc := range doc.URLs {
			abs, err := resolveURL(m.origin, loc)
			if err != nil || !m.sameOrigin(abs) {
				continue
			}
			add(abs)
			found++
		}
		log.WithFields(log.Fields{"sitemap": smURL, "urls": len(doc.URLs), "added": found}).Debug("sitemap resolved")
	}
	return out, nil
}

func (m *manifest) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, m.origin.Scheme) && strings.EqualFold(u.Host, m.origin.Host)
}

func (m *manifest) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := m.fetcher.Fetch(ctx, NewRequest(http.MethodGet, sitemapURL, nil))
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// A .gz sitemap may arrive already decoded when the server also set
	// Content-Encoding, so sniff the magic bytes as well.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// Download fetches every URL concurrently. Any transport error or non-2xx
// status fails the whole download and nothing is returned.
func (m *manifest) Download(ctx context.Context, urls []string) ([]Request, []Response, error) {
	reqs := make([]Request, len(urls))
	resps := make([]Response, len(urls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)
	for i, u := range urls {
		i, u := i, u
		reqs[i] = NewRequest(http.MethodGet, u, nil)
		eg.Go(func() error {
			resp, err := m.fetcher.Fetch(egCtx, reqs[i])
			if err != nil {
				return errors.Wrapf(ErrManifestFetch, "%s: %v", u, err)
			}
			if !resp.OK() {
				return errors.Wrapf(ErrManifestFetch, "%s: status %d", u, resp.Status)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return reqs, resps, nil
}
