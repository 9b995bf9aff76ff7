package swcache

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://example.com"

// fakeFetcher serves canned responses and counts calls per URL. URLs in
// failing, or every URL while offline, fail like a dropped connection.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]Response
	failing   map[string]bool
	offline   bool
	calls     map[string]int
	block     chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]Response{},
		failing:   map[string]bool{},
		calls:     map[string]int{},
	}
}

func (f *fakeFetcher) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	f.responses[url] = Response{Status: status, Header: h, Body: []byte(body)}
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) setFailing(url string, v bool) {
	f.mu.Lock()
	f.failing[url] = v
	f.mu.Unlock()
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Response{}, errors.Wrap(ErrNetworkUnavailable, ctx.Err().Error())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline || f.failing[req.URL] {
		return Response{}, errors.Wrapf(ErrNetworkUnavailable, "%s: connection refused", req.URL)
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return textResponse(http.StatusNotFound, "not found"), nil
	}
	return resp.Clone(), nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	cfg.Storage.RAM.Max = "1m"
	cfg.Manifest.URLs = []string{"/", "/index.html", "/styles.css"}
	cfg.Rules.NetworkFirst = []string{"https://api.github.com/", "https://calendly.com/"}
	cfg.Rules.TrustedHosts = []string{"fonts.googleapis.com", "cdnjs.cloudflare.com"}
	cfg.Rules.OfflineJSON = []string{"api.github.com"}
	cfg.Offline.Message = "Offline - GitHub data unavailable"
	require.NoError(t, cfg.Compile())
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serveManifest(f *fakeFetcher, cfg *Config) {
	for _, u := range cfg.ManifestURLs() {
		f.set(u, http.StatusOK, "asset "+u)
	}
}

func getReq(url string) Request {
	return NewRequest(http.MethodGet, url, nil)
}
