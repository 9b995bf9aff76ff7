package swcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Fetcher performs the network side of a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over HTTP. Transport failures are returned wrapped in
// ErrNetworkUnavailable; any HTTP status, including errors, is a response.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	return f.do(ctx, req, nil)
}

func (f *HTTPFetcher) do(ctx context.Context, req Request, body io.Reader) (Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, errors.Wrapf(err, "build request %s", req.Key())
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(hreq)
	if err != nil {
		return Response{}, errors.Wrapf(ErrNetworkUnavailable, "%s: %v", req.Key(), err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Wrapf(ErrNetworkUnavailable, "read body of %s: %v", req.Key(), err)
	}
	out := Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

// passthrough forwards a request, body included, without touching the
// cache. Used for non-GET requests and for clients not yet controlled.
func (f *HTTPFetcher) passthrough(ctx context.Context, r *http.Request, target string) (Response, error) {
	req := NewRequest(r.Method, target, r.Header)
	return f.do(ctx, req, r.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// ---- synthesized responses ----

const (
	offlineContentBody = "Offline content not available"
	networkErrorBody   = "Network error occurred"
)

func textResponse(status int, body string) Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{Status: status, Header: h, Body: []byte(body)}
}

type offlinePayload struct {
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

func offlineJSONResponse(message string) Response {
	b, _ := json.Marshal(offlinePayload{Message: message, Offline: true})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return Response{Status: http.StatusServiceUnavailable, Header: h, Body: b}
}
