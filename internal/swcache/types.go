package swcache

import (
	"net/http"
	"strings"
)

// Strategy selects how a request is satisfied from cache versus network.
type Strategy int

const (
	StaleWhileRevalidate Strategy = iota
	CacheFirst
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "stale-while-revalidate"
	}
}

// Request describes an intercepted outgoing request. Cache identity is
// method plus absolute URL; headers do not take part in it.
type Request struct {
	URL    string
	Method string
	Header http.Header
}

func NewRequest(method, rawURL string, header http.Header) Request {
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = make(http.Header)
	}
	return Request{URL: rawURL, Method: strings.ToUpper(method), Header: cloneHeader(header)}
}

func (r Request) Key() string {
	return r.Method + " " + r.URL
}

// Response is a snapshot of a network or cached response. Snapshots handed
// to the store and back to callers are always clones.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds, zero for live responses
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

func (r Response) Clone() Response {
	out := r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

// MessageType is the command sent by a page to the running gateway.
type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageCacheUpdate MessageType = "CACHE_UPDATE"
)

type Message struct {
	Type MessageType `json:"type"`
}

// Notification is handed to the Notifier when a push payload arrives.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
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
