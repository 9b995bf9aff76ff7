package swcache

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// Classifier maps a URL to the strategy that serves it. The rule tables are
// fixed at construction; the manifest set is replaced whenever the static
// generation is repopulated.
type Classifier struct {
	networkFirst []string
	manifest     atomic.Pointer[map[string]struct{}]
	suffixes     []string
	trustedHosts []string
	offlineJSON  []string
}

func NewClassifier(cfg *Config) *Classifier {
	c := &Classifier{
		networkFirst: nonEmpty(cfg.Rules.NetworkFirst),
		suffixes:     nonEmpty(cfg.Rules.StaticSuffixes),
		trustedHosts: nonEmpty(cfg.Rules.TrustedHosts),
		offlineJSON:  nonEmpty(cfg.Rules.OfflineJSON),
	}
	c.SetManifest(cfg.ManifestURLs())
	return c
}

// SetManifest replaces the set of URLs served cache-first as manifest
// members, such as pages discovered through sitemaps.
func (c *Classifier) SetManifest(urls []string) {
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	c.manifest.Store(&set)
}

// InManifest reports whether rawURL is a manifest member.
func (c *Classifier) InManifest(rawURL string) bool {
	_, ok := (*c.manifest.Load())[rawURL]
	return ok
}

// Classify returns NetworkFirst for URLs containing a network-first
// pattern, CacheFirst for manifest members, static suffixes and trusted
// hosts, and StaleWhileRevalidate for everything else. Earlier rules win.
func (c *Classifier) Classify(rawURL string) Strategy {
	if containsAny(rawURL, c.networkFirst) {
		return NetworkFirst
	}
	if c.InManifest(rawURL) {
		return CacheFirst
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return StaleWhileRevalidate
	}
	path := strings.ToLower(u.EscapedPath())
	for _, suf := range c.suffixes {
		if strings.HasSuffix(path, suf) {
			return CacheFirst
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.trustedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return CacheFirst
		}
	}
	return StaleWhileRevalidate
}

// WantsOfflineJSON reports whether a failed request for rawURL should get
// the structured offline payload instead of a plain error body.
func (c *Classifier) WantsOfflineJSON(rawURL string) bool {
	return containsAny(rawURL, c.offlineJSON)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
