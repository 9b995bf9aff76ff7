package swcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cfg := testConfig(t)
	c := NewClassifier(&cfg)

	tests := []struct {
		url  string
		want Strategy
	}{
		{"https://api.github.com/users/someone/repos", NetworkFirst},
		{"https://calendly.com/someone/30min", NetworkFirst},
		{"https://example.com/", CacheFirst},
		{"https://example.com/index.html", CacheFirst},
		{"https://example.com/img/photo.JPEG", CacheFirst},
		{"https://example.com/app.js?v=3", CacheFirst},
		{"https://fonts.googleapis.com/css2?family=Inter", CacheFirst},
		{"https://static.cdnjs.cloudflare.com/lib.woff2", CacheFirst},
		{"https://example.com/about", StaleWhileRevalidate},
		{"https://www.credly.com/users/someone", StaleWhileRevalidate},
		{"https://evilfonts.googleapis.com.attacker.net/x", StaleWhileRevalidate},
		{"::not a url", StaleWhileRevalidate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.url), tt.url)
	}
}

func TestClassifyNetworkFirstBeatsManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Manifest.URLs = append(cfg.Manifest.URLs, "https://api.github.com/users/someone/repos", "/api/status")
	cfg.Rules.NetworkFirst = append(cfg.Rules.NetworkFirst, "/api/")
	assert.NoError(t, cfg.Compile())
	c := NewClassifier(&cfg)

	assert.Equal(t, NetworkFirst, c.Classify("https://api.github.com/users/someone/repos"))
	assert.Equal(t, NetworkFirst, c.Classify("https://example.com/api/status"))
	for _, u := range cfg.ManifestURLs() {
		if containsAny(u, cfg.Rules.NetworkFirst) {
			continue
		}
		assert.Equal(t, CacheFirst, c.Classify(u), u)
	}
}

func TestWantsOfflineJSON(t *testing.T) {
	cfg := testConfig(t)
	c := NewClassifier(&cfg)
	assert.True(t, c.WantsOfflineJSON("https://api.github.com/users/someone/repos"))
	assert.False(t, c.WantsOfflineJSON("https://calendly.com/someone"))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cache-first", CacheFirst.String())
	assert.Equal(t, "network-first", NetworkFirst.String())
	assert.Equal(t, "stale-while-revalidate", StaleWhileRevalidate.String())
}
