package swcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleFixture struct {
	cfg        Config
	store      *Store
	fetcher    *fakeFetcher
	classifier *Classifier
	lc         *Lifecycle
}

func newLifecycleFixture(t *testing.T, cfg Config) *lifecycleFixture {
	t.Helper()
	store := newTestStore(t)
	f := newFakeFetcher()
	serveManifest(f, &cfg)
	c := NewClassifier(&cfg)
	lc, err := NewLifecycle(&cfg, store, f, c)
	require.NoError(t, err)
	return &lifecycleFixture{cfg: cfg, store: store, fetcher: f, classifier: c, lc: lc}
}

func TestInstallPopulatesStatic(t *testing.T) {
	assert := assert.New(t)
	fx := newLifecycleFixture(t, testConfig(t))

	require.NoError(t, fx.lc.Install(context.Background()))
	assert.Equal(Installed, fx.lc.State())
	assert.True(fx.lc.SkipWaitingRequested())

	static := fx.store.Generation(fx.cfg.StaticGeneration())
	assert.Equal(len(fx.cfg.ManifestURLs()), static.Len())
	for _, u := range fx.cfg.ManifestURLs() {
		got, ok, err := static.Lookup(getReq(u))
		require.NoError(t, err)
		assert.True(ok, u)
		assert.Equal("asset "+u, string(got.Body))
	}

	err := fx.lc.Install(context.Background())
	assert.True(errors.Is(err, ErrInvalidState))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	assert := assert.New(t)
	fx := newLifecycleFixture(t, testConfig(t))
	fx.fetcher.setFailing(testOrigin+"/styles.css", true)

	err := fx.lc.Install(context.Background())
	require.Error(t, err)
	assert.True(errors.Is(err, ErrManifestFetch))
	assert.Equal(Uninstalled, fx.lc.State())
	assert.False(fx.store.HasGeneration(fx.cfg.StaticGeneration()))
	assert.Equal(0, fx.store.Generation(fx.cfg.StaticGeneration()).Len())

	fx.fetcher.setFailing(testOrigin+"/styles.css", false)
	require.NoError(t, fx.lc.Install(context.Background()))
	assert.Equal(Installed, fx.lc.State())
	assert.Equal(3, fx.store.Generation(fx.cfg.StaticGeneration()).Len())
}

func TestInstallFailsOnErrorStatus(t *testing.T) {
	fx := newLifecycleFixture(t, testConfig(t))
	fx.fetcher.set(testOrigin+"/index.html", http.StatusNotFound, "gone")

	err := fx.lc.Install(context.Background())
	assert.True(t, errors.Is(err, ErrManifestFetch))
	assert.False(t, fx.store.HasGeneration(fx.cfg.StaticGeneration()))
}

func TestActivateDeletesSupersededGenerations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Version = "v2"
	require.NoError(t, cfg.Compile())
	fx := newLifecycleFixture(t, cfg)

	for _, name := range []string{"swcache-static-v1", "swcache-dynamic-v1", "swcache-static-v2", "swcache-dynamic-v2"} {
		_, err := fx.store.OpenGeneration(name)
		require.NoError(t, err)
	}
	require.NoError(t, fx.lc.Install(context.Background()))
	require.NoError(t, fx.lc.Activate())

	assert.Equal(t, Active, fx.lc.State())
	assert.ElementsMatch(t, []string{"swcache-static-v2", "swcache-dynamic-v2"}, fx.store.GenerationNames())
}

func TestActivateSkipsFailedDeletes(t *testing.T) {
	assert := assert.New(t)
	cfg := testConfig(t)
	cfg.Version = "v3"
	require.NoError(t, cfg.Compile())
	fx := newLifecycleFixture(t, cfg)

	for _, name := range []string{"swcache-static-v1", "swcache-dynamic-v1", "swcache-static-v2"} {
		_, err := fx.store.OpenGeneration(name)
		require.NoError(t, err)
	}
	var attempted []string
	fx.lc.deleteGeneration = func(name string) error {
		attempted = append(attempted, name)
		if name == "swcache-dynamic-v1" {
			return errors.New("disk full")
		}
		return fx.store.DeleteGeneration(name)
	}

	require.NoError(t, fx.lc.Install(context.Background()))
	require.NoError(t, fx.lc.Activate())

	assert.Equal(Active, fx.lc.State())
	assert.ElementsMatch([]string{"swcache-static-v1", "swcache-dynamic-v1", "swcache-static-v2"}, attempted)
	assert.ElementsMatch([]string{"swcache-dynamic-v1", "swcache-static-v3"}, fx.store.GenerationNames())
}

func TestActivateRequiresInstall(t *testing.T) {
	fx := newLifecycleFixture(t, testConfig(t))
	err := fx.lc.Activate()
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, Uninstalled, fx.lc.State())
}

func TestSkipWaitingActivatesInstalledVersion(t *testing.T) {
	fx := newLifecycleFixture(t, testConfig(t))

	require.NoError(t, fx.lc.SkipWaiting())
	assert.Equal(t, Uninstalled, fx.lc.State())

	require.NoError(t, fx.lc.Install(context.Background()))
	require.NoError(t, fx.lc.SkipWaiting())
	assert.Equal(t, Active, fx.lc.State())
}

func TestCacheUpdateIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	fx := newLifecycleFixture(t, testConfig(t))
	require.NoError(t, fx.lc.Start(context.Background()))

	dynReq := getReq(testOrigin + "/about")
	require.NoError(t, fx.store.Generation(fx.cfg.DynamicGeneration()).Put(dynReq, textResponse(http.StatusOK, "about")))

	fx.fetcher.set(testOrigin+"/styles.css", http.StatusOK, "updated")
	for i := 0; i < 2; i++ {
		n, err := fx.lc.Update(context.Background())
		require.NoError(t, err)
		assert.Equal(3, n)
	}

	static := fx.store.Generation(fx.cfg.StaticGeneration())
	keys, err := static.Keys()
	require.NoError(t, err)
	want := []string{}
	for _, u := range fx.cfg.ManifestURLs() {
		want = append(want, getReq(u).Key())
	}
	assert.ElementsMatch(want, keys)

	got, _, _ := static.Lookup(getReq(testOrigin + "/styles.css"))
	assert.Equal("updated", string(got.Body))

	_, ok, _ := fx.store.Generation(fx.cfg.DynamicGeneration()).Lookup(dynReq)
	assert.True(ok)
}

func TestCacheUpdateFailureKeepsStatic(t *testing.T) {
	fx := newLifecycleFixture(t, testConfig(t))
	require.NoError(t, fx.lc.Start(context.Background()))

	fx.fetcher.set(testOrigin+"/styles.css", http.StatusOK, "updated")
	fx.fetcher.setFailing(testOrigin+"/index.html", true)
	_, err := fx.lc.Update(context.Background())
	assert.True(t, errors.Is(err, ErrManifestFetch))

	got, _, _ := fx.store.Generation(fx.cfg.StaticGeneration()).Lookup(getReq(testOrigin + "/styles.css"))
	assert.Equal(t, "asset "+testOrigin+"/styles.css", string(got.Body))
}

func TestCacheUpdateRequiresInstall(t *testing.T) {
	fx := newLifecycleFixture(t, testConfig(t))
	_, err := fx.lc.Update(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 0, fx.fetcher.total())
}

func TestStartResumesInstalledVersion(t *testing.T) {
	assert := assert.New(t)
	fx := newLifecycleFixture(t, testConfig(t))
	require.NoError(t, fx.store.Generation(fx.cfg.StaticGeneration()).Put(getReq(testOrigin+"/"), textResponse(http.StatusOK, "home")))

	require.NoError(t, fx.lc.Start(context.Background()))
	assert.Equal(Active, fx.lc.State())
	assert.Equal(0, fx.fetcher.total())

	require.NoError(t, fx.lc.Start(context.Background()))
	assert.Equal(Active, fx.lc.State())
}

const projectsSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/projects</loc></url>
</urlset>`

func sitemapConfig(t *testing.T) Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.Manifest.Sitemaps = []string{"/sitemap.xml"}
	require.NoError(t, cfg.Compile())
	return cfg
}

func TestInstallPublishesSitemapPages(t *testing.T) {
	assert := assert.New(t)
	fx := newLifecycleFixture(t, sitemapConfig(t))
	projects := testOrigin + "/projects"
	fx.fetcher.set(testOrigin+"/sitemap.xml", http.StatusOK, projectsSitemap)
	fx.fetcher.set(projects, http.StatusOK, "projects")
	assert.Equal(StaleWhileRevalidate, fx.classifier.Classify(projects))

	require.NoError(t, fx.lc.Install(context.Background()))
	assert.Equal(CacheFirst, fx.classifier.Classify(projects))
	assert.Equal(CacheFirst, fx.classifier.Classify(testOrigin+"/index.html"))

	// A restart rebuilds the same manifest from the store.
	c := NewClassifier(&fx.cfg)
	lc, err := NewLifecycle(&fx.cfg, fx.store, fx.fetcher, c)
	require.NoError(t, err)
	calls := fx.fetcher.total()
	require.NoError(t, lc.Start(context.Background()))
	assert.Equal(calls, fx.fetcher.total())
	assert.Equal(CacheFirst, c.Classify(projects))
}

func TestFailedUpdateKeepsPublishedManifest(t *testing.T) {
	fx := newLifecycleFixture(t, sitemapConfig(t))
	projects := testOrigin + "/projects"
	fx.fetcher.set(testOrigin+"/sitemap.xml", http.StatusOK, projectsSitemap)
	fx.fetcher.set(projects, http.StatusOK, "projects")
	require.NoError(t, fx.lc.Start(context.Background()))

	fx.fetcher.setFailing(testOrigin+"/sitemap.xml", true)
	_, err := fx.lc.Update(context.Background())
	assert.True(t, errors.Is(err, ErrManifestFetch))
	assert.Equal(t, CacheFirst, fx.classifier.Classify(projects))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninstalled", Uninstalled.String())
	assert.Equal(t, "installed", Installed.String())
	assert.Equal(t, "active", Active.String())
}
