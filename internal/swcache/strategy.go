package swcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Outcomes reported next to the strategy in the X-Swcache header.
const (
	OutcomeHit      = "hit"      // served from cache, no network
	OutcomeStale    = "stale"    // served from cache, refresh started
	OutcomeMiss     = "miss"     // cache miss, served from network
	OutcomeNetwork  = "network"  // network-first success
	OutcomeFallback = "fallback" // network failed, served from cache
	OutcomeOffline  = "offline"  // network failed, synthesized 503
)

// Executor applies a caching strategy to a request. None of its operations
// return an error: network failures end in a cached or synthesized response.
type Executor struct {
	store      *Store
	fetcher    Fetcher
	classifier *Classifier

	staticGen  string
	dynamicGen string

	offlineMessage string

	bgTimeout time.Duration
	bgSem     chan struct{}
	wg        sync.WaitGroup
	dropLog   *rateLimitedLogger

	stats *statsCollector
}

func NewExecutor(cfg *Config, store *Store, fetcher Fetcher, classifier *Classifier) *Executor {
	return &Executor{
		store:          store,
		fetcher:        fetcher,
		classifier:     classifier,
		staticGen:      cfg.StaticGeneration(),
		dynamicGen:     cfg.DynamicGeneration(),
		offlineMessage: cfg.Offline.Message,
		bgTimeout:      cfg.bgTimeout,
		bgSem:          make(chan struct{}, cfg.Strategy.BackgroundLimit),
		dropLog:        newRateLimitedLogger(time.Minute),
	}
}

// Wait blocks until every background refresh has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute dispatches req to the given strategy.
func (e *Executor) Execute(ctx context.Context, req Request, s Strategy) (Response, string) {
	var (
		resp    Response
		outcome string
	)
	switch s {
	case CacheFirst:
		resp, outcome = e.cacheFirst(ctx, req)
	case NetworkFirst:
		resp, outcome = e.networkFirst(ctx, req)
	default:
		resp, outcome = e.staleWhileRevalidate(ctx, req)
	}
	if e.stats != nil {
		e.stats.Observe(s, outcome, len(resp.Body))
	}
	return resp, outcome
}

func (e *Executor) CacheFirst(ctx context.Context, req Request) Response {
	resp, _ := e.Execute(ctx, req, CacheFirst)
	return resp
}

func (e *Executor) NetworkFirst(ctx context.Context, req Request) Response {
	resp, _ := e.Execute(ctx, req, NetworkFirst)
	return resp
}

func (e *Executor) StaleWhileRevalidate(ctx context.Context, req Request) Response {
	resp, _ := e.Execute(ctx, req, StaleWhileRevalidate)
	return resp
}

func (e *Executor) cacheFirst(ctx context.Context, req Request) (Response, string) {
	logger := requestLogger(req, CacheFirst)
	static := e.store.Generation(e.staticGen)

	cached, ok, err := static.Lookup(req)
	if err != nil {
		logger.WithError(err).Warn("static lookup failed")
	}
	if !ok {
		cached, _, ok = e.store.Match(req)
	}
	if ok {
		logger.Debug("cache hit")
		return cached, OutcomeHit
	}

	logger.Debug("cache miss, fetching")
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("cache first failed")
		return textResponse(http.StatusServiceUnavailable, offlineContentBody), OutcomeOffline
	}
	if resp.OK() {
		if err := static.Put(req, resp); err != nil {
			logger.WithError(err).Error("store response")
		}
	}
	return resp, OutcomeMiss
}

func (e *Executor) networkFirst(ctx context.Context, req Request) (Response, string) {
	logger := requestLogger(req, NetworkFirst)
	dynamic := e.store.Generation(e.dynamicGen)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			if err := dynamic.Put(req, resp); err != nil {
				logger.WithError(err).Error("store response")
			}
		}
		return resp, OutcomeNetwork
	}

	logger.WithError(err).Info("network failed, trying cache")
	cached, ok, lerr := dynamic.Lookup(req)
	if lerr != nil {
		logger.WithError(lerr).Warn("dynamic lookup failed")
	}
	if ok {
		return cached, OutcomeFallback
	}
	if e.classifier.WantsOfflineJSON(req.URL) {
		return offlineJSONResponse(e.offlineMessage), OutcomeOffline
	}
	return textResponse(http.StatusServiceUnavailable, networkErrorBody), OutcomeOffline
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req Request) (Response, string) {
	logger := requestLogger(req, StaleWhileRevalidate)
	dynamic := e.store.Generation(e.dynamicGen)

	cached, ok, err := dynamic.Lookup(req)
	if err != nil {
		logger.WithError(err).Warn("dynamic lookup failed")
	}
	if ok {
		logger.Debug("serving stale content")
		e.revalidateAsync(ctx, req)
		return cached, OutcomeStale
	}

	logger.Debug("no cache, waiting for network")
	resp, err := e.refresh(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("fetch failed")
		return textResponse(http.StatusServiceUnavailable, networkErrorBody), OutcomeOffline
	}
	return resp, OutcomeMiss
}

// revalidateAsync refreshes req in the background. The refresh is detached
// from the caller: its result and its failure never reach the caller.
func (e *Executor) revalidateAsync(ctx context.Context, req Request) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.dropLog.Printf("background refresh limit reached, skipping %s", req.URL)
		return
	}

	bctx := context.WithoutCancel(ctx)
	cancel := func() {}
	if e.bgTimeout > 0 {
		bctx, cancel = context.WithTimeout(bctx, e.bgTimeout)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer cancel()

		if _, err := e.refresh(bctx, req); err != nil {
			requestLogger(req, StaleWhileRevalidate).WithError(err).Warn("background fetch failed")
		}
	}()
}

// refresh fetches req and stores successful responses in the dynamic
// generation.
func (e *Executor) refresh(ctx context.Context, req Request) (Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.OK() {
		if err := e.store.Generation(e.dynamicGen).Put(req, resp); err != nil {
			requestLogger(req, StaleWhileRevalidate).WithError(err).Error("store response")
		}
	}
	return resp, nil
}

func requestLogger(req Request, s Strategy) *log.Entry {
	return log.WithFields(log.Fields{
		"url":      req.URL,
		"strategy": s.String(),
	})
}
