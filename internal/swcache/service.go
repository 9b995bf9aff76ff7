package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	controlPrefix = "/__swcache"
	debugHeader   = "X-Swcache"
	maxPushBytes  = 64 << 10
)

// Service is the long-lived gateway. It owns the store, routes every
// intercepted request and exposes the lifecycle hooks. Build one per
// process with NewService.
type Service struct {
	cfg Config

	store      *Store
	fetcher    Fetcher
	pass       *HTTPFetcher
	classifier *Classifier
	executor   *Executor
	lifecycle  *Lifecycle

	notifier      Notifier
	notifications notificationTemplate

	stats *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

// WithFetcher replaces the network used by the strategies and the manifest
// download. Passthrough requests still go over HTTP.
func WithFetcher(f Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.Storage.Path, cfg.ramMax)
	if err != nil {
		return nil, err
	}

	pass := NewHTTPFetcher(cfg.fetchTimeout)
	s := &Service{
		cfg:           cfg,
		store:         store,
		fetcher:       pass,
		pass:          pass,
		notifier:      logNotifier{},
		notifications: newNotificationTemplate(&cfg),
		stats:         newStatsCollector(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.classifier = NewClassifier(&s.cfg)
	s.executor = NewExecutor(&s.cfg, store, s.fetcher, s.classifier)
	s.executor.stats = s.stats
	s.lifecycle, err = NewLifecycle(&s.cfg, store, s.fetcher, s.classifier)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Close waits for background refreshes and closes the store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.executor.Wait()
		if err := s.store.Close(); err != nil {
			log.WithError(err).Error("close cache store")
		}
	})
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Service) Executor() *Executor { return s.executor }

func (s *Service) Classifier() *Classifier { return s.classifier }

// Start installs the configured version if needed and activates it.
func (s *Service) Start(ctx context.Context) error {
	return s.lifecycle.Start(ctx)
}

// ---- lifecycle hooks ----

// OnInstall installs the current version and, since a fresh install always
// asks to skip waiting, activates it right away.
func (s *Service) OnInstall(ctx context.Context) error {
	if err := s.lifecycle.Install(ctx); err != nil {
		return err
	}
	if s.lifecycle.SkipWaitingRequested() {
		return s.lifecycle.Activate()
	}
	return nil
}

func (s *Service) OnActivate() error {
	return s.lifecycle.Activate()
}

// OnFetch routes one request. Non-GET requests and requests arriving before
// activation go to the network untouched and may fail; GET requests of an
// active version always end in a response.
func (s *Service) OnFetch(ctx context.Context, req Request) (Response, error) {
	if req.Method != http.MethodGet || s.lifecycle.State() != Active {
		return s.fetcher.Fetch(ctx, req)
	}
	resp, _ := s.executor.Execute(ctx, req, s.classifier.Classify(req.URL))
	return resp, nil
}

// OnMessage handles a command sent by a page. Unknown commands are ignored.
func (s *Service) OnMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return s.lifecycle.SkipWaiting()
	case MessageCacheUpdate:
		_, err := s.lifecycle.Update(ctx)
		return err
	default:
		log.WithField("type", msg.Type).Debug("ignoring unknown message")
		return nil
	}
}

// OnPush builds the notification for payload and hands it to the Notifier.
// An empty payload shows nothing and returns nil.
func (s *Service) OnPush(ctx context.Context, payload string) *Notification {
	n := s.notifications.build(payload)
	if n == nil {
		return nil
	}
	if err := s.notifier.Show(ctx, *n); err != nil {
		log.WithError(err).Warn("show notification")
	}
	return n
}

// OnNotificationClick closes the notification and, for the open action,
// opens the configured page. It returns the URL it opened, if any.
func (s *Service) OnNotificationClick(ctx context.Context, action string) (string, error) {
	log.WithField("action", action).Debug("notification closed")
	if action == "" || action != s.notifications.openAction {
		return "", nil
	}
	if err := s.notifier.OpenWindow(ctx, s.notifications.openURL); err != nil {
		return "", errors.Wrap(err, "open window")
	}
	return s.notifications.openURL, nil
}

// ---- http ----

// Handler serves the control routes under /__swcache and intercepts every
// other request. Absolute-form requests (forward proxy use) keep their URL,
// origin-form requests are resolved against server.origin.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.SkipClean(true)

	ctl := r.PathPrefix(controlPrefix).MatcherFunc(isOriginForm).Subrouter()
	ctl.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	ctl.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	ctl.HandleFunc("/notificationclick", s.handleNotificationClick).Methods(http.MethodPost)
	ctl.HandleFunc("/state", s.handleState).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handleFetch)
	return r
}

func isOriginForm(r *http.Request, _ *mux.RouteMatch) bool {
	return !r.URL.IsAbs()
}

func (s *Service) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := s.targetURL(r)
	if r.Method != http.MethodGet || s.lifecycle.State() != Active {
		resp, err := s.pass.passthrough(r.Context(), r, target)
		if err != nil {
			log.WithError(err).WithField("url", target).Warn("passthrough failed")
			setDebugHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		writeResponse(w, resp, "passthrough")
		return
	}

	req := NewRequest(http.MethodGet, target, r.Header)
	strategy := s.classifier.Classify(target)
	resp, outcome := s.executor.Execute(r.Context(), req, strategy)
	writeResponse(w, resp, strategy.String()+":"+outcome)
}

// RoundTrip lets Go clients route their requests through the gateway by
// using the Service as their http.Client Transport.
func (s *Service) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		resp Response
		err  error
	)
	if r.Method != http.MethodGet && r.Body != nil {
		resp, err = s.pass.passthrough(r.Context(), r, r.URL.String())
	} else {
		resp, err = s.OnFetch(r.Context(), NewRequest(r.Method, r.URL.String(), r.Header))
	}
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(resp, r), nil
}

func toHTTPResponse(resp Response, r *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(resp.Header),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}
}

func writeResponse(w http.ResponseWriter, resp Response, tag string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, debugHeader) || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setDebugHeaders(w.Header(), tag)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setDebugHeaders(h http.Header, tag string) {
	if tag != "" {
		h.Set(debugHeader, tag)
	}
	// Browsers hide custom headers from CORS callers unless exposed.
	ensureExposedHeader(h, debugHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBytes)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	if err := s.OnMessage(r.Context(), msg); err != nil {
		log.WithError(err).WithField("type", msg.Type).Warn("message failed")
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}
	n := s.OnPush(r.Context(), string(b))
	if n == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBytes)).Decode(&body); err != nil {
		http.Error(w, "invalid click", http.StatusBadRequest)
		return
	}
	opened, err := s.OnNotificationClick(r.Context(), body.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"opened": opened})
}

type generationState struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type serviceState struct {
	State       string            `json:"state"`
	Version     string            `json:"version"`
	Static      string            `json:"static"`
	Dynamic     string            `json:"dynamic"`
	Generations []generationState `json:"generations"`
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	st := serviceState{
		State:       s.lifecycle.State().String(),
		Version:     s.cfg.Version,
		Static:      s.cfg.StaticGeneration(),
		Dynamic:     s.cfg.DynamicGeneration(),
		Generations: []generationState{},
	}
	for _, name := range s.store.GenerationNames() {
		st.Generations = append(st.Generations, generationState{Name: name, Entries: s.store.Generation(name).Len()})
	}
	writeJSON(w, http.StatusOK, st)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrManifestFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write json")
	}
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := log.Fields{
		"state":       s.lifecycle.State().String(),
		"generations": len(s.store.GenerationNames()),
		"entries":     s.store.EntryCount(),
		"ram":         formatBytes(uint64(s.store.RAMSize())),
		"responses":   ss.TotalResponses,
		"outcomes":    formatOutcomes(ss.Outcomes),
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	if anon, ok := processAnonBytes(); ok {
		fields["anon"] = formatBytes(anon)
	}
	log.WithFields(fields).Infof("resp min/avg/max %s/%s/%s",
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}
