package swcache

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of the running cache version.
type State int

const (
	Uninstalled State = iota
	Installing
	Installed // waiting for activation
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return "uninstalled"
	}
}

// Lifecycle installs the static generation for the configured version,
// activates it by removing superseded generations and refreshes it on
// demand.
type Lifecycle struct {
	store      *Store
	manifest   *manifest
	classifier *Classifier

	// deleteGeneration is store.DeleteGeneration outside of tests.
	deleteGeneration func(name string) error

	staticGen  string
	dynamicGen string

	mu          sync.Mutex
	state       State
	skipWaiting bool

	// populateMu serializes install and update downloads.
	populateMu sync.Mutex
}

// NewLifecycle builds the lifecycle for cfg's version. Every successful
// install or update publishes the resolved manifest to classifier.
func NewLifecycle(cfg *Config, store *Store, fetcher Fetcher, classifier *Classifier) (*Lifecycle, error) {
	m, err := newManifest(cfg, fetcher)
	if err != nil {
		return nil, err
	}
	return &Lifecycle{
		store:            store,
		manifest:         m,
		classifier:       classifier,
		deleteGeneration: store.DeleteGeneration,
		staticGen:        cfg.StaticGeneration(),
		dynamicGen:       cfg.DynamicGeneration(),
	}, nil
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start brings the version to Active and is safe to call again after a
// failure. A version whose static generation is already in the store was
// installed by an earlier run and is not downloaded again.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	st := l.state
	resumed := st == Uninstalled && l.store.HasGeneration(l.staticGen)
	if resumed {
		l.state = Installed
		l.skipWaiting = true
		st = Installed
	}
	l.mu.Unlock()

	if resumed {
		log.WithField("generation", l.staticGen).Info("static generation present, skipping install")
		l.restoreManifest()
	}
	if st == Uninstalled {
		if err := l.Install(ctx); err != nil {
			return err
		}
	}
	if l.State() != Installed || !l.SkipWaitingRequested() {
		return nil
	}
	// A concurrent SKIP_WAITING may have started activation already.
	if err := l.Activate(); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	return nil
}

// Install downloads the whole manifest and stores it in the static
// generation in one batch. On failure nothing is stored, the state returns
// to Uninstalled and the install can be retried.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Uninstalled {
		cur := l.state
		l.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "install while %s", cur)
	}
	l.state = Installing
	l.mu.Unlock()

	logger := log.WithField("generation", l.staticGen)
	logger.Info("installing")
	n, err := l.populate(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = Uninstalled
		logger.WithError(err).Error("installation failed")
		return errors.Wrap(err, "install")
	}
	l.state = Installed
	// A fresh install never waits for older clients to go away.
	l.skipWaiting = true
	logger.WithField("entries", n).Info("installation complete")
	return nil
}

// SkipWaiting asks the installed version to take over now. When it is still
// installing, activation happens once Start finishes the install.
func (l *Lifecycle) SkipWaiting() error {
	l.mu.Lock()
	l.skipWaiting = true
	ready := l.state == Installed
	l.mu.Unlock()
	if ready {
		return l.Activate()
	}
	return nil
}

func (l *Lifecycle) SkipWaitingRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipWaiting
}

// Activate deletes every generation other than the current static and
// dynamic ones, then takes control. Failed deletions are logged and
// skipped.
func (l *Lifecycle) Activate() error {
	l.mu.Lock()
	if l.state != Installed {
		cur := l.state
		l.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "activate while %s", cur)
	}
	l.state = Activating
	l.mu.Unlock()

	log.Info("activating")
	for _, name := range l.store.GenerationNames() {
		if name == l.staticGen || name == l.dynamicGen {
			continue
		}
		if err := l.deleteGeneration(name); err != nil {
			log.WithError(errors.Wrapf(ErrGenerationDelete, "%s: %v", name, err)).Warn("cleanup skipped")
			continue
		}
		log.WithField("generation", name).Info("deleted old generation")
	}

	l.mu.Lock()
	l.state = Active
	l.mu.Unlock()
	log.Info("activation complete")
	return nil
}

// Update downloads the manifest again and overwrites the static generation.
// The dynamic generation is never touched. It returns the number of entries
// written.
func (l *Lifecycle) Update(ctx context.Context) (int, error) {
	st := l.State()
	if st != Installed && st != Activating && st != Active {
		return 0, errors.Wrapf(ErrInvalidState, "cache update while %s", st)
	}
	logger := log.WithField("generation", l.staticGen)
	logger.Info("forcing cache update")
	n, err := l.populate(ctx)
	if err != nil {
		logger.WithError(err).Error("cache update failed")
		return 0, errors.Wrap(err, "cache update")
	}
	logger.WithField("entries", n).Info("cache updated")
	return n, nil
}

func (l *Lifecycle) populate(ctx context.Context) (int, error) {
	l.populateMu.Lock()
	defer l.populateMu.Unlock()

	urls, err := l.manifest.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	reqs, resps, err := l.manifest.Download(ctx, urls)
	if err != nil {
		return 0, err
	}
	if err := l.store.Generation(l.staticGen).PutAll(reqs, resps); err != nil {
		return 0, err
	}
	l.publishManifest(urls)
	return len(reqs), nil
}

func (l *Lifecycle) publishManifest(urls []string) {
	if l.classifier != nil {
		l.classifier.SetManifest(urls)
	}
}

// restoreManifest rebuilds the manifest of a version installed by an
// earlier run from the static generation, sitemap pages included.
func (l *Lifecycle) restoreManifest() {
	keys, err := l.store.Generation(l.staticGen).Keys()
	if err != nil {
		log.WithError(err).WithField("generation", l.staticGen).Warn("restore manifest")
		return
	}
	urls := append([]string(nil), l.manifest.urls...)
	for _, k := range keys {
		if u, ok := strings.CutPrefix(k, http.MethodGet+" "); ok {
			urls = append(urls, u)
		}
	}
	l.publishManifest(urls)
}
