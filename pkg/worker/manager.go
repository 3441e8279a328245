// Package worker implements the offline cache worker: a versioned cache
// generation driven by an explicit lifecycle state machine, per-request
// routing between network-first and cache-first policies, and the
// registration that swaps generations in and out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cocopilot/cocopilot/pkg/cache"
	"github.com/cocopilot/cocopilot/pkg/config"
	"github.com/cocopilot/cocopilot/pkg/models"
	"github.com/cocopilot/cocopilot/pkg/router"
)

// ErrInstallFailed wraps the cause of a failed install.
var ErrInstallFailed = errors.New("install failed")

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager owns one cache generation and serves fetches through it.
type Manager struct {
	id      string
	cfg     config.WorkerConfig
	machine Machine
	router  *router.Router
	store   cache.Storage
	fetcher Fetcher
	logger  *zap.Logger

	mu     sync.Mutex
	status Status

	// pending fire-and-forget cache writes
	writes sync.WaitGroup
}

// New creates a Manager in the Parsed phase. A nil logger discards output.
func New(cfg config.WorkerConfig, store cache.Storage, f Fetcher, logger *zap.Logger) (*Manager, error) {
	r, err := router.New(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Manager{
		id:      id,
		cfg:     cfg,
		machine: Machine{SkipWaitingOnInstall: cfg.SkipWaiting},
		router:  r,
		store:   store,
		fetcher: f,
		logger: logger.With(
			zap.String("worker", id),
			zap.String("version", cfg.Version),
		),
	}, nil
}

// ID returns the unique id of this worker instance.
func (m *Manager) ID() string { return m.id }

// Version returns the configured version.
func (m *Manager) Version() string { return m.cfg.Version }

// CacheName returns the name of the generation this manager owns.
func (m *Manager) CacheName() string { return m.cfg.CacheName() }

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the externally visible worker state.
func (m *Manager) State() models.WorkerState {
	return models.WorkerState{
		ID:      m.id,
		Version: m.cfg.Version,
		Cache:   m.cfg.CacheName(),
		Phase:   m.Status().Phase.String(),
	}
}

// apply runs one transition under the lock and returns the effects to perform.
func (m *Manager) apply(e Event) ([]Effect, error) {
	m.mu.Lock()
	from := m.status
	to, effects, err := m.machine.Transition(from, e)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.status = to
	m.mu.Unlock()

	if from.Phase != to.Phase {
		m.logger.Info("lifecycle transition",
			zap.Stringer("event", e),
			zap.Stringer("from", from.Phase),
			zap.Stringer("to", to.Phase),
		)
	}
	return effects, nil
}

// perform executes lifecycle effects in order. Only install-phase effects can
// fail; activation problems are logged and the worker still activates.
func (m *Manager) perform(ctx context.Context, effects []Effect) error {
	for _, eff := range effects {
		switch eff {
		case EffectOpenCache:
			if err := m.store.Open(ctx, m.cfg.CacheName()); err != nil {
				return err
			}
		case EffectPrecache:
			if err := m.precache(ctx); err != nil {
				return err
			}
		case EffectPrefetchOptional:
			m.prefetchOptional(ctx)
		case EffectSkipWaiting:
			next, err := m.apply(EventSkipWaiting)
			if err != nil {
				return err
			}
			if err := m.perform(ctx, next); err != nil {
				return err
			}
		case EffectPruneGenerations:
			if err := m.prune(ctx); err != nil {
				m.logger.Error("prune cache generations", zap.Error(err))
			}
		case EffectClaimClients:
			m.logger.Info("claimed clients", zap.String("cache", m.cfg.CacheName()))
		case EffectFinishActivation:
			if _, err := m.apply(EventActivated); err != nil {
				return err
			}
		default:
			return fmt.Errorf("effect %s cannot run in the lifecycle", eff)
		}
	}
	return nil
}

// Install opens the generation, stores the precache manifest all-or-nothing
// and prefetches optional resources. With skip-waiting configured the worker
// continues straight into activation.
func (m *Manager) Install(ctx context.Context) error {
	effects, err := m.apply(EventInstall)
	if err != nil {
		return err
	}
	if err := m.perform(ctx, effects); err != nil {
		if _, ferr := m.apply(EventInstallFailed); ferr != nil {
			m.logger.Error("mark install failed", zap.Error(ferr))
		}
		m.logger.Error("install failed", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, m.cfg.Version, err)
	}

	effects, err = m.apply(EventInstalled)
	if err != nil {
		return err
	}
	return m.perform(ctx, effects)
}

// Resume puts a previously activated version straight back into service.
func (m *Manager) Resume(ctx context.Context) error {
	effects, err := m.apply(EventResume)
	if err != nil {
		return err
	}
	return m.perform(ctx, effects)
}

// SkipWaiting requests immediate activation. While waiting this activates
// the worker; during install it marks the worker to activate once installed.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	effects, err := m.apply(EventSkipWaiting)
	if err != nil {
		return err
	}
	return m.perform(ctx, effects)
}

// Message handles a control message and reports whether it was recognised.
func (m *Manager) Message(ctx context.Context, msg models.Message) bool {
	if msg.Type != models.MessageSkipWaiting {
		m.logger.Debug("ignored message", zap.String("type", msg.Type))
		return false
	}
	if err := m.SkipWaiting(ctx); err != nil {
		m.logger.Error("skip waiting", zap.Error(err))
	}
	return true
}

// Retire marks the worker redundant and waits for its pending cache writes.
func (m *Manager) Retire() {
	if _, err := m.apply(EventRetire); err != nil {
		m.logger.Error("retire", zap.Error(err))
	}
	m.Wait()
}

// Wait blocks until every fire-and-forget cache write has finished.
func (m *Manager) Wait() {
	m.writes.Wait()
}

// precache fetches the manifest concurrently and stores it in one transaction.
func (m *Manager) precache(ctx context.Context) error {
	entries := make([]models.CacheEntry, len(m.cfg.Precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range m.cfg.Precache {
		g.Go(func() error {
			e, err := m.fetchEntry(gctx, ref)
			if err != nil {
				return err
			}
			entries[i] = *e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := m.store.PutAll(ctx, entries); err != nil {
		return err
	}
	m.logger.Info("precached manifest", zap.Int("entries", len(entries)))
	return nil
}

// prefetchOptional stores each optional resource independently. Failures are
// logged and never fail the install.
func (m *Manager) prefetchOptional(ctx context.Context) {
	var g errgroup.Group
	for _, ref := range m.cfg.Optional {
		g.Go(func() error {
			e, err := m.fetchEntry(ctx, ref)
			if err == nil {
				err = m.store.Put(ctx, *e)
			}
			if err != nil {
				m.logger.Warn("optional prefetch failed", zap.String("url", ref), zap.Error(err))
				return nil
			}
			m.logger.Debug("optional prefetch stored", zap.String("url", ref))
			return nil
		})
	}
	_ = g.Wait()
}

// fetchEntry GETs a manifest reference and snapshots it. Non-2xx responses are errors.
func (m *Manager) fetchEntry(ctx context.Context, ref string) (*models.CacheEntry, error) {
	u, err := m.router.ResolveURL(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", u, err)
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if !isOK(resp.StatusCode) {
		drain(resp)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
	e, err := snapshot(m.cfg.CacheName(), req, resp)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	return e, nil
}

// prune deletes every generation other than the current one that falls in
// the configured prune scope.
func (m *Manager) prune(ctx context.Context) error {
	names, err := m.store.Keys(ctx)
	if err != nil {
		return err
	}
	current := m.cfg.CacheName()
	var errs []error
	for _, name := range names {
		if name == current {
			continue
		}
		if m.cfg.PruneScope == config.PrunePrefix && !strings.HasPrefix(name, m.cfg.CachePrefix) {
			continue
		}
		if _, err := m.store.Delete(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("deleted stale cache", zap.String("cache", name))
	}
	return errors.Join(errs...)
}

// Sync handles a background sync event. Only the configured tag triggers a
// metadata refresh; failures are logged and swallowed.
func (m *Manager) Sync(ctx context.Context, tag string) {
	if tag != m.cfg.SyncTag {
		m.logger.Debug("ignored sync tag", zap.String("tag", tag))
		return
	}
	effects, err := m.apply(EventSync)
	if err != nil || len(effects) == 0 {
		m.logger.Debug("sync while not active", zap.String("tag", tag))
		return
	}
	if m.cfg.MetadataURL == "" {
		m.logger.Warn("sync requested without a metadata url", zap.String("tag", tag))
		return
	}

	e, err := m.fetchEntry(ctx, m.cfg.MetadataURL)
	if err == nil {
		err = m.store.Put(ctx, *e)
	}
	if err != nil {
		m.logger.Warn("background sync failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	m.logger.Info("background sync refreshed metadata",
		zap.String("tag", tag),
		zap.String("url", e.Key.URL),
	)
}
