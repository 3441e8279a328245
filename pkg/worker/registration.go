package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cocopilot/cocopilot/pkg/cache"
	"github.com/cocopilot/cocopilot/pkg/config"
	"github.com/cocopilot/cocopilot/pkg/models"
)

// Registration plays the hosting platform: it keeps an active and a waiting
// worker, swaps them on activation, and records the active version.
type Registration struct {
	store   cache.Storage
	fetcher Fetcher
	logger  *zap.Logger

	mu      sync.Mutex
	active  *Manager
	waiting *Manager
	pending map[string]struct{}
}

// NewRegistration creates an empty registration.
func NewRegistration(store cache.Storage, f Fetcher, logger *zap.Logger) *Registration {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registration{
		store:   store,
		fetcher: f,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Register brings cfg's version into service. A version that was already
// activated is resumed without touching the network. Otherwise it is
// installed; if the install fails the previously active version keeps (or
// resumes) serving and the install error is returned.
func (r *Registration) Register(ctx context.Context, cfg config.WorkerConfig) error {
	prev, err := r.store.ActiveVersion(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	current := r.active
	r.mu.Unlock()

	if current == nil && prev == cfg.Version {
		m, err := r.newManager(cfg)
		if err != nil {
			return err
		}
		if err := m.Resume(ctx); err != nil {
			return err
		}
		r.mu.Lock()
		r.active = m
		r.mu.Unlock()
		r.logger.Info("resumed active version", zap.String("version", cfg.Version))
		return nil
	}
	if current != nil && current.Version() == cfg.Version {
		return nil
	}

	m, err := r.newManager(cfg)
	if err != nil {
		return err
	}
	installErr := m.Install(ctx)
	if installErr != nil && current == nil && prev != "" {
		if rerr := r.resumePrevious(ctx, cfg, prev); rerr != nil {
			return errors.Join(installErr, rerr)
		}
	}
	if installErr != nil {
		return installErr
	}

	r.mu.Lock()
	replaced := r.waiting
	r.waiting = m
	r.mu.Unlock()
	if replaced != nil {
		replaced.Retire()
	}

	if m.Status().Phase == Active {
		return r.promote(ctx, m)
	}
	r.logger.Info("new version waiting", zap.String("version", cfg.Version))
	if current == nil && prev != "" {
		return r.resumePrevious(ctx, cfg, prev)
	}
	return nil
}

// resumePrevious restarts the previously activated version alongside cfg.
func (r *Registration) resumePrevious(ctx context.Context, cfg config.WorkerConfig, prev string) error {
	prevCfg := cfg
	prevCfg.Version = prev
	m, err := r.newManager(prevCfg)
	if err != nil {
		return err
	}
	if err := m.Resume(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = m
	r.mu.Unlock()
	r.logger.Info("previous version keeps serving", zap.String("version", prev))
	return nil
}

func (r *Registration) newManager(cfg config.WorkerConfig) (*Manager, error) {
	m, err := New(cfg, r.store, r.fetcher, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker %s: %w", cfg.Version, err)
	}
	return m, nil
}

// promote makes an activated waiting worker the active one.
func (r *Registration) promote(ctx context.Context, m *Manager) error {
	r.mu.Lock()
	old := r.active
	r.active = m
	if r.waiting == m {
		r.waiting = nil
	}
	r.mu.Unlock()

	if old != nil && old != m {
		old.Retire()
	}
	if err := r.store.SetActiveVersion(ctx, m.Version()); err != nil {
		return err
	}
	r.logger.Info("version activated", zap.String("version", m.Version()))
	return nil
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the waiting worker, or nil.
func (r *Registration) Waiting() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// PostMessage delivers a control message to the waiting worker, or to the
// active one when nothing is waiting. It reports whether the message was
// recognised.
func (r *Registration) PostMessage(ctx context.Context, msg models.Message) (bool, error) {
	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.Unlock()

	if target == nil {
		return false, nil
	}
	handled := target.Message(ctx, msg)
	if target.Status().Phase == Active && target != r.Active() {
		return handled, r.promote(ctx, target)
	}
	return handled, nil
}

// Fetch serves a request through the active worker. Without one the request
// goes straight to the network.
func (r *Registration) Fetch(req *http.Request) (*Result, error) {
	if m := r.Active(); m != nil {
		return m.Fetch(req)
	}
	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Source: SourceBypass}, nil
}

// RegisterSync queues a background sync tag until connectivity is confirmed.
func (r *Registration) RegisterSync(tag string) {
	r.mu.Lock()
	r.pending[tag] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("sync registered", zap.String("tag", tag))
}

// Pending lists the queued sync tags in sorted order.
func (r *Registration) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.pending))
	for tag := range r.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// FireSync dispatches one sync tag to the active worker and dequeues it.
func (r *Registration) FireSync(ctx context.Context, tag string) {
	r.mu.Lock()
	delete(r.pending, tag)
	m := r.active
	r.mu.Unlock()

	if m == nil {
		r.logger.Debug("sync without an active worker", zap.String("tag", tag))
		return
	}
	m.Sync(ctx, tag)
}

// Snapshot returns the externally visible registration state.
func (r *Registration) Snapshot() models.RegistrationState {
	state := models.RegistrationState{PendingSync: r.Pending()}
	if m := r.Active(); m != nil {
		s := m.State()
		state.Active = &s
	}
	if m := r.Waiting(); m != nil {
		s := m.State()
		state.Waiting = &s
	}
	return state
}

// Stats returns the counters of the shared cache store.
func (r *Registration) Stats(ctx context.Context) (models.CacheStats, error) {
	return r.store.Stats(ctx)
}

// Close waits for every worker's pending cache writes.
func (r *Registration) Close() {
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.mu.Unlock()
	if active != nil {
		active.Wait()
	}
	if waiting != nil {
		waiting.Wait()
	}
}
