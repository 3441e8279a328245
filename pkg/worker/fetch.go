package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cocopilot/cocopilot/pkg/cache"
	"github.com/cocopilot/cocopilot/pkg/models"
	"github.com/cocopilot/cocopilot/pkg/router"
)

// Source says where a fetch result came from.
type Source string

const (
	// SourceCache is a cache hit on the cache-first route.
	SourceCache Source = "hit"
	// SourceNetwork is a live network response.
	SourceNetwork Source = "miss"
	// SourceFallback is a cached snapshot served after a network failure.
	SourceFallback Source = "stale"
	// SourceBypass is a network response fetched without cache routing.
	SourceBypass Source = "bypass"
)

// Result is the outcome of a successful fetch.
type Result struct {
	Response *http.Response
	Source   Source
	Policy   router.Policy
}

// Fetch serves a request. While active the request is routed network-first
// or cache-first; otherwise it goes straight to the network. The only error
// ever returned is the fetcher's own.
func (m *Manager) Fetch(req *http.Request) (*Result, error) {
	effects, err := m.apply(EventFetch)
	if err != nil || len(effects) == 0 || effects[0] != EffectRoute {
		resp, err := m.fetcher.Do(req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp, Source: SourceBypass}, nil
	}

	policy := m.router.Resolve(req.URL)
	if policy == router.NetworkFirst {
		return m.networkFirst(req)
	}
	return m.cacheFirst(req)
}

func (m *Manager) networkFirst(req *http.Request) (*Result, error) {
	ctx := req.Context()
	resp, netErr := m.fetcher.Do(req)
	if netErr == nil && isCacheable(req) && isOK(resp.StatusCode) {
		e, err := snapshot(m.cfg.CacheName(), req, resp)
		if err == nil {
			m.storeAsync(ctx, e)
		} else {
			netErr = err
		}
	}
	if netErr == nil {
		return &Result{Response: resp, Source: SourceNetwork, Policy: router.NetworkFirst}, nil
	}

	key := models.KeyFor(req)
	e, ok, err := m.store.Match(ctx, "", key)
	if err != nil {
		m.logger.Error("cache lookup after network failure", zap.Stringer("key", key), zap.Error(err))
		return nil, netErr
	}
	if !ok {
		return nil, netErr
	}
	m.logger.Debug("served cached response after network failure",
		zap.Stringer("key", key),
		zap.NamedError("network_error", netErr),
	)
	return &Result{Response: restore(req, e), Source: SourceFallback, Policy: router.NetworkFirst}, nil
}

func (m *Manager) cacheFirst(req *http.Request) (*Result, error) {
	ctx := req.Context()
	if isCacheable(req) {
		key := models.KeyFor(req)
		e, ok, err := m.store.Match(ctx, "", key)
		if err != nil {
			m.logger.Error("cache lookup", zap.Stringer("key", key), zap.Error(err))
		} else if ok {
			return &Result{Response: restore(req, e), Source: SourceCache, Policy: router.CacheFirst}, nil
		}
	}

	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	if !isCacheable(req) || resp.StatusCode != http.StatusOK || !m.router.SameOrigin(responseURL(req, resp)) {
		return &Result{Response: resp, Source: SourceNetwork, Policy: router.CacheFirst}, nil
	}

	e, err := snapshot(m.cfg.CacheName(), req, resp)
	if err != nil {
		return nil, err
	}
	m.storeAsync(ctx, e)
	return &Result{Response: resp, Source: SourceNetwork, Policy: router.CacheFirst}, nil
}

// storeAsync writes an entry without holding up the caller. The write
// outlives the request context. A redundant worker stores nothing, and a write
// that loses the race with pruning is dropped rather than restoring the
// deleted generation.
func (m *Manager) storeAsync(ctx context.Context, e *models.CacheEntry) {
	m.mu.Lock()
	if m.status.Phase == Redundant {
		m.mu.Unlock()
		m.logger.Debug("cache write skipped by redundant worker", zap.Stringer("key", e.Key))
		return
	}
	m.writes.Add(1)
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer m.writes.Done()
		err := m.store.Put(ctx, *e)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			m.logger.Debug("cache write dropped", zap.Stringer("key", e.Key), zap.String("cache", e.Cache))
		case err != nil:
			m.logger.Warn("cache write failed", zap.Stringer("key", e.Key), zap.Error(err))
		}
	}()
}

// snapshot buffers the response body so that the response can be returned to
// the caller and stored at the same time.
func snapshot(cacheName string, req *http.Request, resp *http.Response) (*models.CacheEntry, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &models.CacheEntry{
		Cache:     cacheName,
		Key:       models.KeyFor(req),
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// restore rebuilds a response from a stored snapshot.
func restore(req *http.Request, e *models.CacheEntry) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func responseURL(req *http.Request, resp *http.Response) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	return req.URL
}

// isCacheable reports whether the request may be stored; only GET is.
func isCacheable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
