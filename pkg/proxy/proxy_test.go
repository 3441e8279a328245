package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	cachepkg "github.com/cocopilot/cocopilot/pkg/cache/sqlite"
	"github.com/cocopilot/cocopilot/pkg/config"
	"github.com/cocopilot/cocopilot/pkg/models"
	"github.com/cocopilot/cocopilot/pkg/tracker"
	"github.com/cocopilot/cocopilot/pkg/worker"
)

type upstreamCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *upstreamCounter) hit(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[path]++
}

func (c *upstreamCounter) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func newUpstream(t *testing.T) (*httptest.Server, *upstreamCounter) {
	t.Helper()
	counter := &upstreamCounter{calls: make(map[string]int)}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.hit(r.URL.Path)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("asset " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)
	return upstream, counter
}

func setupProxy(t *testing.T, upstream *httptest.Server, skipWaiting bool) (*Server, *worker.Registration) {
	t.Helper()

	store, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Listen = ":0"
	cfg.Worker.Origin = upstream.URL
	cfg.Worker.SkipWaiting = skipWaiting
	cfg.Worker.Optional = []string{upstream.URL + "/repo.json"}
	cfg.Worker.MetadataURL = upstream.URL + "/repo.json"

	reg := worker.NewRegistration(store, upstream.Client(), nil)
	t.Cleanup(reg.Close)
	if err := reg.Register(context.Background(), cfg.Worker); err != nil {
		t.Fatal(err)
	}

	tr, err := tracker.New(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	srv, err := New(cfg, reg, tr, nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, reg
}

func TestServesPrecachedShell(t *testing.T) {
	upstream, counter := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)
	installed := counter.count("/index.html")

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(CacheHeader); got != "hit" {
		t.Errorf("expected cache hit, got %q", got)
	}
	if w.Body.String() != "asset /index.html" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if counter.count("/index.html") != installed {
		t.Error("precached asset should not reach the upstream")
	}
}

func TestCachesAbsoluteFormRequests(t *testing.T) {
	upstream, counter := newUpstream(t)
	srv, reg := setupProxy(t, upstream, true)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, upstream.URL+"/about", nil))
	if got := w.Header().Get(CacheHeader); got != "miss" {
		t.Fatalf("expected cache miss, got %q", got)
	}
	reg.Active().Wait()

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, upstream.URL+"/about", nil))
	if got := w.Header().Get(CacheHeader); got != "hit" {
		t.Errorf("expected cache hit, got %q", got)
	}
	if w.Body.String() != "asset /about" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if n := counter.count("/about"); n != 1 {
		t.Errorf("expected one upstream call, got %d", n)
	}
}

func TestUpstreamDown(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)
	upstream.Close()

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/favicon.svg", nil))
	if w.Code != http.StatusOK {
		t.Errorf("precached asset should survive the upstream going away, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/not-cached", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != http.StatusBadGateway || body.Error.Type != "cocopilot_error" {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestUpstreamStatusPassesThrough(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ControlPrefix+"state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var state models.RegistrationState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Active == nil || state.Active.Version != "v2" || state.Active.Phase != "active" {
		t.Errorf("unexpected state %+v", state)
	}
	if state.Cache == nil {
		t.Fatal("expected cache counters in the state")
	}
	if state.Cache.Hits != 1 || state.Cache.Misses != 0 {
		t.Errorf("expected one hit and no misses, got %+v", *state.Cache)
	}
	if state.Cache.Generations != 1 || state.Cache.Entries == 0 {
		t.Errorf("unexpected cache counters %+v", *state.Cache)
	}
}

func TestMessageEndpointSkipsWaiting(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, reg := setupProxy(t, upstream, false)
	if reg.Waiting() == nil {
		t.Fatal("expected a waiting worker")
	}

	req := httptest.NewRequest(http.MethodPost, ControlPrefix+"message", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if reg.Active() == nil || reg.Active().Version() != "v2" {
		t.Error("expected the waiting worker to be promoted")
	}
	if reg.Waiting() != nil {
		t.Error("expected no waiting worker after activation")
	}
}

func TestMessageEndpointRejectsBadBody(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, ControlPrefix+"message", strings.NewReader("not json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, reg := setupProxy(t, upstream, true)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, ControlPrefix+"sync", strings.NewReader(`{"tag":"sync-repo-data"}`)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if p := reg.Pending(); len(p) != 1 || p[0] != "sync-repo-data" {
		t.Errorf("expected the tag to be pending, got %v", p)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, ControlPrefix+"sync?now=1", strings.NewReader(`{"tag":"sync-repo-data"}`)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if p := reg.Pending(); len(p) != 0 {
		t.Errorf("expected the tag to be fired, got %v", p)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, ControlPrefix+"sync", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing tag, got %d", w.Code)
	}
}

func TestUnknownControlEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, _ := setupProxy(t, upstream, true)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ControlPrefix+"nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestFetchesAreRecorded(t *testing.T) {
	upstream, _ := newUpstream(t)
	srv, reg := setupProxy(t, upstream, true)

	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil))
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/about", nil))
	reg.Active().Wait()

	records, err := srv.tracker.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if r := records[0]; r.Source != "miss" || r.Policy != "cache-first" || r.Version != "v2" {
		t.Errorf("unexpected record %+v", r)
	}
	if r := records[1]; r.Source != "hit" || r.URL != upstream.URL+"/index.html" {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestHTTPServerLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	srv, err := New(cfg, nil, nil, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}

	hs, err := srv.httpServer()
	if err != nil {
		t.Fatal(err)
	}
	if hs.Addr != cfg.Listen || hs.Handler != srv {
		t.Errorf("unexpected server %+v", hs)
	}
	if hs.ErrorLog == nil {
		t.Fatal("expected a server error log")
	}

	hs.ErrorLog.Print("http: TLS handshake error from 127.0.0.1:40000: EOF")
	entries := logs.FilterMessageSnippet("TLS handshake error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged server error, got %d", len(entries))
	}
	if e := entries[0]; e.Level != zapcore.WarnLevel || e.LoggerName != "http" {
		t.Errorf("unexpected entry level=%s logger=%q", e.Level, e.LoggerName)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	srv, err := New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
