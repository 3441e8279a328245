package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cocopilot/cocopilot/pkg/config"
	"github.com/cocopilot/cocopilot/pkg/models"
	"github.com/cocopilot/cocopilot/pkg/tracker"
	"github.com/cocopilot/cocopilot/pkg/worker"
)

// ControlPrefix is the path prefix of the worker control endpoints.
const ControlPrefix = "/__cocopilot/"

// CacheHeader reports where a proxied response came from.
const CacheHeader = "X-Cocopilot-Cache"

// hopHeaders are connection-level headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server puts the cache worker in front of the page shell.
type Server struct {
	cfg     *config.Config
	reg     *worker.Registration
	tracker tracker.Tracker
	origin  *url.URL
	logger  *zap.Logger
	mux     *http.ServeMux
}

// New creates a proxy Server for the given registration. tr may be nil to
// disable the fetch log.
func New(cfg *config.Config, reg *worker.Registration, tr tracker.Tracker, logger *zap.Logger) (*Server, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		tracker: tr,
		origin:  origin,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET "+ControlPrefix+"state", s.handleState)
	s.mux.HandleFunc("POST "+ControlPrefix+"message", s.handleMessage)
	s.mux.HandleFunc("POST "+ControlPrefix+"sync", s.handleSync)
	s.mux.HandleFunc(ControlPrefix, s.handleUnknownControl)
	return s, nil
}

// ServeHTTP implements http.Handler. Absolute-form request URIs are proxied
// as-is; anything outside the control prefix is resolved against the origin.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, ControlPrefix) {
		s.mux.ServeHTTP(w, r)
		return
	}
	s.handleFetch(w, r)
}

// httpServer builds the net/http server. Its own errors, such as TLS
// handshake or accept failures, go to the zap logger at warn level.
func (s *Server) httpServer() (*http.Server, error) {
	errLog, err := zap.NewStdLogAt(s.logger.Named("http"), zap.WarnLevel)
	if err != nil {
		return nil, fmt.Errorf("http error log: %w", err)
	}
	return &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          errLog,
	}, nil
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv, err := s.httpServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("cocopilot proxy listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	out, err := s.outbound(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	res, err := s.reg.Fetch(out)
	if err != nil {
		s.logger.Warn("fetch failed", zap.String("url", out.URL.String()), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "upstream fetch failed")
		s.record(r.Context(), out, "", "error", http.StatusBadGateway, time.Since(start))
		return
	}
	resp := res.Response
	defer resp.Body.Close()
	defer func() {
		s.record(r.Context(), out, string(res.Policy), string(res.Source), resp.StatusCode, time.Since(start))
	}()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	removeHopHeaders(w.Header())
	w.Header().Set(CacheHeader, string(res.Source))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("copy response body", zap.String("url", out.URL.String()), zap.Error(err))
	}
}

// record appends a fetch to the fetch log, if one is configured.
func (s *Server) record(ctx context.Context, req *http.Request, policy, source string, status int, d time.Duration) {
	if s.tracker == nil {
		return
	}
	version := ""
	if m := s.reg.Active(); m != nil {
		version = m.Version()
	}
	rec := models.FetchRecord{
		Version:  version,
		Method:   req.Method,
		URL:      req.URL.String(),
		Policy:   policy,
		Source:   source,
		Status:   status,
		Duration: d,
	}
	if err := s.tracker.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("record fetch", zap.String("url", rec.URL), zap.Error(err))
	}
}

// outbound builds the request the worker sees for an incoming proxy request.
func (s *Server) outbound(r *http.Request) (*http.Request, error) {
	target := r.URL
	if !target.IsAbs() {
		target = s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	out.ContentLength = r.ContentLength
	return out, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.reg.Snapshot()
	stats, err := s.reg.Stats(r.Context())
	if err != nil {
		s.logger.Warn("cache stats", zap.Error(err))
	} else {
		state.Cache = &stats
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message body")
		return
	}

	handled, err := s.reg.PostMessage(r.Context(), msg)
	if err != nil {
		s.logger.Error("post message", zap.String("type", msg.Type), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "message handling failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"type":    msg.Type,
		"handled": handled,
		"state":   s.reg.Snapshot(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeJSONError(w, http.StatusBadRequest, "sync request needs a tag")
		return
	}

	if r.URL.Query().Get("now") != "" {
		s.reg.FireSync(r.Context(), req.Tag)
	} else {
		s.reg.RegisterSync(req.Tag)
	}
	writeJSON(w, http.StatusAccepted, s.reg.Snapshot())
}

func (s *Server) handleUnknownControl(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "unknown control endpoint")
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"cocopilot_error","code":%d}}`, message, code)
}
