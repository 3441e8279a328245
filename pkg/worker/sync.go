package worker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SyncScheduler fires queued background sync tags once connectivity is
// confirmed. While the probe fails the tags stay queued and are retried on
// the next tick.
type SyncScheduler struct {
	reg      *Registration
	probeURL string
	fetcher  Fetcher
	interval time.Duration
	logger   *zap.Logger
}

// NewSyncScheduler creates a scheduler that probes probeURL with HEAD.
func NewSyncScheduler(reg *Registration, f Fetcher, probeURL string, interval time.Duration, logger *zap.Logger) *SyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncScheduler{
		reg:      reg,
		probeURL: probeURL,
		fetcher:  f,
		interval: interval,
		logger:   logger,
	}
}

// Run flushes pending tags every interval until ctx is cancelled. A
// non-positive interval disables the loop.
func (s *SyncScheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush fires every pending tag if the network is reachable and returns how
// many tags were fired.
func (s *SyncScheduler) Flush(ctx context.Context) int {
	tags := s.reg.Pending()
	if len(tags) == 0 {
		return 0
	}
	if !s.Online(ctx) {
		s.logger.Debug("offline, sync deferred", zap.Strings("tags", tags))
		return 0
	}
	for _, tag := range tags {
		s.reg.FireSync(ctx, tag)
	}
	return len(tags)
}

// Online reports whether the probe URL answers at all. Any HTTP status counts.
func (s *SyncScheduler) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.probeURL, nil)
	if err != nil {
		s.logger.Warn("build connectivity probe", zap.Error(err))
		return false
	}
	resp, err := s.fetcher.Do(req)
	if err != nil {
		return false
	}
	drain(resp)
	return true
}
