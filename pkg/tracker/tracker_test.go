package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cocopilot/cocopilot/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndRecent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i, u := range []string{"https://cocopilot.test/", "https://cocopilot.test/index.html"} {
		rec := models.FetchRecord{
			Version:  "v2",
			Method:   "GET",
			URL:      u,
			Policy:   "cache-first",
			Source:   "hit",
			Status:   200,
			Duration: time.Duration(i+1) * time.Millisecond,
		}
		if err := tr.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := tr.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].URL != "https://cocopilot.test/index.html" {
		t.Errorf("expected newest first, got %s", records[0].URL)
	}
	if records[0].Duration != 2*time.Millisecond {
		t.Errorf("expected 2ms, got %s", records[0].Duration)
	}
	if records[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}

	limited, err := tr.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	recs := []models.FetchRecord{
		{Policy: "cache-first", Source: "hit", Duration: 1 * time.Millisecond, CreatedAt: now},
		{Policy: "cache-first", Source: "hit", Duration: 3 * time.Millisecond, CreatedAt: now},
		{Policy: "network-first", Source: "miss", Duration: 10 * time.Millisecond, CreatedAt: now},
		{Policy: "network-first", Source: "stale", Duration: 5 * time.Millisecond, CreatedAt: now.Add(-2 * time.Hour)},
	}
	for _, r := range recs {
		r.Version, r.Method, r.URL, r.Status = "v2", "GET", "https://cocopilot.test/", 200
		if err := tr.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	summaries, err := tr.Summary(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(summaries), summaries)
	}
	if s := summaries[0]; s.Policy != "cache-first" || s.Source != "hit" || s.Requests != 2 || s.AvgDuration != 2*time.Millisecond {
		t.Errorf("unexpected cache-first summary %+v", s)
	}
	if s := summaries[1]; s.Policy != "network-first" || s.Source != "miss" || s.Requests != 1 {
		t.Errorf("unexpected network-first summary %+v", s)
	}
}

func TestPurge(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	old := models.FetchRecord{Version: "v1", Method: "GET", URL: "https://cocopilot.test/", Source: "hit", CreatedAt: now.Add(-48 * time.Hour)}
	fresh := models.FetchRecord{Version: "v2", Method: "GET", URL: "https://cocopilot.test/", Source: "hit", CreatedAt: now}
	for _, r := range []models.FetchRecord{old, fresh} {
		if err := tr.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := tr.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged record, got %d", n)
	}

	records, err := tr.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Version != "v2" {
		t.Errorf("expected only the fresh record to remain, got %+v", records)
	}
}
