package models

import "time"

// FetchRecord is one request served through the worker.
type FetchRecord struct {
	ID        int64         `json:"id"`
	Version   string        `json:"version"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Policy    string        `json:"policy,omitempty"`
	Source    string        `json:"source"`
	Status    int           `json:"status"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// FetchSummary aggregates fetch records by policy and source.
type FetchSummary struct {
	Policy      string        `json:"policy"`
	Source      string        `json:"source"`
	Requests    int64         `json:"requests"`
	AvgDuration time.Duration `json:"avg_duration"`
}
