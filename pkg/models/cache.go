package models

import (
	"net/http"
	"strings"
	"time"
)

// RequestKey identifies a cache entry: the request method and its absolute URL.
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor builds the cache key for a request. An empty method is treated as GET.
func KeyFor(r *http.Request) RequestKey {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: r.URL.String()}
}

// String renders the key the way it is logged and displayed.
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// CacheEntry is a stored response snapshot within one cache generation.
type CacheEntry struct {
	Cache     string      `json:"cache"`
	Key       RequestKey  `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Generations int64 `json:"generations"`
	Entries     int64 `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
}

// GenerationInfo summarises one named cache generation.
type GenerationInfo struct {
	Name      string    `json:"name"`
	Entries   int64     `json:"entries"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}
