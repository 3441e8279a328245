package models

// MessageSkipWaiting asks a waiting worker to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message posted to the worker by a page.
type Message struct {
	Type string `json:"type"`
}

// SyncRequest registers or fires a background sync tag.
type SyncRequest struct {
	Tag string `json:"tag"`
}

// WorkerState describes one worker instance in a registration.
type WorkerState struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Cache   string `json:"cache"`
	Phase   string `json:"phase"`
}

// RegistrationState is the externally visible state of the registration.
type RegistrationState struct {
	Active      *WorkerState `json:"active,omitempty"`
	Waiting     *WorkerState `json:"waiting,omitempty"`
	PendingSync []string     `json:"pending_sync"`
	// Cache carries the store counters of the serving process.
	Cache *CacheStats `json:"cache,omitempty"`
}
